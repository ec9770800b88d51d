package entitlement

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBridge struct {
	t    *testing.T
	priv ed25519.PrivateKey

	mu       sync.Mutex
	finished []string
	syncs    int
	push     chan SignedTransaction
}

func (f *fakeBridge) sign(tx Transaction) SignedTransaction {
	st, err := Sign(f.priv, tx)
	require.NoError(f.t, err)
	return st
}

func (f *fakeBridge) finishedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.finished...)
}

func (f *fakeBridge) handler() http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ledger/transactions/unfinished", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "Bearer bridge-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(transactionsResponse{Transactions: []SignedTransaction{
			f.sign(Transaction{ID: "tx-1", ProductID: "com.carbscan.standard", PurchaseDate: time.Now()}),
		}})
	})
	mux.HandleFunc("GET /ledger/entitlements", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(transactionsResponse{})
	})
	mux.HandleFunc("POST /ledger/purchase", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		if body["product_id"] == "com.carbscan.pending" {
			_ = json.NewEncoder(w).Encode(LedgerPurchase{Status: PurchasePending})
			return
		}
		st := f.sign(Transaction{ID: "tx-2", ProductID: body["product_id"], PurchaseDate: time.Now()})
		_ = json.NewEncoder(w).Encode(LedgerPurchase{Status: PurchaseSuccess, Transaction: &st})
	})
	mux.HandleFunc("POST /ledger/transactions/{id}/finish", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.finished = append(f.finished, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /ledger/sync", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.syncs++
		f.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store offline"))
	})
	mux.HandleFunc("/ledger/updates", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for st := range f.push {
			if err := conn.WriteJSON(st); err != nil {
				return
			}
		}
	})
	return mux
}

func newFakeBridge(t *testing.T) (*fakeBridge, *httptest.Server, *BridgeLedger) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	fb := &fakeBridge{t: t, priv: priv, push: make(chan SignedTransaction, 4)}
	srv := httptest.NewServer(fb.handler())
	t.Cleanup(srv.Close)

	ledger := NewBridgeLedger(BridgeConfig{BaseURL: srv.URL + "/ledger/", Token: "bridge-token"})
	return fb, srv, ledger
}

func TestBridgeLedgerREST(t *testing.T) {
	fb, _, ledger := newFakeBridge(t)
	ctx := context.Background()
	v := NewVerifier(fb.priv.Public().(ed25519.PublicKey))

	pending, err := ledger.UnfinishedTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	tx, err := v.Verify(pending[0])
	require.NoError(t, err)
	assert.Equal(t, "tx-1", tx.ID)

	require.NoError(t, ledger.Finish(ctx, tx.ID))
	assert.Equal(t, []string{"tx-1"}, fb.finishedIDs())

	current, err := ledger.CurrentEntitlements(ctx)
	require.NoError(t, err)
	assert.Empty(t, current)

	result, err := ledger.Purchase(ctx, "com.carbscan.unlimited")
	require.NoError(t, err)
	assert.Equal(t, PurchaseSuccess, result.Status)
	require.NotNil(t, result.Transaction)

	result, err = ledger.Purchase(ctx, "com.carbscan.pending")
	require.NoError(t, err)
	assert.Equal(t, PurchasePending, result.Status)

	err = ledger.Sync(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestBridgeLedgerStreamsUpdates(t *testing.T) {
	fb, _, ledger := newFakeBridge(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ledger.Run(ctx) }()

	want := fb.sign(Transaction{ID: "tx-9", ProductID: "com.carbscan.standard", PurchaseDate: time.Now()})
	fb.push <- want

	select {
	case got := <-ledger.Updates():
		assert.Equal(t, want.Payload, got.Payload)
		assert.Equal(t, want.Signature, got.Signature)
	case <-time.After(3 * time.Second):
		t.Fatal("no update received")
	}
	assert.True(t, ledger.Status().Connected)

	cancel()
	close(fb.push)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}

	_, open := <-ledger.Updates()
	assert.False(t, open)
}

func TestBridgeLedgerDrivesResolver(t *testing.T) {
	fb, _, ledger := newFakeBridge(t)
	anchors := &fakeAnchors{anchor: fakeAnchorDaysAgo(5)}
	r, err := NewResolver(Options{
		Ledger:   ledger,
		Verifier: NewVerifier(fb.priv.Public().(ed25519.PublicKey)),
		Anchors:  anchors,
	})
	require.NoError(t, err)

	state, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierNone, state.Tier)
	assert.Equal(t, []string{"tx-1"}, fb.finishedIDs())

	result, err := r.Purchase(context.Background(), "com.carbscan.unlimited")
	require.NoError(t, err)
	assert.Equal(t, TierUnlimited, result.State.Tier)
}

func TestBackoffDelayIsBounded(t *testing.T) {
	for failures := 1; failures < 20; failures++ {
		d := backoffDelay(failures)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, maxReconnectDelay+time.Duration(float64(maxReconnectDelay)*reconnectJitter))
	}
}
