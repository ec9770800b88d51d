package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	baseReconnectDelay = 2 * time.Second
	maxReconnectDelay  = 2 * time.Minute
	reconnectJitter    = 0.1

	wsHandshakeWait = 15 * time.Second
	wsPongWait      = 70 * time.Second
	wsMaxMessage    = 64 * 1024

	bridgeUpdateBuffer = 32
)

// BridgeConfig configures the host-side ledger bridge.
type BridgeConfig struct {
	// BaseURL is the bridge root, e.g. http://127.0.0.1:7710/ledger.
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// BridgeLedger talks to the platform purchase ledger through the host
// shell: REST calls for queries and purchases, and a WebSocket stream for
// transaction updates. Run keeps the stream connected.
type BridgeLedger struct {
	cfg     BridgeConfig
	client  *http.Client
	updates chan SignedTransaction

	mu        sync.RWMutex
	connected bool
	lastError string
}

// BridgeStatus describes the update stream connection.
type BridgeStatus struct {
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}

// NewBridgeLedger creates a bridge client.
func NewBridgeLedger(cfg BridgeConfig) *BridgeLedger {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &BridgeLedger{
		cfg:     cfg,
		client:  client,
		updates: make(chan SignedTransaction, bridgeUpdateBuffer),
	}
}

type transactionsResponse struct {
	Transactions []SignedTransaction `json:"transactions"`
}

func (b *BridgeLedger) UnfinishedTransactions(ctx context.Context) ([]SignedTransaction, error) {
	var resp transactionsResponse
	if err := b.do(ctx, http.MethodGet, "/transactions/unfinished", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

func (b *BridgeLedger) CurrentEntitlements(ctx context.Context) ([]SignedTransaction, error) {
	var resp transactionsResponse
	if err := b.do(ctx, http.MethodGet, "/entitlements", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

func (b *BridgeLedger) Purchase(ctx context.Context, productID string) (LedgerPurchase, error) {
	var resp LedgerPurchase
	body := map[string]string{"product_id": productID}
	if err := b.do(ctx, http.MethodPost, "/purchase", body, &resp); err != nil {
		return LedgerPurchase{}, err
	}
	switch resp.Status {
	case PurchaseSuccess, PurchasePending, PurchaseCancelled:
	default:
		return LedgerPurchase{}, fmt.Errorf("ledger bridge returned unknown purchase status %q", resp.Status)
	}
	return resp, nil
}

func (b *BridgeLedger) Finish(ctx context.Context, transactionID string) error {
	return b.do(ctx, http.MethodPost, "/transactions/"+url.PathEscape(transactionID)+"/finish", nil, nil)
}

func (b *BridgeLedger) Sync(ctx context.Context) error {
	return b.do(ctx, http.MethodPost, "/sync", nil, nil)
}

func (b *BridgeLedger) Updates() <-chan SignedTransaction {
	return b.updates
}

// Status returns the update stream state.
func (b *BridgeLedger) Status() BridgeStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BridgeStatus{Connected: b.connected, LastError: b.lastError}
}

func (b *BridgeLedger) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger bridge %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ledger bridge %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// Run keeps the update stream connected until ctx is cancelled, then closes
// the Updates channel.
func (b *BridgeLedger) Run(ctx context.Context) error {
	defer close(b.updates)

	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := b.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.mu.Lock()
		b.connected = false
		if err != nil {
			b.lastError = err.Error()
		}
		b.mu.Unlock()

		if err == nil {
			failures = 0
			log.Debug().Msg("Ledger update stream closed by bridge")
		} else {
			failures++
		}

		delay := backoffDelay(max(failures, 1))
		if failures >= 3 {
			log.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("Ledger update stream failed repeatedly")
		} else if err != nil {
			log.Debug().Err(err).Dur("retry_in", delay).Msg("Ledger update stream interrupted, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (b *BridgeLedger) streamURL() (string, error) {
	u, err := url.Parse(b.cfg.BaseURL + "/updates")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (b *BridgeLedger) stream(ctx context.Context) error {
	target, err := b.streamURL()
	if err != nil {
		return fmt.Errorf("invalid bridge url: %w", err)
	}

	header := http.Header{}
	if b.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+b.cfg.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeWait}
	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return fmt.Errorf("dial ledger updates: %w", err)
	}
	defer conn.Close()

	b.mu.Lock()
	b.connected = true
	b.lastError = ""
	b.mu.Unlock()
	log.Info().Str("url", target).Msg("Connected to ledger update stream")

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	// Unblock the read when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var st SignedTransaction
		if err := conn.ReadJSON(&st); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read ledger update: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		select {
		case b.updates <- st:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func backoffDelay(failures int) time.Duration {
	delay := baseReconnectDelay * time.Duration(math.Pow(2, float64(failures-1)))
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	jitter := time.Duration(float64(delay) * reconnectJitter * (rand.Float64()*2 - 1))
	return delay + jitter
}

var _ Ledger = (*BridgeLedger)(nil)
