package entitlement

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

const memoryUpdateBuffer = 32

// MemoryLedger is an in-process ledger that signs its own transactions.
// It backs development mode and tests.
type MemoryLedger struct {
	mu   sync.Mutex
	priv ed25519.PrivateKey
	now  func() time.Time

	transactions map[string]Transaction
	unfinished   map[string]SignedTransaction
	foreign      []SignedTransaction
	finished     []string
	nextOutcome  PurchaseStatus
	syncs        int

	updates chan SignedTransaction
	closed  bool
}

// NewMemoryLedger creates a ledger signing with priv. A nil key generates one.
func NewMemoryLedger(priv ed25519.PrivateKey) (*MemoryLedger, error) {
	if priv == nil {
		var err error
		_, priv, err = ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("generate ledger key: %w", err)
		}
	}
	return &MemoryLedger{
		priv:         priv,
		now:          time.Now,
		transactions: make(map[string]Transaction),
		unfinished:   make(map[string]SignedTransaction),
		nextOutcome:  PurchaseSuccess,
		updates:      make(chan SignedTransaction, memoryUpdateBuffer),
	}, nil
}

// PublicKey returns the key transactions are signed with.
func (l *MemoryLedger) PublicKey() ed25519.PublicKey {
	return l.priv.Public().(ed25519.PublicKey)
}

// SetNextPurchaseOutcome makes the next Purchase end with status.
func (l *MemoryLedger) SetNextPurchaseOutcome(status PurchaseStatus) {
	l.mu.Lock()
	l.nextOutcome = status
	l.mu.Unlock()
}

// Grant records an entitlement for productID as if it arrived from outside
// the app (renewal, family sharing) and publishes it as an update. The
// transaction stays unfinished until acknowledged.
func (l *MemoryLedger) Grant(productID string, expires *time.Time) (Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := l.newTransactionLocked(productID, expires)
	st, err := l.recordLocked(tx)
	if err != nil {
		return Transaction{}, err
	}
	l.publishLocked(st)
	return tx, nil
}

// Revoke marks a transaction refunded and publishes the change.
func (l *MemoryLedger) Revoke(transactionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.transactions[transactionID]
	if !ok {
		return fmt.Errorf("unknown transaction %s", transactionID)
	}
	at := l.now()
	tx.RevocationDate = &at
	st, err := l.recordLocked(tx)
	if err != nil {
		return err
	}
	l.publishLocked(st)
	return nil
}

// InjectUnfinished adds a record the ledger did not sign itself, such as a
// forged or corrupted transaction.
func (l *MemoryLedger) InjectUnfinished(st SignedTransaction) {
	l.mu.Lock()
	l.foreign = append(l.foreign, st)
	l.mu.Unlock()
}

// Publish pushes an arbitrary record onto the update stream.
func (l *MemoryLedger) Publish(st SignedTransaction) {
	l.mu.Lock()
	l.publishLocked(st)
	l.mu.Unlock()
}

// Finished returns the ids acknowledged so far, in order.
func (l *MemoryLedger) Finished() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.finished))
	copy(out, l.finished)
	return out
}

// Syncs returns how many times Sync was called.
func (l *MemoryLedger) Syncs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncs
}

// Close ends the update stream.
func (l *MemoryLedger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.updates)
	}
}

func (l *MemoryLedger) UnfinishedTransactions(ctx context.Context) ([]SignedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.unfinished))
	for id := range l.unfinished {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]SignedTransaction, 0, len(ids)+len(l.foreign))
	for _, id := range ids {
		out = append(out, l.unfinished[id])
	}
	return append(out, l.foreign...), nil
}

func (l *MemoryLedger) CurrentEntitlements(ctx context.Context) ([]SignedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var latest *Transaction
	for _, tx := range l.transactions {
		if !tx.ActiveAt(now) {
			continue
		}
		if latest == nil || tx.PurchaseDate.After(latest.PurchaseDate) {
			t := tx
			latest = &t
		}
	}
	// One active entitlement per subscription group.
	if latest == nil {
		return nil, nil
	}
	st, err := Sign(l.priv, *latest)
	if err != nil {
		return nil, err
	}
	return []SignedTransaction{st}, nil
}

func (l *MemoryLedger) Purchase(ctx context.Context, productID string) (LedgerPurchase, error) {
	if err := ctx.Err(); err != nil {
		return LedgerPurchase{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	outcome := l.nextOutcome
	l.nextOutcome = PurchaseSuccess
	if outcome != PurchaseSuccess {
		return LedgerPurchase{Status: outcome}, nil
	}

	tx := l.newTransactionLocked(productID, nil)
	st, err := l.recordLocked(tx)
	if err != nil {
		return LedgerPurchase{}, err
	}
	return LedgerPurchase{Status: PurchaseSuccess, Transaction: &st}, nil
}

func (l *MemoryLedger) Finish(ctx context.Context, transactionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.unfinished[transactionID]; !ok {
		return nil
	}
	delete(l.unfinished, transactionID)
	l.finished = append(l.finished, transactionID)
	return nil
}

func (l *MemoryLedger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	l.syncs++
	l.mu.Unlock()
	return nil
}

func (l *MemoryLedger) Updates() <-chan SignedTransaction {
	return l.updates
}

func (l *MemoryLedger) newTransactionLocked(productID string, expires *time.Time) Transaction {
	id := ulid.Make().String()
	return Transaction{
		ID:           id,
		OriginalID:   id,
		ProductID:    productID,
		PurchaseDate: l.now().UTC(),
		ExpiresDate:  expires,
	}
}

func (l *MemoryLedger) recordLocked(tx Transaction) (SignedTransaction, error) {
	st, err := Sign(l.priv, tx)
	if err != nil {
		return SignedTransaction{}, err
	}
	l.transactions[tx.ID] = tx
	l.unfinished[tx.ID] = st
	return st, nil
}

func (l *MemoryLedger) publishLocked(st SignedTransaction) {
	if l.closed {
		return
	}
	select {
	case l.updates <- st:
	default:
		log.Warn().Msg("Ledger update buffer full, dropping update")
	}
}

var _ Ledger = (*MemoryLedger)(nil)
