package entitlement

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	coreerrors "github.com/rcourtman/carbscan/internal/errors"
)

// Transaction is the verified content of a ledger record.
type Transaction struct {
	ID             string     `json:"id"`
	OriginalID     string     `json:"original_id,omitempty"`
	ProductID      string     `json:"product_id"`
	PurchaseDate   time.Time  `json:"purchase_date"`
	ExpiresDate    *time.Time `json:"expires_date,omitempty"`
	RevocationDate *time.Time `json:"revocation_date,omitempty"`
}

// ActiveAt reports whether the transaction grants access at now.
func (t Transaction) ActiveAt(now time.Time) bool {
	if t.RevocationDate != nil && !t.RevocationDate.After(now) {
		return false
	}
	if t.ExpiresDate != nil && !t.ExpiresDate.After(now) {
		return false
	}
	return true
}

// SignedTransaction is a ledger record as delivered: a JSON payload and an
// Ed25519 signature over it.
type SignedTransaction struct {
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
}

// PurchaseStatus is the terminal state of a purchase flow.
type PurchaseStatus string

const (
	PurchaseSuccess   PurchaseStatus = "success"
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCancelled PurchaseStatus = "cancelled"
)

// LedgerPurchase is what the ledger reports for a purchase attempt.
// Transaction is set only on success.
type LedgerPurchase struct {
	Status      PurchaseStatus     `json:"status"`
	Transaction *SignedTransaction `json:"transaction,omitempty"`
}

// Ledger is the external purchase ledger.
type Ledger interface {
	UnfinishedTransactions(ctx context.Context) ([]SignedTransaction, error)
	CurrentEntitlements(ctx context.Context) ([]SignedTransaction, error)
	Purchase(ctx context.Context, productID string) (LedgerPurchase, error)
	Finish(ctx context.Context, transactionID string) error
	Sync(ctx context.Context) error
	// Updates delivers renewals, expirations and refunds. The channel is
	// closed when the ledger shuts down.
	Updates() <-chan SignedTransaction
}

var (
	errNoPublicKey      = errors.New("no transaction public key configured")
	errSignatureInvalid = errors.New("signature invalid")
	errMalformed        = errors.New("malformed transaction")
)

// Verifier checks transaction signatures.
type Verifier struct {
	key ed25519.PublicKey
}

// NewVerifier creates a verifier for key.
func NewVerifier(key ed25519.PublicKey) *Verifier {
	return &Verifier{key: key}
}

// DecodePublicKey decodes a base64 Ed25519 public key (standard or URL-safe).
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, err
		}
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// Verify checks the signature and decodes the payload. Any failure is a
// verification error: the transaction must not be trusted or finished.
func (v *Verifier) Verify(st SignedTransaction) (Transaction, error) {
	if v == nil || len(v.key) == 0 {
		return Transaction{}, coreerrors.WrapVerificationError("verify_transaction", errNoPublicKey)
	}
	if !ed25519.Verify(v.key, st.Payload, st.Signature) {
		return Transaction{}, coreerrors.WrapVerificationError("verify_transaction", errSignatureInvalid)
	}

	var tx Transaction
	if err := json.Unmarshal(st.Payload, &tx); err != nil {
		return Transaction{}, coreerrors.WrapVerificationError("verify_transaction", fmt.Errorf("%w: %v", errMalformed, err))
	}
	if tx.ID == "" || tx.ProductID == "" {
		return Transaction{}, coreerrors.WrapVerificationError("verify_transaction", fmt.Errorf("%w: missing id or product", errMalformed))
	}
	return tx, nil
}

// Sign produces a SignedTransaction for tx. Used by ledgers that issue
// their own records.
func Sign(priv ed25519.PrivateKey, tx Transaction) (SignedTransaction, error) {
	payload, err := json.Marshal(tx)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return SignedTransaction{Payload: payload, Signature: ed25519.Sign(priv, payload)}, nil
}
