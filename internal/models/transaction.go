package models

import (
	"fmt"
	"strings"
	"time"
)

// TransactionState is the lifecycle state of a payment-queue transaction.
type TransactionState int

const (
	TransactionUnknown TransactionState = iota
	TransactionPurchasing
	TransactionDeferred
	TransactionPurchased
	TransactionFailed
	TransactionRestored
)

var transactionStateNames = map[TransactionState]string{
	TransactionUnknown:    "unknown",
	TransactionPurchasing: "purchasing",
	TransactionDeferred:   "deferred",
	TransactionPurchased:  "purchased",
	TransactionFailed:     "failed",
	TransactionRestored:   "restored",
}

func (s TransactionState) String() string {
	if name, ok := transactionStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsTerminal reports whether the state ends a purchase attempt.
func (s TransactionState) IsTerminal() bool {
	return s != TransactionPurchasing && s != TransactionDeferred
}

// ParseTransactionState maps a wire name onto a state. Unrecognised names map to
// TransactionUnknown so that new backend states are treated as terminal.
func ParseTransactionState(v string) TransactionState {
	v = strings.ToLower(strings.TrimSpace(v))
	for state, name := range transactionStateNames {
		if name == v {
			return state
		}
	}
	return TransactionUnknown
}

func (s TransactionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TransactionState) UnmarshalText(text []byte) error {
	*s = ParseTransactionState(string(text))
	return nil
}

// TransactionError carries the backend's failure description for a transaction.
type TransactionError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *TransactionError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Transaction is one unit of payment-queue work reported by the backend.
type Transaction struct {
	ID         string            `json:"transactionId"`
	OriginalID string            `json:"originalTransactionId,omitempty"`
	ProductID  string            `json:"productId"`
	State      TransactionState  `json:"state"`
	Error      *TransactionError `json:"error,omitempty"`
	Raw        string            `json:"-"`
}

// Err returns the transaction failure as an error, or nil.
func (t Transaction) Err() error {
	if t.Error == nil {
		return nil
	}
	return t.Error
}

// TransactionRecord is a ledger row for an observed transaction.
type TransactionRecord struct {
	TransactionID         string    `json:"transaction_id"`
	OriginalTransactionID string    `json:"original_transaction_id,omitempty"`
	ProductID             string    `json:"product_id"`
	State                 string    `json:"state"`
	ErrorMessage          string    `json:"error_message,omitempty"`
	Raw                   string    `json:"-"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// RecordFromTransaction builds the ledger row for txn.
func RecordFromTransaction(txn Transaction, now time.Time) TransactionRecord {
	rec := TransactionRecord{
		TransactionID:         txn.ID,
		OriginalTransactionID: txn.OriginalID,
		ProductID:             txn.ProductID,
		State:                 txn.State.String(),
		Raw:                   txn.Raw,
		UpdatedAt:             now,
	}
	if txn.Error != nil {
		rec.ErrorMessage = txn.Error.Error()
	}
	return rec
}
