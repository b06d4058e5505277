package services

import (
	"context"
	"time"

	"purchasekit/internal/models"
)

// Logger provides minimal logging required by the services.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type TransactionStore interface {
	Save(ctx context.Context, rec models.TransactionRecord) error
}

type SeenMarker interface {
	MarkSeen(ctx context.Context, transactionID, state string) (bool, error)
	Forget(ctx context.Context, transactionID, state string) error
}

type TransactionNotifier interface {
	NotifyTransaction(ctx context.Context, txn models.Transaction) error
}

// TransactionService writes every observed transaction to the ledger and
// announces purchase outcomes.
type TransactionService struct {
	Store    TransactionStore
	Seen     SeenMarker
	Notifier TransactionNotifier
	Logger   Logger
	Timeout  time.Duration
}

// RecordTransaction never fails the caller; problems are logged.
func (s *TransactionService) RecordTransaction(ctx context.Context, txn models.Transaction) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	state := txn.State.String()

	if s.Seen != nil {
		first, err := s.Seen.MarkSeen(ctx, txn.ID, state)
		if err != nil {
			// Cache outage: record anyway, the ledger upsert is idempotent.
			s.Logger.Errorf("ledger: mark seen %s/%s: %v", txn.ID, state, err)
		} else if !first {
			return
		}
	}

	if err := s.Store.Save(ctx, models.RecordFromTransaction(txn, time.Now().UTC())); err != nil {
		s.Logger.Errorf("ledger: save transaction %s: %v", txn.ID, err)
		if s.Seen != nil {
			if ferr := s.Seen.Forget(ctx, txn.ID, state); ferr != nil {
				s.Logger.Errorf("ledger: forget %s/%s: %v", txn.ID, state, ferr)
			}
		}
		return
	}

	if s.Notifier == nil {
		return
	}
	if txn.State != models.TransactionPurchased && txn.State != models.TransactionFailed {
		return
	}
	if err := s.Notifier.NotifyTransaction(ctx, txn); err != nil {
		s.Logger.Errorf("ledger: notify transaction %s: %v", txn.ID, err)
	}
}
