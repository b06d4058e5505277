package purchase

import (
	"context"

	"purchasekit/internal/models"
)

// Request is an in-flight backend request. Cancel abandons it; the backend may
// still deliver a late result, which the coordinator ignores.
type Request interface {
	Cancel()
}

// Backend is the external payment service. Results of LookupProducts and
// RefreshReceipt arrive asynchronously through the done callbacks, transaction
// state changes through the handler registered with Observe.
type Backend interface {
	LookupProducts(ids []string, done func(models.ProductsResponse, error)) Request
	RefreshReceipt(done func(error)) Request
	SubmitPayment(product models.Product) error
	FinishTransaction(txn models.Transaction) error
	Observe(handler func([]models.Transaction)) (unsubscribe func())
}

// ReceiptStore reads the local receipt. A missing receipt is reported as an
// error or as empty data; both mean "not available yet".
type ReceiptStore interface {
	Load(ctx context.Context) ([]byte, error)
}

// TransactionRecorder is handed every transaction the backend reports.
type TransactionRecorder interface {
	RecordTransaction(ctx context.Context, txn models.Transaction)
}

// Logger provides minimal logging required by the coordinator.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
