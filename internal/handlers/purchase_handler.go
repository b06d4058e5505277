package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"purchasekit/internal/models"
	"purchasekit/internal/purchase"
	"purchasekit/internal/repositories"
)

const defaultWait = 2 * time.Minute

// Coordinator is the part of purchase.Coordinator the handler drives.
type Coordinator interface {
	FetchProducts(ids []string, completion purchase.ProductsCompletion)
	Purchase(product models.Product, completion purchase.ReceiptCompletion)
	RestorePurchase(completion purchase.ReceiptCompletion)
	InProgress() bool
}

type TransactionLedger interface {
	GetByID(ctx context.Context, transactionID string) (models.TransactionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]models.TransactionRecord, error)
}

// PurchaseHandler exposes the coordinator over HTTP. Each request blocks until
// its completion fires, the caller goes away, or a newer request of the same
// kind replaces it.
type PurchaseHandler struct {
	Coordinator Coordinator
	Ledger      TransactionLedger
	Wait        time.Duration

	mu               sync.Mutex
	productsReplaced chan struct{}
	restoreReplaced  chan struct{}

	// Held across the swap and the coordinator call so that the coordinator
	// sees requests of one kind in the same order as their waiters.
	productsMu sync.Mutex
	restoreMu  sync.Mutex
}

func NewPurchaseHandler(coordinator Coordinator, ledger TransactionLedger, wait time.Duration) *PurchaseHandler {
	if wait <= 0 {
		wait = defaultWait
	}
	return &PurchaseHandler{Coordinator: coordinator, Ledger: ledger, Wait: wait}
}

type receiptResult struct {
	receipt []byte
	err     error
}

type productsResult struct {
	products []models.Product
	err      error
}

// replace signals the previous waiter of the same kind, then runs dispatch
// before any newer request of that kind can. It returns the channel the new
// waiter listens on.
func (h *PurchaseHandler) replace(seq *sync.Mutex, slot *chan struct{}, dispatch func()) chan struct{} {
	seq.Lock()
	defer seq.Unlock()

	h.mu.Lock()
	if *slot != nil {
		close(*slot)
	}
	ch := make(chan struct{})
	*slot = ch
	h.mu.Unlock()

	dispatch()
	return ch
}

func (h *PurchaseHandler) release(slot *chan struct{}, ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if *slot == ch {
		*slot = nil
	}
}

// FetchProducts handles POST /products.
func (h *PurchaseHandler) FetchProducts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifiers []string `json:"identifiers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Identifiers) == 0 {
		http.Error(w, "identifiers are required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Wait)
	defer cancel()

	done := make(chan productsResult, 1)
	replaced := h.replace(&h.productsMu, &h.productsReplaced, func() {
		h.Coordinator.FetchProducts(req.Identifiers, func(products []models.Product, err error) {
			done <- productsResult{products: products, err: err}
		})
	})
	defer h.release(&h.productsReplaced, replaced)

	select {
	case res := <-done:
		if res.err != nil {
			writeCoordinatorError(w, res.err)
			return
		}
		if res.products == nil {
			res.products = []models.Product{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": res.products})
	case <-replaced:
		writeJSON(w, http.StatusConflict, map[string]string{"error": "superseded"})
	case <-ctx.Done():
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "timeout"})
	}
}

// Purchase handles POST /purchases.
func (h *PurchaseHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID string `json:"product_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		http.Error(w, "product_id is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Wait)
	defer cancel()

	done := make(chan receiptResult, 1)
	h.Coordinator.Purchase(models.Product{ID: req.ProductID}, func(receipt []byte, err error) {
		done <- receiptResult{receipt: receipt, err: err}
	})
	h.waitReceipt(ctx, w, done, nil)
}

// RestorePurchase handles POST /restore.
func (h *PurchaseHandler) RestorePurchase(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.Wait)
	defer cancel()

	done := make(chan receiptResult, 1)
	replaced := h.replace(&h.restoreMu, &h.restoreReplaced, func() {
		h.Coordinator.RestorePurchase(func(receipt []byte, err error) {
			done <- receiptResult{receipt: receipt, err: err}
		})
	})
	defer h.release(&h.restoreReplaced, replaced)
	h.waitReceipt(ctx, w, done, replaced)
}

func (h *PurchaseHandler) waitReceipt(ctx context.Context, w http.ResponseWriter, done <-chan receiptResult, replaced <-chan struct{}) {
	select {
	case res := <-done:
		if res.err != nil {
			writeCoordinatorError(w, res.err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"receipt": base64.StdEncoding.EncodeToString(res.receipt),
		})
	case <-replaced:
		writeJSON(w, http.StatusConflict, map[string]string{"error": "superseded"})
	case <-ctx.Done():
		// The attempt keeps running; its outcome still lands in the ledger.
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "timeout"})
	}
}

// Status handles GET /purchases/status.
func (h *PurchaseHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"in_progress": h.Coordinator.InProgress()})
}

// GetTransaction handles GET /transactions/:id.
func (h *PurchaseHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get(":id"))
	if id == "" {
		http.Error(w, "transaction id is required", http.StatusBadRequest)
		return
	}
	rec, err := h.Ledger.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			http.Error(w, "transaction not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListTransactions handles GET /transactions?limit=N.
func (h *PurchaseHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := h.Ledger.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": records})
}

func writeCoordinatorError(w http.ResponseWriter, err error) {
	var perr *purchase.Error
	if !errors.As(err, &perr) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	body := map[string]any{"error": perr.Kind.String(), "message": perr.Error()}
	switch perr.Kind {
	case purchase.InvalidIdentifiers:
		body["invalid_identifiers"] = perr.InvalidIdentifiers
		writeJSON(w, http.StatusUnprocessableEntity, body)
	case purchase.PurchaseAlreadyInProgress:
		writeJSON(w, http.StatusConflict, body)
	case purchase.RestoreFailed:
		writeJSON(w, http.StatusNotFound, body)
	case purchase.PurchaseFailed:
		writeJSON(w, http.StatusPaymentRequired, body)
	default:
		writeJSON(w, http.StatusInternalServerError, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
