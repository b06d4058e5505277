package purchase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"purchasekit/internal/models"
)

// ProductsCompletion receives the result of FetchProducts.
type ProductsCompletion func(products []models.Product, err error)

// ReceiptCompletion receives the result of Purchase and RestorePurchase.
type ReceiptCompletion func(receipt []byte, err error)

// Options tunes optional coordinator behaviour.
type Options struct {
	// PurchaseTimeout fails an attempt with ErrPurchaseTimeout when no terminal
	// transaction state arrives in time. Zero waits forever.
	PurchaseTimeout time.Duration
	// Recorder, when set, receives every transaction the backend reports.
	Recorder TransactionRecorder
}

type productQuery struct {
	ids        []string
	request    Request
	completion ProductsCompletion
}

type restoreQuery struct {
	request    Request
	completion ReceiptCompletion
}

type purchaseAttempt struct {
	id         string
	product    models.Product
	completion ReceiptCompletion
	timer      *time.Timer
}

// Coordinator serializes product lookups, purchases and restores against a
// Backend. One instance owns the backend's transaction stream for its lifetime:
// create it with New, release it with Close.
//
// Lookups and restores are single-flight by replacement: a newer call cancels
// the pending one and the older completion is never invoked. Purchases are
// single-flight by rejection.
//
// A terminal state other than purchased or failed clears the in-progress flag
// but keeps the pending attempt, so a later purchased or failed transaction
// still completes it. If Purchase is called first, the new attempt replaces the
// old one and the old completion is never invoked.
type Coordinator struct {
	backend  Backend
	receipts ReceiptStore
	recorder TransactionRecorder
	logger   Logger
	timeout  time.Duration

	mu          sync.Mutex
	products    *productQuery
	restore     *restoreQuery
	attempt     *purchaseAttempt
	inProgress  bool
	closed      bool
	unsubscribe func()
}

// New creates a coordinator and registers it as the backend's transaction observer.
func New(backend Backend, receipts ReceiptStore, logger Logger, opts Options) (*Coordinator, error) {
	if backend == nil {
		return nil, errors.New("purchase: backend is required")
	}
	if receipts == nil {
		return nil, errors.New("purchase: receipt store is required")
	}
	if logger == nil {
		return nil, errors.New("purchase: logger is required")
	}
	if opts.PurchaseTimeout < 0 {
		return nil, errors.New("purchase: purchase timeout must not be negative")
	}
	c := &Coordinator{
		backend:  backend,
		receipts: receipts,
		recorder: opts.Recorder,
		logger:   logger,
		timeout:  opts.PurchaseTimeout,
	}
	c.unsubscribe = backend.Observe(c.handleTransactions)
	return c, nil
}

// Close deregisters from the backend and abandons pending requests without
// invoking their completions. It is safe to call more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	products, restore, attempt := c.products, c.restore, c.attempt
	c.products, c.restore, c.attempt = nil, nil, nil
	c.inProgress = false
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if products != nil && products.request != nil {
		products.request.Cancel()
	}
	if restore != nil && restore.request != nil {
		restore.request.Cancel()
	}
	if attempt != nil && attempt.timer != nil {
		attempt.timer.Stop()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
}

// InProgress reports whether a purchase attempt is active.
func (c *Coordinator) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}

// FetchProducts looks up product metadata for ids. Any invalid identifier fails
// the whole lookup with InvalidIdentifiers.
func (c *Coordinator) FetchProducts(ids []string, completion ProductsCompletion) {
	if completion == nil {
		completion = func([]models.Product, error) {}
	}
	q := &productQuery{ids: identifierSet(ids), completion: completion}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		completion(nil, purchaseFailedError(ErrClosed))
		return
	}
	var prev Request
	if c.products != nil {
		prev = c.products.request
	}
	c.products = q
	c.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}

	req := c.backend.LookupProducts(q.ids, func(resp models.ProductsResponse, err error) {
		c.finishProducts(q, resp, err)
	})

	c.mu.Lock()
	current := c.products == q
	if current {
		q.request = req
	}
	c.mu.Unlock()
	// Superseded before the request handle was stored.
	if !current && req != nil {
		req.Cancel()
	}
}

func (c *Coordinator) finishProducts(q *productQuery, resp models.ProductsResponse, err error) {
	c.mu.Lock()
	if c.products != q {
		c.mu.Unlock()
		return
	}
	c.products = nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Errorf("purchase: product lookup %s failed: %v", strings.Join(q.ids, ","), err)
		q.completion(nil, purchaseFailedError(err))
		return
	}
	if len(resp.InvalidIdentifiers) > 0 {
		q.completion(nil, invalidIdentifiersError(resp.InvalidIdentifiers))
		return
	}
	q.completion(resp.Products, nil)
}

// Purchase submits a payment for product. While another attempt is in progress
// the completion is invoked immediately with PurchaseAlreadyInProgress and the
// backend is not contacted.
func (c *Coordinator) Purchase(product models.Product, completion ReceiptCompletion) {
	if completion == nil {
		completion = func([]byte, error) {}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		completion(nil, purchaseFailedError(ErrClosed))
		return
	}
	if c.inProgress {
		c.mu.Unlock()
		c.logger.Infof("purchase: rejected %s, another purchase is in progress", product.ID)
		completion(nil, ErrPurchaseAlreadyInProgress)
		return
	}
	a := &purchaseAttempt{id: uuid.NewString(), product: product, completion: completion}
	c.inProgress = true
	c.attempt = a
	if c.timeout > 0 {
		a.timer = time.AfterFunc(c.timeout, func() { c.expireAttempt(a) })
	}
	c.mu.Unlock()

	c.logger.Infof("purchase: attempt %s started for %s", a.id, product.ID)
	if err := c.backend.SubmitPayment(product); err != nil {
		c.mu.Lock()
		current := c.attempt == a
		if current {
			c.attempt = nil
			c.inProgress = false
		}
		c.mu.Unlock()
		if !current {
			return
		}
		if a.timer != nil {
			a.timer.Stop()
		}
		c.logger.Errorf("purchase: attempt %s submit failed: %v", a.id, err)
		completion(nil, purchaseFailedError(err))
	}
}

func (c *Coordinator) expireAttempt(a *purchaseAttempt) {
	c.mu.Lock()
	if c.attempt != a {
		c.mu.Unlock()
		return
	}
	c.attempt = nil
	c.inProgress = false
	c.mu.Unlock()

	c.logger.Errorf("purchase: attempt %s for %s timed out after %s", a.id, a.product.ID, c.timeout)
	a.completion(nil, purchaseFailedError(ErrPurchaseTimeout))
}

// RestorePurchase refreshes the receipt and reports the local copy.
func (c *Coordinator) RestorePurchase(completion ReceiptCompletion) {
	if completion == nil {
		completion = func([]byte, error) {}
	}
	q := &restoreQuery{completion: completion}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		completion(nil, restoreFailedError(ErrClosed))
		return
	}
	var prev Request
	if c.restore != nil {
		prev = c.restore.request
	}
	c.restore = q
	c.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}

	req := c.backend.RefreshReceipt(func(err error) {
		c.finishRestore(q, err)
	})

	c.mu.Lock()
	current := c.restore == q
	if current {
		q.request = req
	}
	c.mu.Unlock()
	if !current && req != nil {
		req.Cancel()
	}
}

func (c *Coordinator) finishRestore(q *restoreQuery, err error) {
	c.mu.Lock()
	if c.restore != q {
		c.mu.Unlock()
		return
	}
	c.restore = nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Errorf("purchase: receipt refresh failed: %v", err)
		q.completion(nil, restoreFailedError(err))
		return
	}
	receipt, ok := c.readReceipt()
	if !ok {
		q.completion(nil, ErrRestoreFailed)
		return
	}
	q.completion(receipt, nil)
}

func (c *Coordinator) readReceipt() ([]byte, bool) {
	data, err := c.receipts.Load(context.Background())
	if err != nil {
		c.logger.Infof("purchase: receipt not available: %v", err)
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}

func (c *Coordinator) handleTransactions(batch []models.Transaction) {
	for _, txn := range batch {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.handleTransaction(txn)
		if c.recorder != nil {
			c.recorder.RecordTransaction(context.Background(), txn)
		}
	}
}

func (c *Coordinator) handleTransaction(txn models.Transaction) {
	if !txn.State.IsTerminal() {
		return
	}
	switch txn.State {
	case models.TransactionPurchased:
		a := c.endAttempt()
		if a == nil {
			return
		}
		receipt, ok := c.readReceipt()
		if !ok {
			a.completion(nil, ErrPurchaseFailed)
			return
		}
		c.logger.Infof("purchase: attempt %s purchased (transaction %s)", a.id, txn.ID)
		a.completion(receipt, nil)
	case models.TransactionFailed:
		a := c.endAttempt()
		if a != nil {
			c.logger.Infof("purchase: attempt %s failed (transaction %s): %v", a.id, txn.ID, txn.Err())
			a.completion(nil, purchaseFailedError(txn.Err()))
		}
		c.finish(txn)
	default:
		c.mu.Lock()
		c.inProgress = false
		c.mu.Unlock()
		c.finish(txn)
	}
}

// endAttempt clears the in-progress flag and takes the pending attempt, if any.
func (c *Coordinator) endAttempt() *purchaseAttempt {
	c.mu.Lock()
	a := c.attempt
	c.attempt = nil
	c.inProgress = false
	c.mu.Unlock()
	if a != nil && a.timer != nil {
		a.timer.Stop()
	}
	return a
}

func (c *Coordinator) finish(txn models.Transaction) {
	if err := c.backend.FinishTransaction(txn); err != nil {
		c.logger.Errorf("purchase: finish transaction %s (%s): %v", txn.ID, txn.State, err)
	}
}

func identifierSet(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
