package service

import (
	"context"
	"sync"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"

	"github.com/lib/pq"
)

// fakeStore is an in-memory Store that mirrors the conditional-write
// semantics of the real SQL layer: every mutation checks the same
// preconditions the production statements encode, so the service flows are
// exercised against the same state machine.
type fakeStore struct {
	mu sync.Mutex

	nextOrderID int64
	nextItemID  int64
	nextMoveID  int64

	orders       map[int64]*models.Order
	ordersByKey  map[string]int64
	itemsByOrder map[int64][]models.OrderItem
	products     map[int64]*models.Product
	prices       map[int64]map[string]int64
	moves        map[string]models.InventoryMove
	events       map[string]*models.PaymentEvent

	// beforeReserve, when set, runs at the top of ReserveStock outside the
	// lock. Tests use it to interleave concurrent work at that point.
	beforeReserve func(orderID, productID int64)

	now func() time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:       make(map[int64]*models.Order),
		ordersByKey:  make(map[string]int64),
		itemsByOrder: make(map[int64][]models.OrderItem),
		products:     make(map[int64]*models.Product),
		prices:       make(map[int64]map[string]int64),
		moves:        make(map[string]models.InventoryMove),
		events:       make(map[string]*models.PaymentEvent),
		now:          time.Now,
	}
}

func (f *fakeStore) addProduct(id int64, stock int, currency string, priceMinor int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[id] = &models.Product{ID: id, Stock: stock, CreatedAt: f.now()}
	if f.prices[id] == nil {
		f.prices[id] = make(map[string]int64)
	}
	f.prices[id][currency] = priceMinor
}

func (f *fakeStore) stockOf(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.products[id].Stock
}

func (f *fakeStore) moveExists(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.moves[key]
	return ok
}

func (f *fakeStore) orderSnapshot(id int64) models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.orders[id]
}

func copyOrder(o *models.Order) *models.Order {
	cp := *o
	return &cp
}

func (f *fakeStore) CreateOrder(_ context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.ordersByKey[order.IdempotencyKey]; exists {
		return &pq.Error{Code: "23505"}
	}
	f.nextOrderID++
	order.ID = f.nextOrderID
	order.CreatedAt = f.now()
	order.UpdatedAt = order.CreatedAt
	f.orders[order.ID] = copyOrder(order)
	f.ordersByKey[order.IdempotencyKey] = order.ID
	return nil
}

func (f *fakeStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (f *fakeStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.ordersByKey[key]
	if !ok {
		return nil, nil
	}
	return copyOrder(f.orders[id]), nil
}

func (f *fakeStore) FindOrderIDsByPaymentIntent(_ context.Context, provider models.PaymentProvider, intentID string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, o := range f.orders {
		if o.PaymentProvider == provider && o.PaymentIntentID != nil && *o.PaymentIntentID == intentID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) UpsertOrderItem(_ context.Context, item *models.OrderItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.itemsByOrder[item.OrderID]
	for i, existing := range items {
		if existing.ProductID == item.ProductID &&
			existing.SelectedSize == item.SelectedSize &&
			existing.SelectedColor == item.SelectedColor {
			item.ID = existing.ID
			items[i] = *item
			return nil
		}
	}
	f.nextItemID++
	item.ID = f.nextItemID
	f.itemsByOrder[item.OrderID] = append(items, *item)
	return nil
}

func (f *fakeStore) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OrderItem(nil), f.itemsByOrder[orderID]...), nil
}

func (f *fakeStore) GuardedPaymentUpdate(_ context.Context, q store.GuardQuery) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[q.OrderID]
	if !ok || o.PaymentProvider != q.Provider {
		return false, nil
	}
	eligible := false
	for _, s := range q.EligibleFrom {
		if o.PaymentStatus == s {
			eligible = true
			break
		}
	}
	if !eligible {
		return false, nil
	}
	if q.RequireInventoryNotReleased && o.InventoryStatus == models.InventoryReleased {
		return false, nil
	}
	if q.RequireRestockedAt != nil {
		if o.RestockedAt == nil || !o.RestockedAt.Equal(*q.RequireRestockedAt) {
			return false, nil
		}
	}
	o.PaymentStatus = q.To
	for col, val := range q.Fields {
		switch col {
		case "status":
			o.Status = val.(string)
		case "failure_code":
			code := val.(string)
			o.FailureCode = &code
		case "failure_message":
			msg := val.(string)
			o.FailureMessage = &msg
		}
	}
	o.UpdatedAt = f.now()
	return true, nil
}

func (f *fakeStore) SetOrderReserved(_ context.Context, orderID int64, status string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.InventoryStatus != models.InventoryReserving {
		return false, nil
	}
	o.InventoryStatus = models.InventoryReserved
	o.Status = status
	return true, nil
}

func (f *fakeStore) MarkReleasePending(_ context.Context, orderID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.StockRestored {
		return false, nil
	}
	switch o.InventoryStatus {
	case models.InventoryReserving, models.InventoryReserved, models.InventoryReleasePending:
		o.InventoryStatus = models.InventoryReleasePending
		return true, nil
	}
	return false, nil
}

func (f *fakeStore) FinalizeRestock(_ context.Context, orderID int64, at time.Time, status string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.StockRestored {
		return false, nil
	}
	o.StockRestored = true
	restockedAt := at
	o.RestockedAt = &restockedAt
	o.InventoryStatus = models.InventoryReleased
	o.Status = status
	return true, nil
}

func (f *fakeStore) SetOrderFailure(_ context.Context, orderID int64, code, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.FailureCode = &code
		o.FailureMessage = &message
	}
	return nil
}

func (f *fakeStore) AttachPaymentIntent(_ context.Context, orderID int64, intentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return false, nil
	}
	if o.PaymentIntentID != nil && *o.PaymentIntentID != intentID {
		return false, nil
	}
	o.PaymentIntentID = &intentID
	return true, nil
}

func (f *fakeStore) ClaimOrderLease(_ context.Context, orderID int64, owner, runID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.StockRestored {
		return false, nil
	}
	now := f.now()
	if o.SweepClaimedAt != nil && o.SweepClaimExpiresAt != nil && o.SweepClaimExpiresAt.After(now) {
		return false, nil
	}
	expires := now.Add(ttl)
	o.SweepClaimedAt = &now
	o.SweepClaimExpiresAt = &expires
	o.SweepClaimedBy = &owner
	o.SweepRunID = &runID
	return true, nil
}

func (f *fakeStore) AnnotateOrderMetadata(_ context.Context, orderID int64, patch models.PSPMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.PSPMetadata.Merge(patch)
	}
	return nil
}

func (f *fakeStore) GetProductsByIDs(_ context.Context, ids []int64) ([]models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// one row per product like the real IN query, however often an id repeats
	seen := make(map[int64]bool, len(ids))
	var out []models.Product
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, ok := f.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) GetPrices(_ context.Context, productIDs []int64, currency string) (map[int64]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]int64)
	for _, id := range productIDs {
		if byCurrency, ok := f.prices[id]; ok {
			if price, ok := byCurrency[currency]; ok {
				out[id] = price
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ReserveStock(_ context.Context, orderID, productID int64, qty int) (store.MoveResult, error) {
	if f.beforeReserve != nil {
		f.beforeReserve(orderID, productID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := store.ReserveMoveKey(orderID, productID)
	if _, exists := f.moves[key]; exists {
		return store.MoveAlready, nil
	}
	p := f.products[productID]
	if p == nil || p.Stock < qty {
		return store.MoveInsufficient, nil
	}
	p.Stock -= qty
	f.nextMoveID++
	f.moves[key] = models.InventoryMove{
		ID: f.nextMoveID, MoveKey: key, OrderID: orderID, ProductID: productID,
		MoveType: models.MoveReserve, Quantity: qty, CreatedAt: f.now(),
	}
	return store.MoveApplied, nil
}

func (f *fakeStore) ReleaseStock(_ context.Context, orderID, productID int64, qty int) (store.MoveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, reserved := f.moves[store.ReserveMoveKey(orderID, productID)]; !reserved {
		return store.MoveNoReserve, nil
	}
	key := store.ReleaseMoveKey(orderID, productID)
	if _, exists := f.moves[key]; exists {
		return store.MoveAlready, nil
	}
	f.products[productID].Stock += qty
	f.nextMoveID++
	f.moves[key] = models.InventoryMove{
		ID: f.nextMoveID, MoveKey: key, OrderID: orderID, ProductID: productID,
		MoveType: models.MoveRelease, Quantity: qty, CreatedAt: f.now(),
	}
	return store.MoveApplied, nil
}

func (f *fakeStore) ListReserveMoves(_ context.Context, orderID int64) ([]models.InventoryMove, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.InventoryMove
	for _, m := range f.moves {
		if m.OrderID == orderID && m.MoveType == models.MoveReserve {
			out = append(out, m)
		}
	}
	return out, nil
}

func eventKey(provider, eventID string) string {
	return provider + "/" + eventID
}

func (f *fakeStore) ClaimPaymentEvent(_ context.Context, provider, eventID, eventType, owner string, ttl time.Duration) (store.EventClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := eventKey(provider, eventID)
	ev, exists := f.events[key]
	if !exists {
		ev = &models.PaymentEvent{
			Provider: provider, EventID: eventID, EventType: eventType, CreatedAt: f.now(),
		}
		f.events[key] = ev
	}
	if ev.ProcessedAt != nil {
		return store.EventAlreadyProcessed, nil
	}
	now := f.now()
	if ev.ClaimedAt != nil && ev.ClaimExpiresAt != nil && ev.ClaimExpiresAt.After(now) {
		return store.EventClaimedElsewhere, nil
	}
	expires := now.Add(ttl)
	ev.ClaimedAt = &now
	ev.ClaimExpiresAt = &expires
	ev.ClaimedBy = &owner
	return store.EventClaimed, nil
}

func (f *fakeStore) MarkPaymentEventProcessed(_ context.Context, provider, eventID, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[eventKey(provider, eventID)]
	if !ok || ev.ClaimedBy == nil || *ev.ClaimedBy != owner || ev.ProcessedAt != nil {
		return nil
	}
	now := f.now()
	ev.ProcessedAt = &now
	return nil
}

// fakePublisher records published lifecycle events by type.
type fakePublisher struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{counts: make(map[string]int)}
}

func (p *fakePublisher) record(eventType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[eventType]++
}

func (p *fakePublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[eventType]
}

func (p *fakePublisher) PublishOrderCreated(_ context.Context, _ *models.OrderCreatedEvent) error {
	p.record(models.EventTypeOrderCreated)
	return nil
}

func (p *fakePublisher) PublishOrderReserved(_ context.Context, _ *models.OrderReservedEvent) error {
	p.record(models.EventTypeOrderReserved)
	return nil
}

func (p *fakePublisher) PublishOrderPaid(_ context.Context, _ *models.OrderPaidEvent) error {
	p.record(models.EventTypeOrderPaid)
	return nil
}

func (p *fakePublisher) PublishOrderFailed(_ context.Context, _ *models.OrderFailedEvent) error {
	p.record(models.EventTypeOrderFailed)
	return nil
}

func (p *fakePublisher) PublishOrderCanceled(_ context.Context, _ *models.OrderCanceledEvent) error {
	p.record(models.EventTypeOrderCanceled)
	return nil
}

func (p *fakePublisher) PublishOrderRefunded(_ context.Context, _ *models.OrderRefundedEvent) error {
	p.record(models.EventTypeOrderRefunded)
	return nil
}

// fakeReview records review flags.
type fakeReview struct {
	mu      sync.Mutex
	reasons map[int64]string
}

func newFakeReview() *fakeReview {
	return &fakeReview{reasons: make(map[int64]string)}
}

func (r *fakeReview) MarkForReview(_ context.Context, orderID int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons[orderID] = reason
	return nil
}

func (r *fakeReview) reason(orderID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reasons[orderID]
}
