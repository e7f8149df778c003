package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LineItemInput is one requested cart line.
type LineItemInput struct {
	ProductID     int64  `json:"product_id" binding:"required"`
	Quantity      int    `json:"quantity" binding:"required,min=1"`
	SelectedSize  string `json:"selected_size,omitempty"`
	SelectedColor string `json:"selected_color,omitempty"`
}

// CreateOrderInput is the checkout request after transport decoding.
type CreateOrderInput struct {
	Items          []LineItemInput        `json:"items" binding:"required,min=1"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Currency       string                 `json:"currency,omitempty"`
	Provider       models.PaymentProvider `json:"provider,omitempty"`
	ShippingMethod string                 `json:"shipping_method,omitempty"`
	UserID         *int64                 `json:"user_id,omitempty"`
}

// CheckoutResult is the checkout response.
type CheckoutResult struct {
	Order      *models.Order `json:"order"`
	IsNew      bool          `json:"is_new"`
	TotalMinor int64         `json:"total_minor"`
}

// CheckoutService prices a cart, creates the order and its items
// idempotently, and reserves inventory through the ledger.
type CheckoutService struct {
	store           Store
	guard           *PaymentGuard
	restock         *RestockEngine
	events          Publisher
	logger          *zap.Logger
	maxQtyPerLine   int
	defaultCurrency string
	paymentsEnabled bool
	defaultProvider models.PaymentProvider
	now             func() time.Time
}

// NewCheckoutService creates a checkout orchestrator.
func NewCheckoutService(st Store, guard *PaymentGuard, restock *RestockEngine, events Publisher,
	maxQtyPerLine int, defaultCurrency string, paymentsEnabled bool, defaultProvider models.PaymentProvider) *CheckoutService {
	return &CheckoutService{
		store:           st,
		guard:           guard,
		restock:         restock,
		events:          events,
		logger:          util.GetLogger(),
		maxQtyPerLine:   maxQtyPerLine,
		defaultCurrency: defaultCurrency,
		paymentsEnabled: paymentsEnabled,
		defaultProvider: defaultProvider,
		now:             time.Now,
	}
}

// CreateOrder runs the checkout. For a given idempotency key exactly one
// order row and its items are durably created; inventory is only decremented
// on the success path.
func (s *CheckoutService) CreateOrder(ctx context.Context, input *CreateOrderInput) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CreateOrder")
	defer span.End()

	if input.IdempotencyKey == "" {
		return nil, &models.InvalidPayloadError{Reason: "idempotency key is required"}
	}
	currency := strings.ToUpper(input.Currency)
	if currency == "" {
		currency = s.defaultCurrency
	}
	provider, err := s.resolveProvider(input.Provider)
	if err != nil {
		return nil, err
	}

	lines, err := s.normalizeLines(input.Items)
	if err != nil {
		return nil, err
	}
	fingerprint := requestFingerprint(lines, currency, provider, input.ShippingMethod)

	existing, err := s.store.GetOrderByIdempotencyKey(ctx, input.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		return s.resumeExisting(ctx, existing, input.IdempotencyKey, fingerprint)
	}

	productIDs := distinctProductIDs(lines)
	products, err := s.store.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	if len(products) != len(productIDs) {
		util.OrdersFailedTotal.WithLabelValues("unknown_product").Inc()
		return nil, &models.InvalidPayloadError{Reason: "one or more products do not exist"}
	}

	prices, err := s.store.GetPrices(ctx, productIDs, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to load prices: %w", err)
	}
	var total int64
	for _, line := range lines {
		unit, ok := prices[line.ProductID]
		if !ok {
			util.OrdersFailedTotal.WithLabelValues("price_not_configured").Inc()
			return nil, &models.PriceConfigError{ProductID: line.ProductID, Currency: currency}
		}
		total += unit * int64(line.Quantity)
	}

	paymentStatus := models.PaymentPending
	if provider == models.ProviderNone {
		// optimistic: finality for this provider is signaled by the inventory
		// status, not the payment status
		paymentStatus = models.PaymentPaid
	}

	order := &models.Order{
		UserID:                 input.UserID,
		TotalAmountMinor:       total,
		Currency:               currency,
		PaymentProvider:        provider,
		PaymentStatus:          paymentStatus,
		Status:                 models.OrderStatusCreated,
		InventoryStatus:        models.InventoryReserving,
		IdempotencyKey:         input.IdempotencyKey,
		IdempotencyRequestHash: fingerprint,
		PSPMetadata:            models.PSPMetadata{Version: models.PSPMetadataVersion},
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		if store.IsUniqueViolation(err) {
			// lost the insert race on the idempotency key
			raced, fetchErr := s.store.GetOrderByIdempotencyKey(ctx, input.IdempotencyKey)
			if fetchErr != nil || raced == nil {
				return nil, fmt.Errorf("failed to re-fetch order after key race: %w", err)
			}
			return s.resumeExisting(ctx, raced, input.IdempotencyKey, fingerprint)
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("total_minor", total),
		zap.String("provider", string(provider)))

	eventItems := make([]models.OrderLineData, 0, len(lines))
	for _, line := range lines {
		unit := prices[line.ProductID]
		item := &models.OrderItem{
			OrderID:        order.ID,
			ProductID:      line.ProductID,
			SelectedSize:   line.SelectedSize,
			SelectedColor:  line.SelectedColor,
			Quantity:       line.Quantity,
			UnitPriceMinor: unit,
			LineTotalMinor: unit * int64(line.Quantity),
			UnitPrice:      minorToDecimalString(unit),
			LineTotal:      minorToDecimalString(unit * int64(line.Quantity)),
		}
		if err := s.store.UpsertOrderItem(ctx, item); err != nil {
			return nil, fmt.Errorf("failed to upsert order item: %w", err)
		}
		eventItems = append(eventItems, models.OrderLineData{
			ProductID: line.ProductID, Quantity: line.Quantity, UnitPriceMinor: unit,
		})
	}

	s.publishCreated(ctx, order, eventItems)

	if err := s.reserve(ctx, order, lines); err != nil {
		return nil, err
	}

	finalStatus := models.OrderStatusReserved
	if provider == models.ProviderNone {
		finalStatus = models.OrderStatusPaid
	}
	applied, err := s.store.SetOrderReserved(ctx, order.ID, finalStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to mark order %d reserved: %w", order.ID, err)
	}
	if !applied {
		// a concurrent reconcile finalized the order between the ledger walk
		// and this update; give the decrements back through the release ledger
		s.compensateReservation(ctx, order.ID, lines)
		util.OrdersFailedTotal.WithLabelValues("reserve_conflict").Inc()
		return nil, &models.OrderStateInvalidError{
			OrderID: order.ID,
			Reason:  "order was finalized while its reservation was in flight",
		}
	}

	s.publishReserved(ctx, order, eventItems)
	if provider == models.ProviderNone {
		s.publishPaid(ctx, order)
	}

	final, err := s.store.GetOrderByID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{Order: final, IsNew: true, TotalMinor: total}, nil
}

// resumeExisting handles a retried idempotency key: verify the fingerprint,
// reconcile a stuck no-payment order, and hand back the stored result.
func (s *CheckoutService) resumeExisting(ctx context.Context, order *models.Order, key, fingerprint string) (*CheckoutResult, error) {
	if order.IdempotencyRequestHash != fingerprint {
		util.OrdersFailedTotal.WithLabelValues("idempotency_conflict").Inc()
		return nil, &models.IdempotencyConflictError{Key: key, OrderID: order.ID}
	}

	util.OrdersIdempotentHitsTotal.Inc()
	s.logger.Info("Duplicate checkout request resolved to existing order",
		zap.String("idempotency_key", key),
		zap.Int64("order_id", order.ID))

	if order.PaymentProvider == models.ProviderNone && !order.Terminal() {
		if err := s.restock.Restock(ctx, order.ID, RestockStale, RestockOptions{}); err != nil {
			s.logger.Error("Failed to reconcile stuck order on retry",
				zap.Int64("order_id", order.ID), zap.Error(err))
		}
		refreshed, err := s.store.GetOrderByID(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		order = refreshed
	}
	return &CheckoutResult{Order: order, IsNew: false, TotalMinor: order.TotalAmountMinor}, nil
}

// reserve aggregates quantities per product across variants (stock is per
// product) and walks the ledger. On any failure the order is driven to its
// failed terminal state before the error goes back to the caller.
func (s *CheckoutService) reserve(ctx context.Context, order *models.Order, lines []LineItemInput) error {
	start := s.now()
	defer func() {
		util.ReserveLatency.Observe(time.Since(start).Seconds())
	}()

	perProduct := quantityPerProduct(lines)
	for _, productID := range distinctProductIDs(lines) {
		qty := perProduct[productID]
		result, err := s.store.ReserveStock(ctx, order.ID, productID, qty)
		if err != nil {
			util.ReservationsFailedTotal.WithLabelValues("error").Inc()
			s.failCheckout(ctx, order, models.FailureInternalError, err.Error())
			return fmt.Errorf("failed to reserve stock for product %d: %w", productID, err)
		}
		if result == store.MoveInsufficient {
			util.ReservationsFailedTotal.WithLabelValues("insufficient_stock").Inc()
			s.failCheckout(ctx, order, models.FailureStockInsufficient,
				fmt.Sprintf("product %d has insufficient stock for quantity %d", productID, qty))
			return &models.InsufficientStockError{ProductID: productID, Requested: qty}
		}
	}
	return nil
}

// compensateReservation releases the reservations of an order whose finalize
// raced ahead of the reservation walk. Release ledger entries apply regardless
// of the order's inventory flags, so the give-back lands even though the order
// is already terminal.
func (s *CheckoutService) compensateReservation(ctx context.Context, orderID int64, lines []LineItemInput) {
	perProduct := quantityPerProduct(lines)
	for _, productID := range distinctProductIDs(lines) {
		if _, err := s.store.ReleaseStock(ctx, orderID, productID, perProduct[productID]); err != nil {
			s.logger.Error("Failed to release stock after reserve conflict",
				zap.Int64("order_id", orderID),
				zap.Int64("product_id", productID),
				zap.Error(err))
		}
	}
}

// failCheckout records the failure and delegates to the restock engine, which
// releases whatever was already reserved and finalizes the order.
func (s *CheckoutService) failCheckout(ctx context.Context, order *models.Order, code, message string) {
	if err := s.store.SetOrderFailure(ctx, order.ID, code, message); err != nil {
		s.logger.Error("Failed to record checkout failure",
			zap.Int64("order_id", order.ID), zap.Error(err))
	}
	if err := s.restock.Restock(ctx, order.ID, RestockFailed, RestockOptions{}); err != nil {
		// leave the order to a sweep; the lease or release_pending state makes
		// the retry safe
		s.logger.Error("Failed to release inventory after checkout failure",
			zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

func (s *CheckoutService) resolveProvider(requested models.PaymentProvider) (models.PaymentProvider, error) {
	if !s.paymentsEnabled {
		return models.ProviderNone, nil
	}
	if requested == "" {
		return s.defaultProvider, nil
	}
	if !requested.Valid() || requested == models.ProviderNone {
		return "", &models.InvalidPayloadError{Reason: fmt.Sprintf("unknown payment provider %q", requested)}
	}
	return requested, nil
}

// normalizeLines validates the raw lines and merges duplicates by
// (product, size, color), returning them in a deterministic order.
func (s *CheckoutService) normalizeLines(items []LineItemInput) ([]LineItemInput, error) {
	if len(items) == 0 {
		return nil, &models.InvalidPayloadError{Reason: "cart is empty"}
	}

	type variantKey struct {
		productID   int64
		size, color string
	}
	merged := make(map[variantKey]int)
	for _, item := range items {
		if item.ProductID <= 0 {
			return nil, &models.InvalidPayloadError{Reason: "line item missing product id"}
		}
		if item.Quantity <= 0 {
			return nil, &models.InvalidPayloadError{Reason: fmt.Sprintf("invalid quantity for product %d", item.ProductID)}
		}
		key := variantKey{item.ProductID, strings.TrimSpace(item.SelectedSize), strings.TrimSpace(item.SelectedColor)}
		merged[key] += item.Quantity
	}

	lines := make([]LineItemInput, 0, len(merged))
	for key, qty := range merged {
		if qty > s.maxQtyPerLine {
			return nil, &models.InvalidPayloadError{
				Reason: fmt.Sprintf("quantity %d for product %d exceeds the per-line limit of %d", qty, key.productID, s.maxQtyPerLine),
			}
		}
		lines = append(lines, LineItemInput{
			ProductID:     key.productID,
			Quantity:      qty,
			SelectedSize:  key.size,
			SelectedColor: key.color,
		})
	}
	sort.Slice(lines, func(i, j int) bool {
		a, b := lines[i], lines[j]
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		if a.SelectedSize != b.SelectedSize {
			return a.SelectedSize < b.SelectedSize
		}
		return a.SelectedColor < b.SelectedColor
	})
	return lines, nil
}

// distinctProductIDs returns the normalized lines' product ids without
// duplicates, in ascending order. A multi-variant cart carries one line per
// variant but only one id per product.
func distinctProductIDs(lines []LineItemInput) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		if n := len(ids); n > 0 && ids[n-1] == line.ProductID {
			continue
		}
		ids = append(ids, line.ProductID)
	}
	return ids
}

// quantityPerProduct sums line quantities per product across variants. Stock
// is held per product, not per variant.
func quantityPerProduct(lines []LineItemInput) map[int64]int {
	perProduct := make(map[int64]int, len(lines))
	for _, line := range lines {
		perProduct[line.ProductID] += line.Quantity
	}
	return perProduct
}

// requestFingerprint hashes the normalized cart plus the pricing context. Two
// requests with the same idempotency key must produce the same fingerprint to
// count as retries of each other.
func requestFingerprint(lines []LineItemInput, currency string, provider models.PaymentProvider, shipping string) string {
	h := sha256.New()
	for _, line := range lines {
		fmt.Fprintf(h, "%d:%s:%s:%d;", line.ProductID, line.SelectedSize, line.SelectedColor, line.Quantity)
	}
	fmt.Fprintf(h, "currency=%s;provider=%s;shipping=%s", currency, provider, shipping)
	return hex.EncodeToString(h.Sum(nil))
}

// minorToDecimalString renders a minor-unit amount as the legacy two-decimal
// string ("2000" -> "20.00").
func minorToDecimalString(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}

func (s *CheckoutService) publishCreated(ctx context.Context, order *models.Order, items []models.OrderLineData) {
	err := s.events.PublishOrderCreated(ctx, &models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderCreated,
			Timestamp: s.now(),
		},
		OrderID:          order.ID,
		UserID:           order.UserID,
		TotalAmountMinor: order.TotalAmountMinor,
		Currency:         order.Currency,
		Provider:         order.PaymentProvider,
		Items:            items,
	})
	if err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}
}

func (s *CheckoutService) publishReserved(ctx context.Context, order *models.Order, items []models.OrderLineData) {
	err := s.events.PublishOrderReserved(ctx, &models.OrderReservedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderReserved,
			Timestamp: s.now(),
		},
		OrderID:          order.ID,
		TotalAmountMinor: order.TotalAmountMinor,
		Items:            items,
	})
	if err != nil {
		s.logger.Error("Failed to publish OrderReserved event", zap.Error(err))
	}
}

func (s *CheckoutService) publishPaid(ctx context.Context, order *models.Order) {
	err := s.events.PublishOrderPaid(ctx, &models.OrderPaidEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderPaid,
			Timestamp: s.now(),
		},
		OrderID:     order.ID,
		AmountMinor: order.TotalAmountMinor,
		Currency:    order.Currency,
	})
	if err != nil {
		s.logger.Error("Failed to publish OrderPaid event", zap.Error(err))
	}
}

// GetOrder retrieves an order and its items.
func (s *CheckoutService) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}
