package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/fjod/go_cart/marketplace/internal/cache"
	"github.com/fjod/go_cart/marketplace/internal/gateway"
	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// fakeStore is an in-memory TxStore. InTx serializes transactions and rolls
// state back when fn fails, which is enough to observe atomicity.
type fakeStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	products  map[int64]domain.Product
	variants  map[int64]domain.ProductVariant
	addresses map[int64]domain.Address
	cart      []domain.CartItem
	orders    map[uuid.UUID]domain.Order
	payments  map[uuid.UUID]domain.Payment
	events    []recordedEvent

	// soft-deleted catalog rows
	retiredProducts map[int64]bool
	retiredVariants map[int64]bool

	nextCartID int64
	nextItemID int64

	decrementCalls int
	afterStaleList func() // runs once the stale-order listing is taken
	afterCartList  func() // runs once a cart read is taken
	createOrderErr error
	outboxErr      error
}

type recordedEvent struct {
	AggregateID string
	EventType   string
	Payload     []byte
}

type fakeState struct {
	products map[int64]domain.Product
	variants map[int64]domain.ProductVariant
	cart     []domain.CartItem
	orders   map[uuid.UUID]domain.Order
	payments map[uuid.UUID]domain.Payment
	events   []recordedEvent
}

func newFakeStore() *fakeStore {
	variantPrice := decimal.NullDecimal{}
	return &fakeStore{
		products: map[int64]domain.Product{
			1: {ID: 1, Name: "Agaseke Basket", Price: decimal.NewFromInt(25000), Stock: 10},
			2: {ID: 2, Name: "Imigongo Panel", Price: decimal.NewFromInt(12000), Stock: 5},
			3: {ID: 3, Name: "Retired Mug", Price: decimal.NewFromInt(3000), Stock: 4},
		},
		variants: map[int64]domain.ProductVariant{
			11: {ID: 11, ProductID: 1, Name: "Large", SKU: "AGS-L", Price: variantPrice, Stock: 3},
			12: {ID: 12, ProductID: 1, Name: "Gold Trim", SKU: "AGS-G", Price: decimal.NewNullDecimal(decimal.NewFromInt(30000)), Stock: 2},
			21: {ID: 21, ProductID: 2, Name: "Small", SKU: "IMG-S", Stock: 5},
		},
		addresses: map[int64]domain.Address{
			1: {ID: 1, UserID: "user-1", FullName: "Aline Uwase", Phone: "+250788000001", Line1: "KG 11 Ave", City: "Kigali", Country: "RW"},
			2: {ID: 2, UserID: "user-2", FullName: "Eric Mugisha", Phone: "+250788000002", Line1: "KN 3 Rd", City: "Kigali", Country: "RW"},
		},
		orders:          make(map[uuid.UUID]domain.Order),
		payments:        make(map[uuid.UUID]domain.Payment),
		retiredProducts: map[int64]bool{3: true},
		retiredVariants: make(map[int64]bool),
	}
}

func (f *fakeStore) InTx(_ context.Context, fn func(q repository.Queries) error) error {
	f.txMu.Lock()
	defer f.txMu.Unlock()

	snapshot := f.snapshot()
	if err := fn(f); err != nil {
		f.restore(snapshot)
		return err
	}
	return nil
}

func (f *fakeStore) snapshot() fakeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := fakeState{
		products: make(map[int64]domain.Product, len(f.products)),
		variants: make(map[int64]domain.ProductVariant, len(f.variants)),
		cart:     append([]domain.CartItem(nil), f.cart...),
		orders:   make(map[uuid.UUID]domain.Order, len(f.orders)),
		payments: make(map[uuid.UUID]domain.Payment, len(f.payments)),
		events:   append([]recordedEvent(nil), f.events...),
	}
	for k, v := range f.products {
		s.products[k] = v
	}
	for k, v := range f.variants {
		s.variants[k] = v
	}
	for k, v := range f.orders {
		s.orders[k] = v
	}
	for k, v := range f.payments {
		s.payments[k] = v
	}
	return s
}

func (f *fakeStore) restore(s fakeState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products, f.variants, f.cart = s.products, s.variants, s.cart
	f.orders, f.payments, f.events = s.orders, s.payments, s.events
}

// catalog

func (f *fakeStore) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok || f.retiredProducts[id] {
		return nil, repository.ErrProductNotFound
	}
	return &p, nil
}

func (f *fakeStore) GetVariant(_ context.Context, id int64) (*domain.ProductVariant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.variants[id]
	if !ok || f.retiredVariants[id] {
		return nil, repository.ErrVariantNotFound
	}
	return &v, nil
}

func (f *fakeStore) DecrementStock(_ context.Context, productID int64, variantID *int64, qty int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decrementCalls++

	clamp := func(stock int) (int, int) {
		if stock >= qty {
			return stock - qty, 0
		}
		return 0, qty - stock
	}
	if variantID != nil {
		v, ok := f.variants[*variantID]
		if !ok {
			return 0, repository.ErrVariantNotFound
		}
		var shortfall int
		v.Stock, shortfall = clamp(v.Stock)
		f.variants[*variantID] = v
		return shortfall, nil
	}
	p, ok := f.products[productID]
	if !ok {
		return 0, repository.ErrProductNotFound
	}
	var shortfall int
	p.Stock, shortfall = clamp(p.Stock)
	f.products[productID] = p
	return shortfall, nil
}

func (f *fakeStore) GetAddress(_ context.Context, id int64) (*domain.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.addresses[id]
	if !ok {
		return nil, repository.ErrAddressNotFound
	}
	return &a, nil
}

// cart

func (f *fakeStore) ListCartEntries(_ context.Context, userID string) ([]domain.CartEntry, error) {
	entries := f.cartEntries(userID)
	if f.afterCartList != nil {
		f.afterCartList()
	}
	return entries, nil
}

func (f *fakeStore) cartEntries(userID string) []domain.CartEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := make([]domain.CartEntry, 0)
	for _, item := range f.cart {
		if item.UserID != userID {
			continue
		}
		e := domain.CartEntry{Item: item}
		if p, ok := f.products[item.ProductID]; ok && !f.retiredProducts[item.ProductID] {
			e.Product = &p
		}
		if item.VariantID != nil {
			if v, ok := f.variants[*item.VariantID]; ok && !f.retiredVariants[*item.VariantID] {
				e.Variant = &v
			}
		}
		entries = append(entries, e)
	}
	return entries
}

func sameVariant(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (f *fakeStore) AddCartItem(_ context.Context, item *domain.CartItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.cart {
		c := &f.cart[i]
		if c.UserID == item.UserID && c.ProductID == item.ProductID && sameVariant(c.VariantID, item.VariantID) {
			c.Quantity = min(c.Quantity+item.Quantity, domain.MaxItemQuantity)
			item.ID, item.Quantity, item.AddedAt = c.ID, c.Quantity, c.AddedAt
			return nil
		}
	}
	f.nextCartID++
	item.ID = f.nextCartID
	item.AddedAt = time.Now()
	f.cart = append(f.cart, *item)
	return nil
}

func (f *fakeStore) UpdateCartItemQuantity(_ context.Context, userID string, itemID int64, qty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.cart {
		if f.cart[i].ID == itemID && f.cart[i].UserID == userID {
			f.cart[i].Quantity = qty
			return nil
		}
	}
	return repository.ErrCartItemNotFound
}

func (f *fakeStore) DeleteCartItem(_ context.Context, userID string, itemID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.cart {
		if f.cart[i].ID == itemID && f.cart[i].UserID == userID {
			f.cart = append(f.cart[:i], f.cart[i+1:]...)
			return nil
		}
	}
	return repository.ErrCartItemNotFound
}

func (f *fakeStore) ClearCart(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.cart[:0:0]
	for _, c := range f.cart {
		if c.UserID != userID {
			kept = append(kept, c)
		}
	}
	f.cart = kept
	return nil
}

func (f *fakeStore) RemoveCartProducts(_ context.Context, userID string, items []domain.OrderItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.cart[:0:0]
outer:
	for _, c := range f.cart {
		if c.UserID == userID {
			for _, item := range items {
				if c.ProductID == item.ProductID && sameVariant(c.VariantID, item.VariantID) {
					continue outer
				}
			}
		}
		kept = append(kept, c)
	}
	f.cart = kept
	return nil
}

func (f *fakeStore) cartSize(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.cart {
		if c.UserID == userID {
			n++
		}
	}
	return n
}

// orders

func cloneOrder(o domain.Order) *domain.Order {
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	return &o
}

func (f *fakeStore) CreateOrder(_ context.Context, order *domain.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createOrderErr != nil {
		return f.createOrderErr
	}
	for _, o := range f.orders {
		if order.IdempotencyKey != "" && o.UserID == order.UserID && o.IdempotencyKey == order.IdempotencyKey {
			return repository.ErrDuplicateIdempotencyKey
		}
		if o.OrderNumber == order.OrderNumber {
			return repository.ErrDuplicateOrderNumber
		}
	}
	if !order.Balanced() {
		return errors.New("orders_total_balanced violated")
	}

	now := time.Now()
	order.CreatedAt, order.UpdatedAt = now, now
	for i := range order.Items {
		f.nextItemID++
		order.Items[i].ID = f.nextItemID
		order.Items[i].OrderID = order.ID
	}
	f.orders[order.ID] = *cloneOrder(*order)
	return nil
}

func (f *fakeStore) GetOrder(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (f *fakeStore) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return f.GetOrder(ctx, id)
}

func (f *fakeStore) GetOrderByIdempotencyKey(_ context.Context, userID, key string) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.UserID == userID && o.IdempotencyKey == key {
			return cloneOrder(o), nil
		}
	}
	return nil, repository.ErrIdempotencyKeyNotFound
}

func (f *fakeStore) ListOrdersByUser(_ context.Context, userID string) ([]*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.Order, 0)
	for _, o := range f.orders {
		if o.UserID == userID {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) SetOrderState(_ context.Context, id uuid.UUID, status domain.OrderStatus, paymentStatus domain.OrderPaymentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.Status, o.PaymentStatus, o.UpdatedAt = status, paymentStatus, time.Now()
	f.orders[id] = o
	return nil
}

func (f *fakeStore) ListStaleFailedOrders(_ context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	ids := f.staleFailedOrders(before, limit)
	if f.afterStaleList != nil {
		f.afterStaleList()
	}
	return ids, nil
}

func (f *fakeStore) staleFailedOrders(before time.Time, limit int) []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for _, o := range f.orders {
		if o.Status != domain.OrderStatusPending || o.PaymentStatus != domain.OrderPaymentFailed || !o.UpdatedAt.Before(before) {
			continue
		}
		inFlight := false
		for _, p := range f.payments {
			if p.OrderID == o.ID && p.Status == domain.PaymentStatusPending {
				inFlight = true
			}
		}
		if !inFlight && len(ids) < limit {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

func (f *fakeStore) order(id uuid.UUID) domain.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id]
}

func (f *fakeStore) ageOrder(id uuid.UUID, by time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[id]
	o.UpdatedAt = o.UpdatedAt.Add(-by)
	f.orders[id] = o
}

// payments

func (f *fakeStore) CreatePayment(_ context.Context, payment *domain.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if payment.IdempotencyKey != "" && p.OrderID == payment.OrderID && p.IdempotencyKey == payment.IdempotencyKey {
			return repository.ErrDuplicateIdempotencyKey
		}
		if p.TxRef == payment.TxRef {
			return repository.ErrDuplicateTxRef
		}
	}
	now := time.Now()
	payment.CreatedAt, payment.UpdatedAt = now, now
	f.payments[payment.ID] = *payment
	return nil
}

func (f *fakeStore) findPayment(match func(p domain.Payment) bool) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if match(p) {
			return &p, nil
		}
	}
	return nil, repository.ErrPaymentNotFound
}

func (f *fakeStore) GetPaymentByTxRef(_ context.Context, txRef string) (*domain.Payment, error) {
	return f.findPayment(func(p domain.Payment) bool { return p.TxRef == txRef })
}

func (f *fakeStore) GetPaymentByTxRefForUpdate(ctx context.Context, txRef string) (*domain.Payment, error) {
	return f.GetPaymentByTxRef(ctx, txRef)
}

func (f *fakeStore) GetPaymentByIdempotencyKey(_ context.Context, orderID uuid.UUID, key string) (*domain.Payment, error) {
	p, err := f.findPayment(func(p domain.Payment) bool { return p.OrderID == orderID && p.IdempotencyKey == key })
	if errors.Is(err, repository.ErrPaymentNotFound) {
		return nil, repository.ErrIdempotencyKeyNotFound
	}
	return p, err
}

func (f *fakeStore) SetPaymentLink(_ context.Context, id uuid.UUID, link string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return repository.ErrPaymentNotFound
	}
	p.PaymentLink = link
	f.payments[id] = p
	return nil
}

func (f *fakeStore) CompletePayment(_ context.Context, id uuid.UUID, update domain.PaymentUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok || p.Status != domain.PaymentStatusPending {
		return false, nil
	}
	if update.Status == domain.PaymentStatusSuccessful {
		for _, other := range f.payments {
			if other.OrderID == p.OrderID && other.Status == domain.PaymentStatusSuccessful {
				return false, repository.ErrDuplicateSuccess
			}
		}
	}
	verifiedAt := update.VerifiedAt
	p.Status = update.Status
	p.GatewayTransactionID = update.GatewayTransactionID
	p.FailureReason = update.FailureReason
	p.GatewayResponse = update.GatewayResponse
	p.VerifiedAt = &verifiedAt
	p.UpdatedAt = time.Now()
	f.payments[id] = p
	return true, nil
}

func (f *fakeStore) MarkLateSuccess(_ context.Context, id uuid.UUID, update domain.PaymentUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok || !p.SettlesLate() {
		return false, nil
	}
	verifiedAt := update.VerifiedAt
	p.GatewayTransactionID = update.GatewayTransactionID
	p.FailureReason = update.FailureReason
	p.GatewayResponse = update.GatewayResponse
	p.VerifiedAt = &verifiedAt
	p.UpdatedAt = time.Now()
	f.payments[id] = p
	return true, nil
}

func (f *fakeStore) HasSuccessfulPayment(_ context.Context, orderID uuid.UUID) (bool, error) {
	_, err := f.findPayment(func(p domain.Payment) bool {
		return p.OrderID == orderID && p.Status == domain.PaymentStatusSuccessful
	})
	return err == nil, nil
}

func (f *fakeStore) HasPendingPayment(_ context.Context, orderID uuid.UUID) (bool, error) {
	_, err := f.findPayment(func(p domain.Payment) bool {
		return p.OrderID == orderID && p.Status == domain.PaymentStatusPending
	})
	return err == nil, nil
}

func (f *fakeStore) ListStalePendingPayments(_ context.Context, before time.Time, limit int) ([]*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Payment
	for _, p := range f.payments {
		if p.Status == domain.PaymentStatusPending && p.CreatedAt.Before(before) && len(out) < limit {
			out = append(out, &p)
		}
	}
	return out, nil
}

func (f *fakeStore) paymentByTxRef(txRef string) domain.Payment {
	p, _ := f.GetPaymentByTxRef(context.Background(), txRef)
	if p == nil {
		return domain.Payment{}
	}
	return *p
}

func (f *fakeStore) paymentsFor(orderID uuid.UUID) []domain.Payment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Payment
	for _, p := range f.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeStore) agePayment(txRef string, by time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.payments {
		if p.TxRef == txRef {
			p.CreatedAt = p.CreatedAt.Add(-by)
			f.payments[id] = p
		}
	}
}

// outbox

func (f *fakeStore) InsertOutboxEvent(_ context.Context, aggregateID, eventType string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outboxErr != nil {
		return f.outboxErr
	}
	f.events = append(f.events, recordedEvent{AggregateID: aggregateID, EventType: eventType, Payload: payload})
	return nil
}

func (f *fakeStore) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.EventType)
	}
	return out
}

func (f *fakeStore) stock(productID int64, variantID *int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if variantID != nil {
		return f.variants[*variantID].Stock
	}
	return f.products[productID].Stock
}

// mockGateway is a scripted payment gateway.
type mockGateway struct {
	mu           sync.Mutex
	transactions map[string]*gateway.Transaction
	initErr      error
	verifyErr    error
	verifyDelay  time.Duration
	charges      []gateway.ChargeRequest
	verifyCalls  atomic.Int32
}

func newMockGateway() *mockGateway {
	return &mockGateway{transactions: make(map[string]*gateway.Transaction)}
}

func (m *mockGateway) Initialize(_ context.Context, req gateway.ChargeRequest) (*gateway.Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges = append(m.charges, req)
	if m.initErr != nil {
		return nil, m.initErr
	}
	return &gateway.Charge{TxRef: req.TxRef, Link: "https://checkout.example/pay/" + req.TxRef}, nil
}

func (m *mockGateway) Verify(_ context.Context, txRef string) (*gateway.Transaction, error) {
	m.verifyCalls.Add(1)
	if m.verifyDelay > 0 {
		time.Sleep(m.verifyDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verifyErr != nil {
		return nil, m.verifyErr
	}
	tx, ok := m.transactions[txRef]
	if !ok {
		return nil, gateway.ErrTransactionNotFound
	}
	copied := *tx
	return &copied, nil
}

func (m *mockGateway) settle(txRef, status string, amount decimal.Decimal, currency string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[txRef] = &gateway.Transaction{
		ID:       "9001",
		TxRef:    txRef,
		Amount:   amount,
		Currency: currency,
		Status:   status,
		Raw:      []byte(`{"status":"` + status + `"}`),
	}
}

func (m *mockGateway) chargeRequests() []gateway.ChargeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gateway.ChargeRequest(nil), m.charges...)
}

// mockCache is an in-memory CartCache.
type mockCache struct {
	mu       sync.Mutex
	views    map[string]*domain.CartView
	versions map[string]int64
	getErr   error
	deletes  []string
	sets     atomic.Int32
}

func newMockCache() *mockCache {
	return &mockCache{
		views:    make(map[string]*domain.CartView),
		versions: make(map[string]int64),
	}
}

func (m *mockCache) Get(_ context.Context, userID string) (*domain.CartView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.views[userID]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return v, nil
}

func (m *mockCache) Version(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[userID], nil
}

func (m *mockCache) Set(_ context.Context, userID string, version int64, view *domain.CartView) error {
	defer m.sets.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versions[userID] != version {
		return cache.ErrStaleVersion
	}
	m.views[userID] = view
	return nil
}

func (m *mockCache) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.views, userID)
	m.versions[userID]++
	m.deletes = append(m.deletes, userID)
	return nil
}

func (m *mockCache) cached(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.views[userID]
	return ok
}

func (m *mockCache) deleted(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deletes {
		if d == userID {
			return true
		}
	}
	return false
}
