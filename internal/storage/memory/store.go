package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Store — in-memory хранилище всех агрегатов с поддержкой транзакций.
// Транзакция удерживает единственный лок хранилища до Commit/Rollback,
// поэтому транзакции полностью сериализованы.
type Store struct {
	sem chan struct{}

	orders       map[int64]domain.Order
	payments     map[int64]domain.Payment
	reservations map[int64]domain.InventoryReservation // по OrderID
	products     map[int64]domain.Product
	shipping     map[string]domain.ShippingMethod
	coupons      map[string]domain.Coupon
	emails       map[string]string

	nextOrderID       int64
	nextPaymentID     int64
	nextReservationID int64

	now func() time.Time
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		sem:          make(chan struct{}, 1),
		orders:       make(map[int64]domain.Order),
		payments:     make(map[int64]domain.Payment),
		reservations: make(map[int64]domain.InventoryReservation),
		products:     make(map[int64]domain.Product),
		shipping:     make(map[string]domain.ShippingMethod),
		coupons:      make(map[string]domain.Coupon),
		emails:       make(map[string]string),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

type txKey struct{}

// memTx хранит журнал отката в обратном порядке применения.
type memTx struct {
	store *Store
	mu    sync.Mutex
	undo  []func()
	done  bool
}

func (t *memTx) record(undo func()) {
	if t == nil {
		return
	}
	t.undo = append(t.undo, undo)
}

func (s *Store) lock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) unlock() {
	<-s.sem
}

func (s *Store) txFrom(ctx context.Context) *memTx {
	tx, ok := ctx.Value(txKey{}).(*memTx)
	if !ok || tx.store != s {
		return nil
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil
	}
	return tx
}

// run выполняет fn под локом хранилища; внутри транзакции лок уже удерживается.
func (s *Store) run(ctx context.Context, fn func(tx *memTx) error) error {
	if tx := s.txFrom(ctx); tx != nil {
		return fn(tx)
	}
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	return fn(nil)
}

// Begin открывает транзакцию.
func (s *Store) Begin(ctx context.Context) (context.Context, error) {
	if s.txFrom(ctx) != nil {
		return ctx, domain.ErrTxAlreadyStarted
	}
	if err := s.lock(ctx); err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, txKey{}, &memTx{store: s}), nil
}

// Commit фиксирует изменения и освобождает хранилище.
func (s *Store) Commit(ctx context.Context) error {
	tx := s.txFrom(ctx)
	if tx == nil {
		return domain.ErrTxNotFound
	}
	tx.mu.Lock()
	tx.done = true
	tx.undo = nil
	tx.mu.Unlock()
	s.unlock()
	return nil
}

// Rollback откатывает журнал. Повторный вызов ничего не делает.
func (s *Store) Rollback(ctx context.Context) error {
	tx := s.txFrom(ctx)
	if tx == nil {
		return nil
	}
	tx.mu.Lock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.done = true
	tx.mu.Unlock()
	s.unlock()
	return nil
}

// Ping нужен health-check'у и совпадает по сигнатуре с postgres.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.run(ctx, func(*memTx) error { return nil })
}

var _ domain.TxManager = (*Store)(nil)
