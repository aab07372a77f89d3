package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/retail/internal/domain"
	"github.com/vladislavdragonenkov/retail/internal/metrics"
	"github.com/vladislavdragonenkov/retail/internal/storage/memory"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []string
}

func (s *recordingSink) Publish(_ context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, text)
}

func (s *recordingSink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

// conflictingStore всегда отвечает конфликтом версий на Replace.
type conflictingStore struct {
	domain.EntityStore
	mu       sync.Mutex
	replaces int
}

func (s *conflictingStore) Replace(context.Context, string, domain.Record) (domain.Record, error) {
	s.mu.Lock()
	s.replaces++
	s.mu.Unlock()
	return domain.Record{}, domain.ErrVersionConflict
}

func newTestService(t *testing.T, store domain.EntityStore, options ...Option) (*Service, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	options = append([]Option{
		WithRetryDelay(0),
		WithMetrics(metrics.NewRetailMetricsWithRegisterer(prometheus.NewRegistry())),
	}, options...)
	return NewService(store, sink, options...), sink
}

func product(name, price string, stock int) domain.Product {
	return domain.Product{
		Name:          name,
		Price:         decimal.RequireFromString(price),
		StockQuantity: stock,
	}
}

func TestCreateGetListProducts(t *testing.T) {
	ctx := context.Background()
	svc, sink := newTestService(t, memory.NewEntityStore())

	tea, err := svc.CreateProduct(ctx, product("Tea", "3.50", 10))
	require.NoError(t, err)
	require.NotEmpty(t, tea.ID)
	require.Equal(t, int64(1), tea.Version)

	_, err = svc.CreateProduct(ctx, product("Coffee", "5.00", 4))
	require.NoError(t, err)

	got, err := svc.GetProduct(ctx, tea.ID)
	require.NoError(t, err)
	require.Equal(t, "Tea", got.Name)
	require.True(t, got.Price.Equal(decimal.RequireFromString("3.5")))

	list, err := svc.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "Coffee", list[0].Name)
	require.Equal(t, "Tea", list[1].Name)

	require.Len(t, sink.Messages(), 2)
	require.Contains(t, sink.Messages()[0], "Product "+tea.ID+" created: Tea, price 3.50, stock 10")
}

func TestCreateProductValidation(t *testing.T) {
	svc, _ := newTestService(t, memory.NewEntityStore())

	tests := []struct {
		name    string
		product domain.Product
		field   string
	}{
		{name: "missing name", product: product("", "1", 1), field: "name"},
		{name: "negative price", product: product("Tea", "-1", 1), field: "price"},
		{name: "negative stock", product: product("Tea", "1", -1), field: "stock_quantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateProduct(context.Background(), tt.product)
			require.ErrorIs(t, err, domain.ErrValidation)
			fields, ok := domain.FieldErrors(err)
			require.True(t, ok)
			require.Contains(t, fields, tt.field)
		})
	}
}

func TestGetProductNotFound(t *testing.T) {
	svc, _ := newTestService(t, memory.NewEntityStore())

	_, err := svc.GetProduct(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestUpdateProductVersionCheck(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, memory.NewEntityStore())

	created, err := svc.CreateProduct(ctx, product("Tea", "3.50", 10))
	require.NoError(t, err)

	created.Price = decimal.RequireFromString("4.00")
	updated, err := svc.UpdateProduct(ctx, created)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)

	// created всё ещё несёт версию 1.
	_, err = svc.UpdateProduct(ctx, created)
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	created.Version = 0
	created.Name = "Green tea"
	forced, err := svc.UpdateProduct(ctx, created)
	require.NoError(t, err)
	require.Equal(t, int64(3), forced.Version)

	_, err = svc.UpdateProduct(ctx, domain.Product{ID: "missing", Name: "X"})
	require.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestUpsertAndDeleteProduct(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, memory.NewEntityStore())

	p := product("Tea", "1", 1)
	p.ID = "p-1"
	saved, err := svc.UpsertProduct(ctx, p)
	require.NoError(t, err)
	require.Equal(t, int64(1), saved.Version)

	saved, err = svc.UpsertProduct(ctx, p)
	require.NoError(t, err)
	require.Equal(t, int64(2), saved.Version)

	require.NoError(t, svc.DeleteProduct(ctx, "p-1"))
	require.ErrorIs(t, svc.DeleteProduct(ctx, "p-1"), domain.ErrProductNotFound)
}

func TestAdjustStock(t *testing.T) {
	tests := []struct {
		name        string
		stock       int
		delta       int
		wantCurrent int
		wantRemoved int
		wantClamped bool
	}{
		{name: "decrement", stock: 10, delta: -3, wantCurrent: 7, wantRemoved: 3},
		{name: "clamp at zero", stock: 2, delta: -5, wantCurrent: 0, wantRemoved: 2, wantClamped: true},
		{name: "restock", stock: 1, delta: 4, wantCurrent: 5, wantRemoved: -4},
		{name: "already empty", stock: 0, delta: -1, wantCurrent: 0, wantRemoved: 0, wantClamped: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			svc, _ := newTestService(t, memory.NewEntityStore())
			p, err := svc.CreateProduct(ctx, product("Tea", "1", tt.stock))
			require.NoError(t, err)

			adj, err := svc.AdjustStock(ctx, p.ID, tt.delta)
			require.NoError(t, err)
			require.Equal(t, tt.stock, adj.Previous)
			require.Equal(t, tt.wantCurrent, adj.Current)
			require.Equal(t, tt.wantRemoved, adj.Removed())
			require.Equal(t, tt.wantClamped, adj.Clamped)

			got, err := svc.GetProduct(ctx, p.ID)
			require.NoError(t, err)
			require.Equal(t, tt.wantCurrent, got.StockQuantity)
		})
	}
}

func TestAdjustStockMissingProduct(t *testing.T) {
	svc, _ := newTestService(t, memory.NewEntityStore())

	_, err := svc.AdjustStock(context.Background(), "missing", -1)
	require.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestAdjustStockConcurrentDecrementsAreNotLost(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, memory.NewEntityStore(), WithMaxAttempts(50))
	p, err := svc.CreateProduct(ctx, product("Tea", "1", 5))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		removed int
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adj, err := svc.AdjustStock(ctx, p.ID, -3)
			if err != nil {
				t.Errorf("adjust stock: %v", err)
				return
			}
			mu.Lock()
			removed += adj.Removed()
			mu.Unlock()
		}()
	}
	wg.Wait()

	got, err := svc.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.StockQuantity)
	require.Equal(t, 5, removed)
}

func TestAdjustStockGivesUpOnContention(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewEntityStore()
	seed, _ := newTestService(t, inner)
	p, err := seed.CreateProduct(ctx, product("Tea", "1", 5))
	require.NoError(t, err)

	store := &conflictingStore{EntityStore: inner}
	svc, _ := newTestService(t, store, WithMaxAttempts(3))

	_, err = svc.AdjustStock(ctx, p.ID, -1)
	require.ErrorIs(t, err, domain.ErrStockContention)
	require.Equal(t, 3, store.replaces)
}

func TestAdjustStockStopsOnCanceledContext(t *testing.T) {
	inner := memory.NewEntityStore()
	seed, _ := newTestService(t, inner)
	p, err := seed.CreateProduct(context.Background(), product("Tea", "1", 5))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc, _ := newTestService(t, &conflictingStore{EntityStore: inner})
	_, err = svc.AdjustStock(ctx, p.ID, -1)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestResolveName(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, memory.NewEntityStore())
	p, err := svc.CreateProduct(ctx, product("Tea", "1", 1))
	require.NoError(t, err)

	resolved := svc.ResolveName(ctx, p.ID)
	require.True(t, resolved.Resolved)
	require.Equal(t, "Tea", resolved.Display())

	missing := svc.ResolveName(ctx, "ghost")
	require.False(t, missing.Resolved)
	require.Equal(t, "ghost", missing.Display())
}
