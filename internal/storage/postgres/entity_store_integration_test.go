package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/retail/internal/domain"
)

func TestEntityStore_PostgresCRUD(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	entities := NewEntityStore(store)
	ctx := context.Background()

	rec := domain.Record{PartitionKey: "product", RowKey: "p-1", Data: []byte(`{"name":"Lamp","stock_quantity":3}`)}
	inserted, err := entities.Insert(ctx, "products", rec)
	require.NoError(t, err)
	require.Equal(t, int64(1), inserted.Version)

	_, err = entities.Insert(ctx, "products", rec)
	require.ErrorIs(t, err, domain.ErrEntityExists)

	got, err := entities.Get(ctx, "products", "product", "p-1")
	require.NoError(t, err)
	require.JSONEq(t, string(rec.Data), string(got.Data))
	require.Equal(t, int64(1), got.Version)

	got.Data = []byte(`{"name":"Lamp","stock_quantity":1}`)
	replaced, err := entities.Replace(ctx, "products", got)
	require.NoError(t, err)
	require.Equal(t, int64(2), replaced.Version)

	_, err = entities.Replace(ctx, "products", got)
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	upserted, err := entities.Upsert(ctx, "products", rec)
	require.NoError(t, err)
	require.Equal(t, int64(3), upserted.Version)

	require.NoError(t, entities.Delete(ctx, "products", "product", "p-1"))
	require.ErrorIs(t, entities.Delete(ctx, "products", "product", "p-1"), domain.ErrEntityNotFound)

	_, err = entities.Get(ctx, "products", "product", "p-1")
	require.ErrorIs(t, err, domain.ErrEntityNotFound)

	_, err = entities.Replace(ctx, "products", got)
	require.ErrorIs(t, err, domain.ErrEntityNotFound)

	require.NoError(t, entities.Ping(ctx))
}

func TestEntityStore_PostgresScanPages(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	entities := &entityStore{db: store.DB(), pageSize: 3}
	ctx := context.Background()

	const total = 8
	for i := 0; i < total; i++ {
		_, err := entities.Insert(ctx, "orders", domain.Record{
			PartitionKey: "order",
			RowKey:       fmt.Sprintf("o-%02d", i),
			Data:         []byte(`{}`),
		})
		require.NoError(t, err)
	}
	_, err := entities.Insert(ctx, "customers", domain.Record{PartitionKey: "order", RowKey: "foreign", Data: []byte(`{}`)})
	require.NoError(t, err)

	var keys []string
	for rec, err := range entities.Scan(ctx, "orders", "order") {
		require.NoError(t, err)
		keys = append(keys, rec.RowKey)
	}
	require.Len(t, keys, total)
	require.Equal(t, "o-00", keys[0])
	require.Equal(t, "o-07", keys[total-1])
}

func TestEntityStore_PostgresConcurrentReplace(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	entities := NewEntityStore(store)
	ctx := context.Background()

	inserted, err := entities.Insert(ctx, "products", domain.Record{PartitionKey: "product", RowKey: "p-1", Data: []byte(`{}`)})
	require.NoError(t, err)

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := entities.Replace(ctx, "products", inserted)
			if err != nil && !errors.Is(err, domain.ErrVersionConflict) {
				t.Errorf("unexpected replace error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, winners)
}
