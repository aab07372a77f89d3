package memory

import (
	"bytes"
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/retail/internal/domain"
)

type entityKey struct {
	collection string
	partition  string
	rowKey     string
}

// entityStoreInMemory — in-memory реализация EntityStore для локальной разработки и тестов.
type entityStoreInMemory struct {
	mu      sync.RWMutex
	records map[entityKey]domain.Record
}

// NewEntityStore возвращает пустое in-memory хранилище сущностей.
func NewEntityStore() domain.EntityStore {
	return &entityStoreInMemory{records: make(map[entityKey]domain.Record)}
}

func (s *entityStoreInMemory) Get(ctx context.Context, collection, partition, rowKey string) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[entityKey{collection, partition, rowKey}]
	if !ok {
		return domain.Record{}, domain.ErrEntityNotFound
	}
	return cloneRecord(rec), nil
}

// Scan снимает копию партиции под блокировкой и отдаёт записи по ключу строки.
// Изменения после начала обхода в выдачу не попадают.
func (s *entityStoreInMemory) Scan(ctx context.Context, collection, partition string) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(domain.Record{}, err)
			return
		}

		s.mu.RLock()
		snapshot := make([]domain.Record, 0)
		for key, rec := range s.records {
			if key.collection == collection && key.partition == partition {
				snapshot = append(snapshot, cloneRecord(rec))
			}
		}
		s.mu.RUnlock()

		sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].RowKey < snapshot[j].RowKey })

		for _, rec := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(domain.Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *entityStoreInMemory) Insert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey{collection, rec.PartitionKey, rec.RowKey}
	if _, exists := s.records[key]; exists {
		return domain.Record{}, domain.ErrEntityExists
	}
	return s.put(key, rec, 1), nil
}

func (s *entityStoreInMemory) Upsert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey{collection, rec.PartitionKey, rec.RowKey}
	version := int64(1)
	if current, exists := s.records[key]; exists {
		version = current.Version + 1
	}
	return s.put(key, rec, version), nil
}

func (s *entityStoreInMemory) Replace(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey{collection, rec.PartitionKey, rec.RowKey}
	current, exists := s.records[key]
	if !exists {
		return domain.Record{}, domain.ErrEntityNotFound
	}
	if current.Version != rec.Version {
		return domain.Record{}, domain.ErrVersionConflict
	}
	return s.put(key, rec, current.Version+1), nil
}

func (s *entityStoreInMemory) Delete(ctx context.Context, collection, partition, rowKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey{collection, partition, rowKey}
	if _, exists := s.records[key]; !exists {
		return domain.ErrEntityNotFound
	}
	delete(s.records, key)
	return nil
}

func (s *entityStoreInMemory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// put сохраняет копию записи с указанной версией. Вызывается под s.mu.
func (s *entityStoreInMemory) put(key entityKey, rec domain.Record, version int64) domain.Record {
	stored := cloneRecord(rec)
	stored.Version = version
	stored.UpdatedAt = time.Now().UTC()
	s.records[key] = stored
	return cloneRecord(stored)
}

func cloneRecord(rec domain.Record) domain.Record {
	rec.Data = bytes.Clone(rec.Data)
	return rec
}

var _ domain.EntityStore = (*entityStoreInMemory)(nil)
