package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/vladislavdragonenkov/retail/internal/domain"
)

const (
	entitiesTable     = "entities"
	defaultScanPage   = 200
	entityConflictKey = "(collection, partition_key, row_key)"
)

type entityStore struct {
	db       *sql.DB
	pageSize int
}

// NewEntityStore создаёт PostgreSQL-реализацию EntityStore поверх таблицы entities.
func NewEntityStore(store *Store) domain.EntityStore {
	return &entityStore{db: store.DB(), pageSize: defaultScanPage}
}

func entityKey(collection, partition, rowKey string) sq.Eq {
	return sq.Eq{"collection": collection, "partition_key": partition, "row_key": rowKey}
}

func (s *entityStore) Get(ctx context.Context, collection, partition, rowKey string) (domain.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query, args, err := psql.
		Select("version", "data", "updated_at").
		From(entitiesTable).
		Where(entityKey(collection, partition, rowKey)).
		ToSql()
	if err != nil {
		return domain.Record{}, fmt.Errorf("build select entity: %w", err)
	}

	rec := domain.Record{PartitionKey: partition, RowKey: rowKey}
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&rec.Version, &rec.Data, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Record{}, domain.ErrEntityNotFound
		}
		return domain.Record{}, storeErr("select entity", err)
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// Scan читает партицию страницами по ключу строки (keyset pagination),
// следующая страница запрашивается только когда потребитель дочитал текущую.
func (s *entityStore) Scan(ctx context.Context, collection, partition string) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		after := ""
		for {
			page, err := s.scanPage(ctx, collection, partition, after)
			if err != nil {
				yield(domain.Record{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			after = page[len(page)-1].RowKey
		}
	}
}

func (s *entityStore) scanPage(ctx context.Context, collection, partition, after string) ([]domain.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query, args, err := psql.
		Select("row_key", "version", "data", "updated_at").
		From(entitiesTable).
		Where(sq.Eq{"collection": collection, "partition_key": partition}).
		Where(sq.Gt{"row_key": after}).
		OrderBy("row_key").
		Limit(uint64(s.pageSize)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build scan entities: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("scan entities", err)
	}
	defer rows.Close()

	page := make([]domain.Record, 0, s.pageSize)
	for rows.Next() {
		rec := domain.Record{PartitionKey: partition}
		if err := rows.Scan(&rec.RowKey, &rec.Version, &rec.Data, &rec.UpdatedAt); err != nil {
			return nil, storeErr("scan entity row", err)
		}
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate entity rows", err)
	}
	return page, nil
}

func (s *entityStore) Insert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	query, args, err := psql.
		Insert(entitiesTable).
		Columns("collection", "partition_key", "row_key", "version", "data", "updated_at").
		Values(collection, rec.PartitionKey, rec.RowKey, 1, sq.Expr("?::jsonb", string(rec.Data)), now).
		ToSql()
	if err != nil {
		return domain.Record{}, fmt.Errorf("build insert entity: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return domain.Record{}, domain.ErrEntityExists
		}
		return domain.Record{}, storeErr("insert entity", err)
	}

	rec.Version = 1
	rec.UpdatedAt = now
	return rec, nil
}

func (s *entityStore) Upsert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	query, args, err := psql.
		Insert(entitiesTable).
		Columns("collection", "partition_key", "row_key", "version", "data", "updated_at").
		Values(collection, rec.PartitionKey, rec.RowKey, 1, sq.Expr("?::jsonb", string(rec.Data)), now).
		Suffix("ON CONFLICT " + entityConflictKey + " DO UPDATE SET " +
			"data = EXCLUDED.data, version = " + entitiesTable + ".version + 1, updated_at = EXCLUDED.updated_at " +
			"RETURNING version").
		ToSql()
	if err != nil {
		return domain.Record{}, fmt.Errorf("build upsert entity: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&rec.Version); err != nil {
		return domain.Record{}, storeErr("upsert entity", err)
	}
	rec.UpdatedAt = now
	return rec, nil
}

// Replace — условная запись: UPDATE проходит только при совпадении версии.
func (s *entityStore) Replace(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	query, args, err := psql.
		Update(entitiesTable).
		Set("data", sq.Expr("?::jsonb", string(rec.Data))).
		Set("version", sq.Expr("version + 1")).
		Set("updated_at", now).
		Where(entityKey(collection, rec.PartitionKey, rec.RowKey)).
		Where(sq.Eq{"version": rec.Version}).
		Suffix("RETURNING version").
		ToSql()
	if err != nil {
		return domain.Record{}, fmt.Errorf("build replace entity: %w", err)
	}

	var version int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&version)
	if err == nil {
		rec.Version = version
		rec.UpdatedAt = now
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, storeErr("replace entity", err)
	}

	// Ни одна строка не обновилась: либо записи нет, либо версия устарела.
	exists, err := s.exists(ctx, collection, rec.PartitionKey, rec.RowKey)
	if err != nil {
		return domain.Record{}, err
	}
	if !exists {
		return domain.Record{}, domain.ErrEntityNotFound
	}
	return domain.Record{}, domain.ErrVersionConflict
}

func (s *entityStore) Delete(ctx context.Context, collection, partition, rowKey string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query, args, err := psql.
		Delete(entitiesTable).
		Where(entityKey(collection, partition, rowKey)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete entity: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("delete entity", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected for delete entity", err)
	}
	if affected == 0 {
		return domain.ErrEntityNotFound
	}
	return nil
}

func (s *entityStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (s *entityStore) exists(ctx context.Context, collection, partition, rowKey string) (bool, error) {
	query, args, err := psql.
		Select("1").
		Prefix("SELECT EXISTS (").
		From(entitiesTable).
		Where(entityKey(collection, partition, rowKey)).
		Suffix(")").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build entity exists: %w", err)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, storeErr("check entity exists", err)
	}
	return exists, nil
}

var _ domain.EntityStore = (*entityStore)(nil)
