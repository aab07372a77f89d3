// Package catalog владеет товарами: карточки, цены и складские остатки.
package catalog

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retail/internal/domain"
	"github.com/vladislavdragonenkov/retail/internal/metrics"
)

const (
	defaultMaxAttempts = 8
	defaultRetryDelay  = 5 * time.Millisecond
)

// Options задаёт параметры сервиса каталога.
type Options struct {
	Logger      *log.Entry
	Metrics     *metrics.RetailMetrics
	MaxAttempts int
	RetryDelay  time.Duration
}

// Option настраивает Service.
type Option func(*Options)

// WithLogger задаёт logger сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics подключает метрики склада.
func WithMetrics(m *metrics.RetailMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithMaxAttempts ограничивает число попыток CAS при корректировке остатка.
func WithMaxAttempts(n int) Option {
	return func(opts *Options) {
		opts.MaxAttempts = n
	}
}

// WithRetryDelay задаёт базовую паузу между попытками CAS.
func WithRetryDelay(d time.Duration) Option {
	return func(opts *Options) {
		opts.RetryDelay = d
	}
}

// Service — сервис каталога товаров.
type Service struct {
	store       domain.EntityStore
	sink        domain.NotificationSink
	logger      *log.Entry
	metrics     *metrics.RetailMetrics
	maxAttempts int
	retryDelay  time.Duration
}

// NewService создаёт сервис каталога. sink может быть nil.
func NewService(store domain.EntityStore, sink domain.NotificationSink, options ...Option) *Service {
	opts := Options{
		MaxAttempts: defaultMaxAttempts,
		RetryDelay:  defaultRetryDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "catalog")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}

	return &Service{
		store:       store,
		sink:        sink,
		logger:      logger,
		metrics:     opts.Metrics,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
	}
}

// GetProduct возвращает товар или ErrProductNotFound.
func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	rec, err := s.store.Get(ctx, domain.CollectionProducts, domain.PartitionProduct, id)
	if err != nil {
		return domain.Product{}, productErr(id, err)
	}
	return decodeProduct(rec)
}

// ListProducts возвращает все товары, отсортированные по названию.
func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var products []domain.Product
	for rec, err := range s.store.Scan(ctx, domain.CollectionProducts, domain.PartitionProduct) {
		if err != nil {
			return nil, fmt.Errorf("list products: %w", err)
		}
		product, err := decodeProduct(rec)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return products, nil
}

// CreateProduct проверяет карточку, присваивает идентификатор и сохраняет товар.
func (s *Service) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}
	product.ID = uuid.NewString()

	rec, err := domain.EncodeRecord(domain.PartitionProduct, product.ID, 0, product)
	if err != nil {
		return domain.Product{}, err
	}
	saved, err := s.store.Insert(ctx, domain.CollectionProducts, rec)
	if err != nil {
		return domain.Product{}, fmt.Errorf("insert product %s: %w", product.ID, err)
	}
	product.Version = saved.Version

	s.logger.WithField("product_id", product.ID).Info("product created")
	s.notify(ctx, fmt.Sprintf("Product %s created: %s, price %s, stock %d",
		product.ID, product.Name, product.Price.StringFixed(2), product.StockQuantity))
	return product, nil
}

// UpdateProduct полностью заменяет карточку существующего товара.
// При product.Version > 0 запись выполняется только если версия не изменилась.
func (s *Service) UpdateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if product.ID == "" {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}

	version := product.Version
	if version <= 0 {
		current, err := s.store.Get(ctx, domain.CollectionProducts, domain.PartitionProduct, product.ID)
		if err != nil {
			return domain.Product{}, productErr(product.ID, err)
		}
		version = current.Version
	}

	saved, err := s.replace(ctx, product, version)
	if err != nil {
		return domain.Product{}, err
	}

	s.logger.WithField("product_id", saved.ID).Info("product updated")
	s.notify(ctx, fmt.Sprintf("Product %s updated: %s, price %s, stock %d",
		saved.ID, saved.Name, saved.Price.StringFixed(2), saved.StockQuantity))
	return saved, nil
}

// UpsertProduct вставляет или заменяет товар без проверки версии.
func (s *Service) UpsertProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}
	if product.ID == "" {
		product.ID = uuid.NewString()
	}

	rec, err := domain.EncodeRecord(domain.PartitionProduct, product.ID, 0, product)
	if err != nil {
		return domain.Product{}, err
	}
	saved, err := s.store.Upsert(ctx, domain.CollectionProducts, rec)
	if err != nil {
		return domain.Product{}, fmt.Errorf("upsert product %s: %w", product.ID, err)
	}
	product.Version = saved.Version
	return product, nil
}

// DeleteProduct удаляет товар. Существующие заказы не затрагиваются.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, domain.CollectionProducts, domain.PartitionProduct, id); err != nil {
		return productErr(id, err)
	}
	s.logger.WithField("product_id", id).Info("product deleted")
	s.notify(ctx, fmt.Sprintf("Product %s deleted", id))
	return nil
}

// AdjustStock атомарно меняет остаток на delta с нижней границей 0.
//
// Каждая попытка читает свежую запись и пишет её через Replace с ожидаемой
// версией, так что параллельные списания не теряются. Повтор выполняется
// только при конфликте версий; после MaxAttempts возвращается ErrStockContention.
func (s *Service) AdjustStock(ctx context.Context, id string, delta int) (domain.StockAdjustment, error) {
	logger := s.logger.WithFields(log.Fields{"product_id": id, "delta": delta})

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		rec, err := s.store.Get(ctx, domain.CollectionProducts, domain.PartitionProduct, id)
		if err != nil {
			s.metrics.RecordStockAdjustment(metrics.ResultFailed)
			return domain.StockAdjustment{}, productErr(id, err)
		}
		product, err := decodeProduct(rec)
		if err != nil {
			s.metrics.RecordStockAdjustment(metrics.ResultFailed)
			return domain.StockAdjustment{}, err
		}

		adj := domain.StockAdjustment{
			ProductID: id,
			Previous:  product.StockQuantity,
			Current:   product.StockQuantity + delta,
		}
		if adj.Current < 0 {
			adj.Current = 0
			adj.Clamped = true
		}
		if adj.Current == adj.Previous {
			s.metrics.RecordStockAdjustment(metrics.ResultUnchanged)
			return adj, nil
		}

		product.StockQuantity = adj.Current
		_, err = s.replace(ctx, product, rec.Version)
		if err == nil {
			result := metrics.ResultApplied
			if adj.Clamped {
				result = metrics.ResultClamped
				logger.WithField("previous", adj.Previous).Warn("stock clamped at zero")
			}
			s.metrics.RecordStockAdjustment(result)
			return adj, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			s.metrics.RecordStockAdjustment(metrics.ResultFailed)
			return domain.StockAdjustment{}, err
		}

		s.metrics.RecordStockConflict()
		logger.WithField("attempt", attempt).Debug("stock version conflict, retrying")
		if err := s.backoff(ctx, attempt); err != nil {
			return domain.StockAdjustment{}, err
		}
	}

	s.metrics.RecordStockAdjustment(metrics.ResultExhausted)
	logger.WithField("max_attempts", s.maxAttempts).Error("stock adjustment gave up after repeated conflicts")
	return domain.StockAdjustment{}, fmt.Errorf("adjust stock for product %s: %w", id, domain.ErrStockContention)
}

// ResolveName возвращает название товара для отображения. Ошибки не пробрасываются.
func (s *Service) ResolveName(ctx context.Context, id string) domain.NameResolution {
	product, err := s.GetProduct(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrProductNotFound) {
			s.logger.WithError(err).WithField("product_id", id).Warn("failed to resolve product name")
		}
		return domain.UnresolvedName(id)
	}
	return domain.ResolvedName(id, product.Name)
}

// Ping проверяет доступность хранилища каталога.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) replace(ctx context.Context, product domain.Product, expected int64) (domain.Product, error) {
	rec, err := domain.EncodeRecord(domain.PartitionProduct, product.ID, expected, product)
	if err != nil {
		return domain.Product{}, err
	}
	saved, err := s.store.Replace(ctx, domain.CollectionProducts, rec)
	if err != nil {
		return domain.Product{}, productErr(product.ID, err)
	}
	product.Version = saved.Version
	return product, nil
}

func (s *Service) backoff(ctx context.Context, attempt int) error {
	if s.retryDelay <= 0 {
		return ctx.Err()
	}
	delay := s.retryDelay * time.Duration(attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) notify(ctx context.Context, text string) {
	if s.sink == nil {
		return
	}
	s.sink.Publish(ctx, text)
}

func decodeProduct(rec domain.Record) (domain.Product, error) {
	var product domain.Product
	if err := domain.DecodeRecord(rec, &product); err != nil {
		return domain.Product{}, err
	}
	product.ID = rec.RowKey
	product.Version = rec.Version
	return product, nil
}

func productErr(id string, err error) error {
	if errors.Is(err, domain.ErrEntityNotFound) {
		return fmt.Errorf("product %s: %w", id, domain.ErrProductNotFound)
	}
	return fmt.Errorf("product %s: %w", id, err)
}
