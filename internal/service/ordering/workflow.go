// Package ordering оформляет и редактирует заказы: проверка ввода, снимок цены,
// нормализация даты, списание остатка и уведомления.
package ordering

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

const defaultViewConcurrency = 8

// Catalog — то, что workflow использует из каталога товаров.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (domain.Product, error)
	AdjustStock(ctx context.Context, id string, delta int) (domain.StockAdjustment, error)
	ResolveName(ctx context.Context, id string) domain.NameResolution
}

// Directory — то, что workflow использует из справочника покупателей.
type Directory interface {
	GetCustomer(ctx context.Context, id string) (domain.Customer, error)
	ResolveName(ctx context.Context, id string) domain.NameResolution
}

// Options задаёт параметры workflow.
type Options struct {
	Logger          *log.Entry
	Metrics         *metrics.RetailMetrics
	ViewConcurrency int
}

// Option настраивает Workflow.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics подключает метрики заказов.
func WithMetrics(m *metrics.RetailMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithViewConcurrency ограничивает число параллельных поисков имён в ListViews.
func WithViewConcurrency(n int) Option {
	return func(opts *Options) {
		opts.ViewConcurrency = n
	}
}

// Workflow координирует заказы с каталогом и справочником.
type Workflow struct {
	store           domain.EntityStore
	catalog         Catalog
	directory       Directory
	sink            domain.NotificationSink
	logger          *log.Entry
	metrics         *metrics.RetailMetrics
	viewConcurrency int
}

// NewWorkflow создаёт workflow заказов. sink может быть nil.
func NewWorkflow(store domain.EntityStore, catalog Catalog, directory Directory, sink domain.NotificationSink, options ...Option) *Workflow {
	opts := Options{ViewConcurrency: defaultViewConcurrency}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "ordering")
	}
	if opts.ViewConcurrency <= 0 {
		opts.ViewConcurrency = defaultViewConcurrency
	}

	return &Workflow{
		store:           store,
		catalog:         catalog,
		directory:       directory,
		sink:            sink,
		logger:          logger,
		metrics:         opts.Metrics,
		viewConcurrency: opts.ViewConcurrency,
	}
}

// prepared — результат проверки намерения: всё, что нужно для записи заказа.
type prepared struct {
	customer  domain.Customer
	product   domain.Product
	orderDate time.Time
}

// prepare проверяет ввод и ссылки, снимает цену и нормализует дату.
// Ничего не пишет в хранилище.
func (w *Workflow) prepare(ctx context.Context, intent domain.OrderIntent) (prepared, error) {
	if err := intent.Validate(); err != nil {
		return prepared{}, err
	}

	verr := domain.NewValidationError()
	var p prepared

	customer, err := w.directory.GetCustomer(ctx, intent.CustomerID)
	switch {
	case errors.Is(err, domain.ErrCustomerNotFound):
		verr.AddCause("customer_id", domain.ErrCustomerNotFound)
	case err != nil:
		return prepared{}, err
	default:
		p.customer = customer
	}

	product, err := w.catalog.GetProduct(ctx, intent.ProductID)
	switch {
	case errors.Is(err, domain.ErrProductNotFound):
		verr.AddCause("product_id", domain.ErrProductNotFound)
	case err != nil:
		return prepared{}, err
	case !product.Sellable():
		verr.AddCause("product_id", domain.ErrInvalidProductPrice)
	default:
		p.product = product
	}

	orderDate, err := domain.NormalizeOrderDate(intent.OrderDate, intent.DateKind)
	if err != nil {
		verr.AddCause("order_date", err)
	}
	p.orderDate = orderDate

	if err := verr.Err(); err != nil {
		return prepared{}, err
	}
	return p, nil
}

func (p prepared) order(id string, intent domain.OrderIntent) domain.Order {
	return domain.Order{
		ID:         id,
		CustomerID: intent.CustomerID,
		ProductID:  intent.ProductID,
		Quantity:   intent.Quantity,
		UnitPrice:  p.product.Price,
		TotalPrice: domain.TotalFor(p.product.Price, intent.Quantity),
		OrderDate:  p.orderDate,
	}
}

// Create оформляет новый заказ и списывает остаток товара.
//
// Заказ сохраняется до списания и сразу числит за собой всё количество.
// Если склад списал меньше (упор в ноль или товар исчез), запись поправляется.
// Прочие ошибки склада откатывают заказ: он удаляется, ошибка возвращается.
func (w *Workflow) Create(ctx context.Context, intent domain.OrderIntent) (domain.Order, error) {
	done := w.metrics.StartWorkflow("create")
	defer done()

	p, err := w.prepare(ctx, intent)
	if err != nil {
		return domain.Order{}, err
	}

	order := p.order(uuid.NewString(), intent)
	order.StockDeducted = order.Quantity
	logger := w.logger.WithFields(log.Fields{
		"order_id":   order.ID,
		"product_id": order.ProductID,
		"quantity":   order.Quantity,
	})

	rec, err := domain.EncodeRecord(domain.PartitionOrder, order.ID, 0, order)
	if err != nil {
		return domain.Order{}, err
	}
	saved, err := w.store.Insert(ctx, domain.CollectionOrders, rec)
	if err != nil {
		return domain.Order{}, fmt.Errorf("insert order %s: %w", order.ID, err)
	}
	order.Version = saved.Version

	removed := 0
	adj, err := w.catalog.AdjustStock(ctx, order.ProductID, -order.Quantity)
	switch {
	case errors.Is(err, domain.ErrProductNotFound):
		logger.Warn("product disappeared before stock deduction")
	case err != nil:
		w.discard(ctx, order.ID, logger)
		return domain.Order{}, fmt.Errorf("deduct stock for order %s: %w", order.ID, err)
	default:
		if adj.Clamped {
			logger.WithField("stock_before", adj.Previous).Warn("order exceeds stock, stock clamped at zero")
		}
		removed = adj.Removed()
	}
	order = w.settleDeduction(ctx, order, removed-order.StockDeducted)

	w.metrics.RecordOrderCreated()
	logger.Info("order created")
	w.notify(ctx, fmt.Sprintf("Order %s created: customer %s, product %s, quantity %d, total %s",
		order.ID, p.customer.DisplayName(), p.product.Name, order.Quantity, order.TotalPrice.StringFixed(2)))
	return order, nil
}

// discard удаляет заказ, для которого не удалось списать остаток.
func (w *Workflow) discard(ctx context.Context, id string, logger *log.Entry) {
	err := w.store.Delete(ctx, domain.CollectionOrders, domain.PartitionOrder, id)
	if err != nil && !errors.Is(err, domain.ErrEntityNotFound) {
		logger.WithError(err).Error("stock deduction failed and order could not be removed")
		return
	}
	logger.Warn("stock deduction failed, order removed")
}

// Edit полностью заменяет заказ: цена снимается заново, итог пересчитывается,
// а остаток корректируется на изменение количества. При смене товара старому
// товару возвращается записанное на заказе списание.
func (w *Workflow) Edit(ctx context.Context, id string, intent domain.OrderIntent) (domain.Order, error) {
	done := w.metrics.StartWorkflow("edit")
	defer done()

	current, err := w.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if intent.Version > 0 && intent.Version != current.Version {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrVersionConflict)
	}

	p, err := w.prepare(ctx, intent)
	if err != nil {
		return domain.Order{}, err
	}

	order := p.order(id, intent)
	order.StockDeducted = current.StockDeducted
	logger := w.logger.WithFields(log.Fields{
		"order_id":   id,
		"product_id": order.ProductID,
		"quantity":   order.Quantity,
	})

	rec, err := domain.EncodeRecord(domain.PartitionOrder, id, current.Version, order)
	if err != nil {
		return domain.Order{}, err
	}
	saved, err := w.store.Replace(ctx, domain.CollectionOrders, rec)
	if err != nil {
		return domain.Order{}, orderErr(id, err)
	}
	order.Version = saved.Version

	deducted, err := w.rebalanceStock(ctx, current, order)
	if err != nil {
		logger.WithError(err).Error("stock rebalance failed after order was replaced")
		return domain.Order{}, fmt.Errorf("rebalance stock for order %s: %w", id, err)
	}
	order = w.settleDeduction(ctx, order, deducted-order.StockDeducted)

	w.metrics.RecordOrderUpdated()
	logger.WithField("stock_deducted", order.StockDeducted).Info("order updated")
	w.notify(ctx, fmt.Sprintf("Order %s updated: customer %s, product %s, quantity %d, total %s",
		order.ID, p.customer.DisplayName(), p.product.Name, order.Quantity, order.TotalPrice.StringFixed(2)))
	return order, nil
}

// rebalanceStock приводит остаток к новому количеству и возвращает,
// сколько единиц теперь числится списанным под заказ.
// Если не изменились ни товар, ни количество, склад не трогается.
func (w *Workflow) rebalanceStock(ctx context.Context, before, after domain.Order) (int, error) {
	if before.ProductID == after.ProductID {
		delta := before.Quantity - after.Quantity
		if delta > 0 {
			delta = min(delta, before.StockDeducted)
		}
		if delta == 0 {
			return before.StockDeducted, nil
		}

		adj, err := w.catalog.AdjustStock(ctx, after.ProductID, delta)
		if errors.Is(err, domain.ErrProductNotFound) {
			return before.StockDeducted, nil
		}
		if err != nil {
			return 0, err
		}
		return before.StockDeducted + adj.Removed(), nil
	}

	if before.StockDeducted > 0 {
		_, err := w.catalog.AdjustStock(ctx, before.ProductID, before.StockDeducted)
		switch {
		case errors.Is(err, domain.ErrProductNotFound):
			w.logger.WithField("product_id", before.ProductID).Warn("previous product is gone, stock not returned")
		case err != nil:
			return 0, err
		}
	}

	adj, err := w.catalog.AdjustStock(ctx, after.ProductID, -after.Quantity)
	if errors.Is(err, domain.ErrProductNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return adj.Removed(), nil
}

const settleAttempts = 4

// settleDeduction сдвигает записанное на заказе списание на correction.
// При конфликте версий заказ перечитывается и сдвиг применяется к свежей записи;
// если заказ тем временем сменил товар или исчез, поправка отбрасывается.
// Ошибка записи только логируется: остаток уже изменён.
func (w *Workflow) settleDeduction(ctx context.Context, order domain.Order, correction int) domain.Order {
	if correction == 0 {
		return order
	}
	logger := w.logger.WithFields(log.Fields{
		"order_id":   order.ID,
		"correction": correction,
	})
	productID := order.ProductID

	var err error
	for range settleAttempts {
		next := order
		next.StockDeducted = max(0, order.StockDeducted+correction)

		var rec domain.Record
		rec, err = domain.EncodeRecord(domain.PartitionOrder, next.ID, next.Version, next)
		if err != nil {
			break
		}
		var saved domain.Record
		saved, err = w.store.Replace(ctx, domain.CollectionOrders, rec)
		if err == nil {
			next.Version = saved.Version
			return next
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			break
		}

		latest, getErr := w.Get(ctx, order.ID)
		if getErr != nil {
			logger.WithError(getErr).Warn("order changed while recording stock deduction")
			return order
		}
		if latest.ProductID != productID {
			logger.Warn("order moved to another product, stock deduction correction dropped")
			return latest
		}
		order = latest
	}

	logger.WithError(err).Warn("failed to record stock deduction on order")
	return order
}

// Get возвращает заказ или ErrOrderNotFound.
func (w *Workflow) Get(ctx context.Context, id string) (domain.Order, error) {
	rec, err := w.store.Get(ctx, domain.CollectionOrders, domain.PartitionOrder, id)
	if err != nil {
		return domain.Order{}, orderErr(id, err)
	}
	return decodeOrder(rec)
}

// List возвращает заказы, начиная с самых новых по дате заказа.
func (w *Workflow) List(ctx context.Context) ([]domain.Order, error) {
	var orders []domain.Order
	for rec, err := range w.store.Scan(ctx, domain.CollectionOrders, domain.PartitionOrder) {
		if err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		order, err := decodeOrder(rec)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	slices.SortFunc(orders, func(a, b domain.Order) int {
		return cmp.Or(b.OrderDate.Compare(a.OrderDate), cmp.Compare(a.ID, b.ID))
	})
	return orders, nil
}

// Delete удаляет заказ. Остаток товара не восстанавливается.
func (w *Workflow) Delete(ctx context.Context, id string) error {
	done := w.metrics.StartWorkflow("delete")
	defer done()

	if err := w.store.Delete(ctx, domain.CollectionOrders, domain.PartitionOrder, id); err != nil {
		return orderErr(id, err)
	}

	w.metrics.RecordOrderDeleted()
	w.logger.WithField("order_id", id).Info("order deleted")
	w.notify(ctx, fmt.Sprintf("Order %s deleted", id))
	return nil
}

func (w *Workflow) notify(ctx context.Context, text string) {
	if w.sink == nil {
		return
	}
	w.sink.Publish(ctx, text)
}

func decodeOrder(rec domain.Record) (domain.Order, error) {
	var order domain.Order
	if err := domain.DecodeRecord(rec, &order); err != nil {
		return domain.Order{}, err
	}
	order.ID = rec.RowKey
	order.Version = rec.Version
	return order, nil
}

func orderErr(id string, err error) error {
	if errors.Is(err, domain.ErrEntityNotFound) {
		return fmt.Errorf("order %s: %w", id, domain.ErrOrderNotFound)
	}
	return fmt.Errorf("order %s: %w", id, err)
}
