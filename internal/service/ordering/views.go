package ordering

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/retail/internal/domain"
)

// OrderView — заказ с отображаемыми именами покупателя и товара.
// Если ссылка не разрешилась, вместо имени показывается сырой идентификатор.
type OrderView struct {
	domain.Order
	CustomerName     string `json:"customer_name"`
	ProductName      string `json:"product_name"`
	CustomerResolved bool   `json:"customer_resolved"`
	ProductResolved  bool   `json:"product_resolved"`
}

// ListViews возвращает заказы в порядке List, дополненные именами.
// Каждый уникальный идентификатор ищется один раз, поиски идут параллельно
// с ограничением viewConcurrency. Висячие ссылки не прерывают чтение.
func (w *Workflow) ListViews(ctx context.Context) ([]OrderView, error) {
	orders, err := w.List(ctx)
	if err != nil {
		return nil, err
	}

	customerIDs := make(map[string]struct{})
	productIDs := make(map[string]struct{})
	for _, order := range orders {
		customerIDs[order.CustomerID] = struct{}{}
		productIDs[order.ProductID] = struct{}{}
	}

	var (
		mu        sync.Mutex
		customers = make(map[string]domain.NameResolution, len(customerIDs))
		products  = make(map[string]domain.NameResolution, len(productIDs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.viewConcurrency)

	for id := range customerIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			name := w.directory.ResolveName(gctx, id)
			mu.Lock()
			customers[id] = name
			mu.Unlock()
			return nil
		})
	}
	for id := range productIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			name := w.catalog.ResolveName(gctx, id)
			mu.Lock()
			products[id] = name
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve order names: %w", err)
	}

	views := make([]OrderView, 0, len(orders))
	for _, order := range orders {
		customer := customers[order.CustomerID]
		product := products[order.ProductID]
		views = append(views, OrderView{
			Order:            order,
			CustomerName:     customer.Display(),
			ProductName:      product.Display(),
			CustomerResolved: customer.Resolved,
			ProductResolved:  product.Resolved,
		})
	}
	return views, nil
}
