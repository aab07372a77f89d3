package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order — заказ одного товара одним клиентом.
// CustomerID и ProductID — слабые ссылки: заказ не владеет этими сущностями.
type Order struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id"`
	ProductID  string          `json:"product_id"`
	Quantity   int             `json:"quantity"`
	// UnitPrice — снимок цены товара на момент последнего создания/редактирования.
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
	// OrderDate всегда хранится в UTC.
	OrderDate time.Time `json:"order_date"`
	// StockDeducted — сколько единиц реально списано со склада под этот заказ
	// (меньше Quantity, если остаток упёрся в 0).
	StockDeducted int   `json:"stock_deducted"`
	Version       int64 `json:"version"`
}

// TotalFor считает итоговую сумму позиции.
func TotalFor(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

// TotalConsistent проверяет инвариант total == unitPrice * quantity.
func (o Order) TotalConsistent() bool {
	return o.TotalPrice.Equal(TotalFor(o.UnitPrice, o.Quantity))
}

// OrderIntent — то, что клиент присылает при создании или редактировании заказа.
type OrderIntent struct {
	CustomerID string    `json:"customer_id" validate:"required"`
	ProductID  string    `json:"product_id" validate:"required"`
	Quantity   int       `json:"quantity" validate:"gt=0"`
	OrderDate  time.Time `json:"order_date"`
	DateKind   DateKind  `json:"-"`
	// Version > 0 включает проверку версии при редактировании.
	Version int64 `json:"version"`
}

// Validate проверяет обязательные поля и количество.
func (i OrderIntent) Validate() error {
	verr := NewValidationError()
	collectStructErrors(verr, i)
	if i.OrderDate.IsZero() {
		verr.Add("order_date", "is required")
	}
	return verr.Err()
}
