package domain

import "github.com/shopspring/decimal"

// Product — товар каталога со складским остатком.
type Product struct {
	ID            string          `json:"id"`
	Name          string          `json:"name" validate:"required,max=200"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity" validate:"gte=0"`
	ImageURL      string          `json:"image_url,omitempty" validate:"omitempty,url"`
	Version       int64           `json:"version"`
}

// Validate проверяет карточку товара. Нулевая цена допустима для черновика,
// но такой товар нельзя заказать (см. Sellable).
func (p Product) Validate() error {
	verr := NewValidationError()
	collectStructErrors(verr, p)
	if p.Price.IsNegative() {
		verr.Add("price", "must be greater than or equal to 0")
	}
	return verr.Err()
}

// Sellable сообщает, можно ли оформить заказ на товар по текущей цене.
func (p Product) Sellable() bool {
	return p.Price.IsPositive()
}

// StockAdjustment описывает результат атомарного изменения остатка.
type StockAdjustment struct {
	ProductID string
	Previous  int
	Current   int
	// Clamped выставляется, если остаток упёрся в нижнюю границу 0.
	Clamped bool
}

// Removed возвращает, сколько единиц фактически списано (отрицательное значение — возврат).
func (a StockAdjustment) Removed() int {
	return a.Previous - a.Current
}
