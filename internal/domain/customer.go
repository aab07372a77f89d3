package domain

import "strings"

// Customer — покупатель магазина. Заказы ссылаются на него только по ID.
type Customer struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"required,max=100"`
	Email     string `json:"email" validate:"required,email,max=254"`
	Version   int64  `json:"version"`
}

// DisplayName возвращает имя для отображения в списках.
func (c Customer) DisplayName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Validate проверяет поля профиля.
func (c Customer) Validate() error {
	return ValidateStruct(c)
}
