package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrValidation — входные данные не прошли проверку (см. ValidationError).
	ErrValidation = errors.New("validation failed")
	// ErrCustomerNotFound возвращается, если клиент не найден.
	ErrCustomerNotFound = errors.New("customer not found")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidProductPrice — товар нельзя продать по цене <= 0.
	ErrInvalidProductPrice = errors.New("product price must be greater than zero")
	// ErrDateNormalization — дата заказа после нормализации не в UTC.
	ErrDateNormalization = errors.New("order date is not normalized to UTC")
	// ErrEntityNotFound возвращается хранилищем сущностей при отсутствии записи.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrEntityExists возвращается при вставке записи с уже занятым ключом.
	ErrEntityExists = errors.New("entity already exists")
	// ErrVersionConflict сигнализирует о конфликте версий при условной записи.
	ErrVersionConflict = errors.New("entity version conflict")
	// ErrStockContention — не удалось применить изменение остатка за отведённое число попыток.
	ErrStockContention = errors.New("stock adjustment contention")
	// ErrStoreUnavailable — хранилище недоступно, запрос завершается с ошибкой.
	ErrStoreUnavailable = errors.New("entity store unavailable")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsNotFound проверяет, относится ли ошибка к отсутствующей сущности любого типа.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrOrderNotFound)
}

// ValidationError собирает ошибки по полям. Разворачивается в ErrValidation
// и во все бизнес-причины, добавленные через AddCause.
type ValidationError struct {
	Fields map[string]string
	causes []error
}

// NewValidationError создаёт пустой набор ошибок валидации.
func NewValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string]string)}
}

// Add фиксирует сообщение для поля. Первое сообщение по полю сохраняется.
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; exists {
		return
	}
	e.Fields[field] = message
}

// AddCause фиксирует бизнес-ошибку для поля, чтобы errors.Is находил её по цепочке.
func (e *ValidationError) AddCause(field string, cause error) {
	e.Add(field, cause.Error())
	e.causes = append(e.causes, cause)
}

// HasErrors сообщает, есть ли хотя бы одна ошибка.
func (e *ValidationError) HasErrors() bool {
	return e != nil && len(e.Fields) > 0
}

// Err возвращает nil, если ошибок нет, иначе сам ValidationError.
func (e *ValidationError) Err() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	if !e.HasErrors() {
		return ErrValidation.Error()
	}

	fields := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, e.Fields[field]))
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() []error {
	return append([]error{ErrValidation}, e.causes...)
}

// FieldErrors достаёт ошибки по полям из цепочки err, если там есть ValidationError.
func FieldErrors(err error) (map[string]string, bool) {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		return nil, false
	}
	return verr.Fields, true
}
