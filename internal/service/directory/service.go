// Package directory владеет профилями покупателей.
package directory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retail/internal/domain"
)

// Service — справочник покупателей.
type Service struct {
	store  domain.EntityStore
	sink   domain.NotificationSink
	logger *log.Entry
}

// NewService создаёт справочник. sink и logger могут быть nil.
func NewService(store domain.EntityStore, sink domain.NotificationSink, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "directory")
	}
	return &Service{store: store, sink: sink, logger: logger}
}

// GetCustomer возвращает покупателя или ErrCustomerNotFound.
func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	rec, err := s.store.Get(ctx, domain.CollectionCustomers, domain.PartitionCustomer, id)
	if err != nil {
		return domain.Customer{}, customerErr(id, err)
	}
	return decodeCustomer(rec)
}

// ListCustomers возвращает покупателей, отсортированных по фамилии и имени.
func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	var customers []domain.Customer
	for rec, err := range s.store.Scan(ctx, domain.CollectionCustomers, domain.PartitionCustomer) {
		if err != nil {
			return nil, fmt.Errorf("list customers: %w", err)
		}
		customer, err := decodeCustomer(rec)
		if err != nil {
			return nil, err
		}
		customers = append(customers, customer)
	}

	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return cmp.Or(
			cmp.Compare(a.LastName, b.LastName),
			cmp.Compare(a.FirstName, b.FirstName),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return customers, nil
}

// CreateCustomer регистрирует покупателя с новым идентификатором.
func (s *Service) CreateCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	if err := customer.Validate(); err != nil {
		return domain.Customer{}, err
	}
	customer.ID = uuid.NewString()

	rec, err := domain.EncodeRecord(domain.PartitionCustomer, customer.ID, 0, customer)
	if err != nil {
		return domain.Customer{}, err
	}
	saved, err := s.store.Insert(ctx, domain.CollectionCustomers, rec)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("insert customer %s: %w", customer.ID, err)
	}
	customer.Version = saved.Version

	s.logger.WithField("customer_id", customer.ID).Info("customer created")
	s.notify(ctx, fmt.Sprintf("Customer %s registered: %s", customer.ID, customer.DisplayName()))
	return customer, nil
}

// UpdateCustomer заменяет профиль. При customer.Version > 0 версия проверяется.
func (s *Service) UpdateCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	if customer.ID == "" {
		return domain.Customer{}, domain.ErrCustomerNotFound
	}
	if err := customer.Validate(); err != nil {
		return domain.Customer{}, err
	}

	version := customer.Version
	if version <= 0 {
		current, err := s.store.Get(ctx, domain.CollectionCustomers, domain.PartitionCustomer, customer.ID)
		if err != nil {
			return domain.Customer{}, customerErr(customer.ID, err)
		}
		version = current.Version
	}

	rec, err := domain.EncodeRecord(domain.PartitionCustomer, customer.ID, version, customer)
	if err != nil {
		return domain.Customer{}, err
	}
	saved, err := s.store.Replace(ctx, domain.CollectionCustomers, rec)
	if err != nil {
		return domain.Customer{}, customerErr(customer.ID, err)
	}
	customer.Version = saved.Version

	s.logger.WithField("customer_id", customer.ID).Info("customer updated")
	s.notify(ctx, fmt.Sprintf("Customer %s updated: %s", customer.ID, customer.DisplayName()))
	return customer, nil
}

// DeleteCustomer удаляет профиль. Заказы сохраняют идентификатор покупателя.
func (s *Service) DeleteCustomer(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, domain.CollectionCustomers, domain.PartitionCustomer, id); err != nil {
		return customerErr(id, err)
	}
	s.logger.WithField("customer_id", id).Info("customer deleted")
	s.notify(ctx, fmt.Sprintf("Customer %s deleted", id))
	return nil
}

// ResolveName возвращает имя покупателя для отображения или Resolved=false.
func (s *Service) ResolveName(ctx context.Context, id string) domain.NameResolution {
	customer, err := s.GetCustomer(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrCustomerNotFound) {
			s.logger.WithError(err).WithField("customer_id", id).Warn("failed to resolve customer name")
		}
		return domain.UnresolvedName(id)
	}
	return domain.ResolvedName(id, customer.DisplayName())
}

func (s *Service) notify(ctx context.Context, text string) {
	if s.sink == nil {
		return
	}
	s.sink.Publish(ctx, text)
}

func decodeCustomer(rec domain.Record) (domain.Customer, error) {
	var customer domain.Customer
	if err := domain.DecodeRecord(rec, &customer); err != nil {
		return domain.Customer{}, err
	}
	customer.ID = rec.RowKey
	customer.Version = rec.Version
	return customer, nil
}

func customerErr(id string, err error) error {
	if errors.Is(err, domain.ErrEntityNotFound) {
		return fmt.Errorf("customer %s: %w", id, domain.ErrCustomerNotFound)
	}
	return fmt.Errorf("customer %s: %w", id, err)
}
