// Package httpapi — JSON API над сервисами каталога, клиентов и заказов.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retail/internal/domain"
	"github.com/vladislavdragonenkov/retail/internal/service/ordering"
)

// CustomerService — операции с клиентами, нужные API.
type CustomerService interface {
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error)
	UpdateCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error)
	DeleteCustomer(ctx context.Context, id string) error
}

// ProductService — операции с товарами, нужные API.
type ProductService interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error
}

// OrderService — операции с заказами, нужные API.
type OrderService interface {
	ListViews(ctx context.Context) ([]ordering.OrderView, error)
	Get(ctx context.Context, id string) (domain.Order, error)
	Create(ctx context.Context, intent domain.OrderIntent) (domain.Order, error)
	Edit(ctx context.Context, id string, intent domain.OrderIntent) (domain.Order, error)
	Delete(ctx context.Context, id string) error
}

// Options задаёт параметры роутера.
type Options struct {
	Logger         *log.Entry
	AllowedOrigins []string
}

// Option настраивает роутер.
type Option func(*Options)

// WithLogger задаёт logger для запросов.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithAllowedOrigins задаёт список origin для CORS.
func WithAllowedOrigins(origins []string) Option {
	return func(opts *Options) {
		opts.AllowedOrigins = origins
	}
}

// Handler обслуживает /api поверх трёх сервисов.
type Handler struct {
	customers CustomerService
	products  ProductService
	orders    OrderService
	logger    *log.Entry
}

// NewRouter собирает chi-роутер со всеми маршрутами API.
func NewRouter(customers CustomerService, products ProductService, orders OrderService, options ...Option) http.Handler {
	opts := Options{AllowedOrigins: []string{"*"}}
	for _, option := range options {
		option(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "http")
	}

	h := &Handler{
		customers: customers,
		products:  products,
		orders:    orders,
		logger:    logger,
	}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}).Handler)

	router.Route("/api", func(r chi.Router) {
		r.Route("/customers", func(r chi.Router) {
			r.Get("/", h.listCustomers)
			r.Post("/", h.createCustomer)
			r.Get("/{id}", h.getCustomer)
			r.Put("/{id}", h.updateCustomer)
			r.Delete("/{id}", h.deleteCustomer)
		})
		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.listProducts)
			r.Post("/", h.createProduct)
			r.Get("/{id}", h.getProduct)
			r.Put("/{id}", h.updateProduct)
			r.Delete("/{id}", h.deleteProduct)
		})
		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.listOrders)
			r.Post("/", h.createOrder)
			r.Get("/{id}", h.getOrder)
			r.Put("/{id}", h.editOrder)
			r.Delete("/{id}", h.deleteOrder)
		})
	})

	return router
}

// requestLogger пишет строку лога на каждый запрос.
func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.WithFields(log.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("http request")
		})
	}
}
