package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты операций для меток result.
const (
	ResultApplied   = "applied"
	ResultUnchanged = "unchanged"
	ResultClamped   = "clamped"
	ResultExhausted = "exhausted"
	ResultFailed    = "failed"
	ResultQueued    = "queued"
	ResultDropped   = "dropped"

	// Доставка уведомлений из outbox
	ResultSent         = "sent"
	ResultDeadLettered = "dead_lettered"
	ResultDeferred     = "deferred"
	ResultPublishError = "error"
	ResultPublishOK    = "ok"
)

// RetailMetrics содержит метрики каталога, склада и заказов.
// Все методы безопасны для nil-получателя.
type RetailMetrics struct {
	// Счётчики заказов
	ordersCreated prometheus.Counter
	ordersUpdated prometheus.Counter
	ordersDeleted prometheus.Counter

	workflowDuration  *prometheus.HistogramVec
	workflowsInFlight prometheus.Gauge

	// Склад
	stockAdjustments *prometheus.CounterVec
	stockConflicts   prometheus.Counter

	notifications *prometheus.CounterVec

	// Outbox
	outboxDeliveries   *prometheus.CounterVec
	outboxAttempts     *prometheus.CounterVec
	outboxPending      prometheus.Gauge
	outboxOldestAgeSec prometheus.Gauge
}

// NewRetailMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewRetailMetrics() *RetailMetrics {
	return NewRetailMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewRetailMetricsWithRegisterer регистрирует метрики в переданном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewRetailMetricsWithRegisterer(registerer prometheus.Registerer) *RetailMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &RetailMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "retail_orders_created_total",
			Help: "Total number of orders created",
		}),
		ordersUpdated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "retail_orders_updated_total",
			Help: "Total number of orders edited",
		}),
		ordersDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "retail_orders_deleted_total",
			Help: "Total number of orders deleted",
		}),
		workflowDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "retail_order_workflow_duration_seconds",
			Help:    "Duration of order workflow operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		workflowsInFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "retail_order_workflows_in_flight",
			Help: "Number of order workflow operations currently running",
		}),
		stockAdjustments: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "retail_stock_adjustments_total",
			Help: "Total number of stock adjustments by result",
		}, []string{"result"}),
		stockConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "retail_stock_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts while adjusting stock",
		}),
		notifications: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "retail_notifications_total",
			Help: "Total number of notifications by result",
		}, []string{"result"}),
		outboxDeliveries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "retail_outbox_deliveries_total",
			Help: "Total number of outbox notifications processed by delivery outcome",
		}, []string{"result"}),
		outboxAttempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "retail_outbox_publish_attempts_total",
			Help: "Total number of broker publish attempts by result",
		}, []string{"result"}),
		outboxPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "retail_outbox_pending_records",
			Help: "Current number of pending notifications in the outbox",
		}),
		outboxOldestAgeSec: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "retail_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending notification",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *RetailMetrics) RecordOrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

// RecordOrderUpdated увеличивает счётчик изменённых заказов.
func (m *RetailMetrics) RecordOrderUpdated() {
	if m == nil {
		return
	}
	m.ordersUpdated.Inc()
}

// RecordOrderDeleted увеличивает счётчик удалённых заказов.
func (m *RetailMetrics) RecordOrderDeleted() {
	if m == nil {
		return
	}
	m.ordersDeleted.Inc()
}

// StartWorkflow отмечает начало операции над заказом. Возвращённая функция
// записывает длительность и должна быть вызвана ровно один раз.
func (m *RetailMetrics) StartWorkflow(operation string) func() {
	if m == nil {
		return func() {}
	}
	started := time.Now()
	m.workflowsInFlight.Inc()
	return func() {
		m.workflowsInFlight.Dec()
		m.workflowDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	}
}

// RecordStockAdjustment учитывает корректировку остатка с указанным результатом.
func (m *RetailMetrics) RecordStockAdjustment(result string) {
	if m == nil {
		return
	}
	m.stockAdjustments.WithLabelValues(result).Inc()
}

// RecordStockConflict учитывает конфликт версий при записи остатка.
func (m *RetailMetrics) RecordStockConflict() {
	if m == nil {
		return
	}
	m.stockConflicts.Inc()
}

// RecordNotification учитывает попытку отправки уведомления.
func (m *RetailMetrics) RecordNotification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

// RecordOutboxDelivery учитывает итог доставки одного уведомления из outbox.
func (m *RetailMetrics) RecordOutboxDelivery(result string) {
	if m == nil {
		return
	}
	m.outboxDeliveries.WithLabelValues(result).Inc()
}

// RecordOutboxAttempt учитывает одну попытку публикации в брокер.
func (m *RetailMetrics) RecordOutboxAttempt(err error) {
	if m == nil {
		return
	}
	result := ResultPublishOK
	if err != nil {
		result = ResultPublishError
	}
	m.outboxAttempts.WithLabelValues(result).Inc()
}

// SetOutboxBacklog выставляет размер backlog и возраст самого старого уведомления.
func (m *RetailMetrics) SetOutboxBacklog(pending int, oldest time.Duration) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(pending))
	m.outboxOldestAgeSec.Set(max(0, oldest.Seconds()))
}
