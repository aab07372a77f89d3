// Package outbox доставляет уведомления из outbox в очередь событий.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retail/internal/domain"
	"github.com/vladislavdragonenkov/retail/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

// Outcome — итог обработки одного уведомления за цикл.
type Outcome string

const (
	// OutcomeSent — брокер принял уведомление.
	OutcomeSent Outcome = metrics.ResultSent
	// OutcomeDeadLettered — попытки исчерпаны, уведомление ушло в DLQ.
	OutcomeDeadLettered Outcome = metrics.ResultDeadLettered
	// OutcomeFailed — попытки исчерпаны, а DLQ не настроена или не приняла сообщение.
	OutcomeFailed Outcome = metrics.ResultFailed
	// OutcomeDeferred — цикл прерван остановкой, уведомление осталось pending.
	OutcomeDeferred Outcome = metrics.ResultDeferred
)

// Delivery описывает обработку одного уведомления.
type Delivery struct {
	OutboxID string
	// Text — текст уведомления; пуст для событий другого типа.
	Text     string
	Attempts int
	Outcome  Outcome
	Err      error
}

// BatchResult — итог одного polling-цикла.
type BatchResult struct {
	Deliveries []Delivery
}

// Count возвращает число уведомлений с данным итогом.
func (r BatchResult) Count(outcome Outcome) int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Outcome == outcome {
			n++
		}
	}
	return n
}

// settled — сколько уведомлений покинуло pending за цикл.
func (r BatchResult) settled() int {
	return len(r.Deliveries) - r.Count(OutcomeDeferred)
}

// Config задаёт polling и retry воркера.
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBaseDelay < 0 {
		c.RetryBaseDelay = 0
	}
	return c
}

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithMetrics подключает метрики доставки.
func WithMetrics(m *metrics.RetailMetrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithDeadLetter задаёт очередь для уведомлений, не доставленных за MaxAttempts попыток.
func WithDeadLetter(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) {
		w.deadLetter = publisher
	}
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		w.cfg.PollInterval = interval
	}
}

// WithBatchSize задаёт число уведомлений за цикл.
func WithBatchSize(size int) Option {
	return func(w *Worker) {
		w.cfg.BatchSize = size
	}
}

// WithMaxAttempts задаёт число попыток публикации одного уведомления.
func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) {
		w.cfg.MaxAttempts = attempts
	}
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) {
		w.cfg.RetryBaseDelay = delay
	}
}

// Worker доставляет pending-уведомления из outbox в очередь событий.
// Порядок доставки не гарантируется: недоставленное уведомление уходит в DLQ
// и помечается failed, остальные продолжают отправляться.
type Worker struct {
	repo       domain.OutboxRepository
	publisher  domain.OutboxPublisher
	deadLetter domain.OutboxPublisher
	logger     *log.Entry
	metrics    *metrics.RetailMetrics
	cfg        Config
	now        func() time.Time
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:      repo,
		publisher: publisher,
		cfg: Config{
			PollInterval:   defaultPollInterval,
			BatchSize:      defaultBatchSize,
			MaxAttempts:    defaultMaxAttempts,
			RetryBaseDelay: defaultRetryBaseDelay,
		},
		now: time.Now,
	}
	for _, option := range options {
		option(w)
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	w.cfg = w.cfg.normalized()
	return w
}

func (w *Worker) enabled() bool {
	return w.repo != nil && w.publisher != nil
}

// Run опрашивает outbox каждые PollInterval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if !w.enabled() {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce забирает один батч pending-уведомлений и доставляет каждое.
func (w *Worker) ProcessOnce(ctx context.Context) BatchResult {
	var result BatchResult
	if !w.enabled() || ctx.Err() != nil {
		return result
	}
	defer w.refreshBacklog(ctx)

	messages, err := w.repo.PullPending(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending notifications")
		return result
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}
		d := w.deliver(ctx, msg)
		w.metrics.RecordOutboxDelivery(string(d.Outcome))
		result.Deliveries = append(result.Deliveries, d)
	}

	if len(result.Deliveries) > 0 {
		w.logger.WithFields(log.Fields{
			"sent":          result.Count(OutcomeSent),
			"dead_lettered": result.Count(OutcomeDeadLettered),
			"failed":        result.Count(OutcomeFailed),
			"deferred":      result.Count(OutcomeDeferred),
		}).Debug("outbox batch processed")
	}
	return result
}

// Drain повторяет циклы, пока outbox не опустеет или не истечёт ctx.
// Возвращает число уведомлений, покинувших pending.
func (w *Worker) Drain(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		settled := w.ProcessOnce(ctx).settled()
		if settled == 0 {
			break
		}
		total += settled
	}
	return total
}

func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) Delivery {
	d := Delivery{OutboxID: msg.ID, Text: notificationText(msg)}
	logger := w.logger.WithFields(log.Fields{
		"outbox_id":  msg.ID,
		"event_type": msg.EventType,
	})

	d.Attempts, d.Err = w.publish(ctx, msg)
	switch {
	case d.Err == nil:
		d.Outcome = OutcomeSent
		if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
			logger.WithError(err).Warn("failed to mark notification as sent")
		}
		return d
	case ctx.Err() != nil:
		d.Outcome = OutcomeDeferred
		return d
	}

	logger.WithError(d.Err).WithField("text", d.Text).Error("notification delivery failed")
	d.Outcome = OutcomeFailed
	if w.deadLetter != nil {
		if err := w.sendToDeadLetter(msg, d); err != nil {
			logger.WithError(err).Warn("failed to publish notification to DLQ")
		} else {
			d.Outcome = OutcomeDeadLettered
		}
	}
	if err := w.repo.MarkFailed(ctx, msg.ID); err != nil {
		logger.WithError(err).Warn("failed to mark notification as failed")
	}
	return d
}

// publish делает до MaxAttempts попыток с экспоненциальной паузой.
func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) (int, error) {
	for attempt := 1; ; attempt++ {
		err := w.publisher.Publish(msg)
		w.metrics.RecordOutboxAttempt(err)
		if err == nil {
			return attempt, nil
		}
		if attempt >= w.cfg.MaxAttempts {
			return attempt, fmt.Errorf("publish failed after %d attempts: %w", attempt, err)
		}
		if err := sleep(ctx, w.retryBackoff(attempt)); err != nil {
			return attempt, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryBackoff возвращает паузу после попытки attempt, не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	delay := w.cfg.RetryBaseDelay
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	var oldest time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		oldest = w.now().Sub(stats.OldestPendingAt)
	}
	w.metrics.SetOutboxBacklog(stats.PendingCount, oldest)
}

// deadLetter — тело сообщения в DLQ: исходное уведомление и причина отказа.
type deadLetter struct {
	OutboxID  string          `json:"outbox_id"`
	EventType string          `json:"event_type"`
	Text      string          `json:"text,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error"`
	FailedAt  time.Time       `json:"failed_at"`
}

func (w *Worker) sendToDeadLetter(msg domain.OutboxMessage, d Delivery) error {
	now := w.now()
	payload, err := json.Marshal(deadLetter{
		OutboxID:  msg.ID,
		EventType: msg.EventType,
		Text:      d.Text,
		Payload:   domain.NewOutboxEnvelope(msg, now).Payload,
		Attempts:  d.Attempts,
		Error:     d.Err.Error(),
		FailedAt:  now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	err = w.deadLetter.Publish(domain.OutboxMessage{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

// notificationText достаёт текст из тела уведомления.
func notificationText(msg domain.OutboxMessage) string {
	if msg.EventType != domain.EventTypeNotification {
		return ""
	}
	var payload domain.NotificationPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return ""
	}
	return payload.Text
}
