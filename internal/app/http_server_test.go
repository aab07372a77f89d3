package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/retail/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/retail/internal/health"
	"github.com/vladislavdragonenkov/retail/internal/metrics"
	"github.com/vladislavdragonenkov/retail/internal/service/notify"
	"github.com/vladislavdragonenkov/retail/internal/service/outbox"
	"github.com/vladislavdragonenkov/retail/internal/storage/memory"
)

// pingFunc — хранилище, чья доступность задаётся тестом.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func enqueueNotifications(t *testing.T, repo domain.OutboxRepository, n int) {
	t.Helper()
	sink := notify.NewSink(repo, nil, nil)
	for i := range n {
		sink.Publish(context.Background(), fmt.Sprintf("Order o-%d created", i))
	}
}

func TestHealthEndpointsReflectDependencies(t *testing.T) {
	storageDown := errors.Join(domain.ErrStoreUnavailable, errors.New("connection refused"))

	tests := []struct {
		name          string
		ping          error
		pending       int
		wantReady     int
		wantReadyBody string
		wantHealth    int
		wantStatus    healthcheck.Status
		wantDegraded  string
	}{
		{
			name:          "all good",
			wantReady:     http.StatusOK,
			wantReadyBody: "ready",
			wantHealth:    http.StatusOK,
			wantStatus:    healthcheck.StatusHealthy,
		},
		{
			name:          "storage ping fails",
			ping:          storageDown,
			wantReady:     http.StatusServiceUnavailable,
			wantReadyBody: "not ready",
			wantHealth:    http.StatusServiceUnavailable,
			wantStatus:    healthcheck.StatusUnhealthy,
		},
		{
			name:          "notification backlog above limit",
			pending:       3,
			wantReady:     http.StatusOK,
			wantReadyBody: "ready",
			wantHealth:    http.StatusOK,
			wantStatus:    healthcheck.StatusDegraded,
			wantDegraded:  "3 pending notifications",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := memory.NewOutboxRepository()
			enqueueNotifications(t, repo, tt.pending)

			storage := healthcheck.NewPingChecker("storage", pingFunc(func(context.Context) error { return tt.ping }))
			mux := metricsMux(newHealthHandler(storage, repo, 2))

			ready := get(t, mux, "/readyz")
			require.Equal(t, tt.wantReady, ready.Code)
			require.Equal(t, tt.wantReadyBody, ready.Body.String())

			health := get(t, mux, "/healthz")
			require.Equal(t, tt.wantHealth, health.Code)
			var resp healthcheck.Response
			require.NoError(t, json.Unmarshal(health.Body.Bytes(), &resp))
			require.Equal(t, tt.wantStatus, resp.Status)
			require.Contains(t, resp.Checks, "storage")
			require.Contains(t, resp.Checks, "outbox")
			if tt.ping != nil {
				require.Contains(t, resp.Checks["storage"].Message, "connection refused")
			}
			if tt.wantDegraded != "" {
				require.Equal(t, healthcheck.StatusDegraded, resp.Checks["outbox"].Status)
				require.Equal(t, tt.wantDegraded, resp.Checks["outbox"].Message)
			}

			live := get(t, mux, "/livez")
			require.Equal(t, http.StatusOK, live.Code)
			require.Equal(t, "ok", live.Body.String())
		})
	}
}

func TestReadyzTimesOutHangingStorage(t *testing.T) {
	storage := healthcheck.NewPingChecker("storage", pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	mux := metricsMux(newHealthHandler(storage, memory.NewOutboxRepository(), 10))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpointExposesRetailCollectors(t *testing.T) {
	m := metrics.NewRetailMetrics()
	m.RecordOrderCreated()
	m.SetOutboxBacklog(0, 0)

	rec := get(t, metricsMux(healthcheck.NewHandler("test")), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "retail_orders_created_total")
	require.Contains(t, body, "retail_outbox_pending_records")
}

func TestDrainOutboxDeliversQueuedNotifications(t *testing.T) {
	logger := log.WithField("test", "drain")
	repo := memory.NewOutboxRepository()
	enqueueNotifications(t, repo, 4)

	publisher := &recordingPublisher{}
	worker := outbox.NewWorker(repo, publisher,
		outbox.WithBatchSize(3),
		outbox.WithRetryBaseDelay(0),
		outbox.WithMetrics(metrics.NewRetailMetricsWithRegisterer(prometheus.NewRegistry())),
	)

	drainOutbox(worker, logger)

	require.Len(t, publisher.texts, 4)
	for i, text := range publisher.texts {
		require.Equal(t, fmt.Sprintf("Order o-%d created", i), text)
	}
	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)

	require.NotPanics(t, func() { drainOutbox(nil, logger) })
}

type recordingPublisher struct {
	texts []string
}

func (p *recordingPublisher) Publish(msg domain.OutboxMessage) error {
	var payload domain.NotificationPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return err
	}
	p.texts = append(p.texts, payload.Text)
	return nil
}

func TestStartMetricsServerStopsWithContext(t *testing.T) {
	logger := log.WithField("test", "metrics-server")
	port := findFreePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	srv := startMetricsServer(ctx, fmt.Sprintf("127.0.0.1:%d", port), logger, healthcheck.NewHandler("test"))
	require.NotNil(t, srv)

	url := fmt.Sprintf("http://127.0.0.1:%d/livez", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && strings.TrimSpace(string(body)) == "ok"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return true
		}
		resp.Body.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestShutdownHTTPToleratesNil(t *testing.T) {
	require.NotPanics(t, func() { shutdownHTTP(nil, log.WithField("test", "nil")) })
}

// findFreePort находит свободный порт для тестов.
func findFreePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}
