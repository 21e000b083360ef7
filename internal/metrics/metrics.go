package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_polls_total",
			Help: "Staff location polls by result",
		},
		[]string{"result"},
	)
	StaleResponsesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_stale_responses_total",
			Help: "Poll responses dropped because a newer one was already applied",
		},
	)
	IntervalChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_interval_changes_total",
			Help: "Poller reschedules caused by a status change",
		},
	)
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracking_active_sessions",
			Help: "Mounted tracking sessions",
		},
	)
	MapMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_map_mutations_total",
			Help: "Map layer operations by kind",
		},
		[]string{"op"},
	)
	SnapshotsRecordedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_snapshots_recorded_total",
			Help: "Tracking snapshots written to the database",
		},
	)
	TripEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_trip_events_total",
			Help: "Trip events consumed from kafka",
		},
		[]string{"event_type"},
	)
	WebsocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracking_websocket_connections",
			Help: "Current websocket connections",
		},
	)
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "endpoint", "code"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracking_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	OutboxQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracking_outbox_queue_size",
			Help: "Outbox pending/error size",
		},
	)
	DLQSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracking_dlq_size",
			Help: "Dead letter queue size",
		},
	)
)

func Init(mux *http.ServeMux) {
	prometheus.MustRegister(
		PollsTotal,
		StaleResponsesTotal,
		IntervalChangesTotal,
		ActiveSessions,
		MapMutationsTotal,
		SnapshotsRecordedTotal,
		TripEventsTotal,
		WebsocketConnections,
		RequestsTotal,
		RequestDuration,
		OutboxQueueSize,
		DLQSize,
	)
	mux.Handle("/metrics", promhttp.Handler())
}

type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func StartGauges(ctx context.Context, db Querier) {
	go pollGauge(ctx, db, OutboxQueueSize, `SELECT COUNT(*) FROM outbox_events WHERE status IN ('pending','error')`)
	go pollGauge(ctx, db, DLQSize, `SELECT COUNT(*) FROM dead_letter_queue`)
}

func pollGauge(ctx context.Context, db Querier, g prometheus.Gauge, query string) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			refreshGauge(ctx, db, g, query)
		}
	}
}

func refreshGauge(ctx context.Context, db Querier, g prometheus.Gauge, query string) {
	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var cnt int
	if err := db.QueryRow(qctx, query).Scan(&cnt); err != nil {
		return
	}
	g.Set(float64(cnt))
}
