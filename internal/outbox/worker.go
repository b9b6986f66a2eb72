package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/trip/domain"
)

var (
	relayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_publish_total",
		Help: "Trip events relayed from the outbox to NATS.",
	})
	relayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_fail_total",
		Help: "Outbox rows left pending after exhausting publish retries.",
	})
	relayLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_lag_seconds",
		Help: "Age of the oldest row in the last relayed batch.",
	})
)

const (
	selectPendingSQL = `SELECT id, topic, payload, created_at FROM outbox WHERE published = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`

	headerEventType   = "x-event-type"
	headerTripVersion = "x-trip-version"
)

// WorkerConfig defines tunables for the relay worker.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
	// RetryBase scales the quadratic backoff between attempts.
	RetryBase time.Duration
}

// MsgPublisher is the part of *nats.Conn the worker needs.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker relays trip events committed to the outbox table onto NATS in id
// order. Rows are locked with SKIP LOCKED so several instances can run.
type Worker struct {
	db        *sql.DB
	publisher MsgPublisher
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
}

// NewWorker constructs a relay worker.
func NewWorker(db *sql.DB, publisher MsgPublisher, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		db:        db,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		tracer:    otel.Tracer("github.com/example/ridedispatch/internal/outbox"),
	}
}

// Run relays until ctx is cancelled. A full batch is followed immediately by
// the next one; otherwise the worker sleeps for PollInterval.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.publisher == nil {
		return errors.New("outbox worker requires database and NATS connection")
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		n, err := w.ProcessOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outbox batch failed", zap.Int("relayed", n), zap.Error(err))
		}
		if err == nil && n == w.cfg.BatchSize {
			timer.Reset(0)
			continue
		}
		timer.Reset(w.cfg.PollInterval)
	}
}

type record struct {
	ID        int64
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// ProcessOnce relays one batch and returns how many rows were published.
// Relaying stops at the first row that cannot be published; the rows before
// it are marked and committed, the rest stay pending so later events of a
// trip never overtake an earlier one.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.batch")
	defer span.End()

	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pending, err := loadPending(ctx, tx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var (
		relayed  []int64
		relayErr error
		oldest   time.Time
	)
	for _, rec := range pending {
		if relayErr = w.relay(ctx, rec); relayErr != nil {
			relayFailures.Inc()
			break
		}
		relayed = append(relayed, rec.ID)
		if oldest.IsZero() || rec.CreatedAt.Before(oldest) {
			oldest = rec.CreatedAt
		}
	}

	if len(relayed) > 0 {
		if err := markPublished(ctx, tx, relayed); err != nil {
			return 0, err
		}
	}
	if len(relayed) == 0 && relayErr != nil {
		return 0, relayErr
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox batch: %w", err)
	}

	relayedTotal.Add(float64(len(relayed)))
	if !oldest.IsZero() {
		relayLag.Set(time.Since(oldest).Seconds())
	}
	return len(relayed), relayErr
}

func loadPending(ctx context.Context, tx *sql.Tx, limit int) ([]record, error) {
	rows, err := tx.QueryContext(ctx, selectPendingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rows.Close()

	var pending []record
	for rows.Next() {
		var rec record
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		pending = append(pending, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return pending, nil
}

func markPublished(ctx context.Context, tx *sql.Tx, ids []int64) error {
	var query strings.Builder
	query.WriteString("UPDATE outbox SET published = true WHERE id IN (")
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString("$" + strconv.Itoa(i+1))
		args[i] = id
	}
	query.WriteByte(')')
	if _, err := tx.ExecContext(ctx, query.String(), args...); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// relay publishes rec, retrying with quadratic backoff.
func (w *Worker) relay(ctx context.Context, rec record) error {
	ctx, span := w.tracer.Start(ctx, "outbox.publish")
	defer span.End()
	if rec.Topic == "" {
		return fmt.Errorf("outbox row %d has no topic", rec.ID)
	}

	msg := w.message(rec, span)
	for attempt := 1; ; attempt++ {
		err := w.publisher.PublishMsg(msg)
		if err == nil {
			return nil
		}
		w.logger.Warn("outbox publish failed",
			zap.Int64("outbox_id", rec.ID), zap.Int("attempt", attempt), zap.Error(err))
		if attempt >= w.cfg.RetryMax {
			return fmt.Errorf("publish outbox %d: %w", rec.ID, err)
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * w.cfg.RetryBase):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// message builds the NATS message for rec. Trip events get their type and
// version as headers plus a Nats-Msg-Id so JetStream can drop redeliveries.
func (w *Worker) message(rec record, span trace.Span) *nats.Msg {
	msg := nats.NewMsg(rec.Topic)
	msg.Data = rec.Payload
	var event domain.TripEvent
	if err := json.Unmarshal(rec.Payload, &event); err == nil && event.TripID != uuid.Nil {
		version := strconv.FormatInt(event.Trip.Version, 10)
		msg.Header.Set(headerEventType, string(event.Type))
		msg.Header.Set(headerTripVersion, version)
		msg.Header.Set(nats.MsgIdHdr, event.TripID.String()+":"+version)
	}
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}
	return msg
}
