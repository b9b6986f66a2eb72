package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/ridedispatch/internal/trip/domain"
)

// MsgPublisher is satisfied by *nats.Conn.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes trip events straight to NATS, one subject per trip. It is
// the integration sink when no transactional outbox is configured.
type Publisher struct {
	conn   MsgPublisher
	prefix string
}

// NewPublisher builds a Publisher; events go to "<prefix>.<tripID>".
func NewPublisher(conn MsgPublisher, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: prefix}
}

// Publish satisfies domain.EventPublisher. A nil publisher or connection is a no-op.
func (p *Publisher) Publish(ctx context.Context, event domain.TripEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	version := strconv.FormatInt(event.Trip.Version, 10)
	return p.conn.PublishMsg(&nats.Msg{
		Subject: p.prefix + "." + event.TripID.String(),
		Data:    payload,
		Header: nats.Header{
			"x-trace-id":     {traceIDFromContext(ctx)},
			"x-event-type":   {string(event.Type)},
			"x-trip-version": {version},
			nats.MsgIdHdr:    {event.TripID.String() + ":" + version},
		},
	})
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
