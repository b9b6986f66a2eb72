package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/trip/domain"
)

// NATSSubscriber is the part of *nats.Conn the bridge needs.
type NATSSubscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Bridge feeds a Hub from the "<prefix>.<tripID>" subjects so that sessions on
// every instance see transitions committed elsewhere. NATS invokes Handle
// serially per subscription, which keeps per-trip order.
type Bridge struct {
	hub    *Hub
	prefix string
	logger *zap.Logger
	sub    *nats.Subscription
}

// NewBridge constructs a bridge for subjects under prefix.
func NewBridge(hub *Hub, prefix string, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{hub: hub, prefix: prefix, logger: logger}
}

// Start subscribes to every trip subject.
func (b *Bridge) Start(conn NATSSubscriber) error {
	if conn == nil {
		return errors.New("dispatch bridge requires a NATS connection")
	}
	sub, err := conn.Subscribe(b.prefix+".*", b.Handle)
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

// Stop unsubscribes; events already handed to the hub stay delivered.
func (b *Bridge) Stop() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}

// Handle republishes one NATS message into the hub.
func (b *Bridge) Handle(msg *nats.Msg) {
	var event domain.TripEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil || event.TripID == uuid.Nil {
		bridgedTotal.WithLabelValues("malformed").Inc()
		b.logger.Warn("dropping malformed trip message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if want := strings.TrimPrefix(msg.Subject, b.prefix+"."); want != event.TripID.String() {
		bridgedTotal.WithLabelValues("mismatch").Inc()
		b.logger.Warn("trip message on foreign subject",
			zap.String("subject", msg.Subject), zap.String("trip_id", event.TripID.String()))
		return
	}
	if err := b.hub.Publish(context.Background(), event); err != nil {
		bridgedTotal.WithLabelValues("error").Inc()
		b.logger.Warn("bridge publish failed", zap.String("trip_id", event.TripID.String()), zap.Error(err))
		return
	}
	bridgedTotal.WithLabelValues("ok").Inc()
}
