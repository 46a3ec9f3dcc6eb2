package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects used on the wire. Event subjects carry the event type as the final
// token so consumers can subscribe with wildcards (nexus.event.>).
const (
	eventSubjectPrefix = "nexus.event."
	alertSubject       = "nexus.alert"
)

// NATS is a Bus implementation backed by a NATS connection. Front-ends
// running out of process subscribe to the same subjects.
type NATS struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// ConnectNATS dials the NATS server and returns a bus over the connection.
func ConnectNATS(url string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("nexus-orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{nc: nc, logger: logger}, nil
}

// Publish sends the event as JSON on nexus.event.<type>.
func (b *NATS) Publish(_ context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(eventSubjectPrefix+ev.Type, data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// PublishAlert sends the alert as JSON on nexus.alert.
func (b *NATS) PublishAlert(_ context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := b.nc.Publish(alertSubject, data); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// Subscribe consumes events from NATS and forwards decoded matches to the
// returned channel.
func (b *NATS) Subscribe(types ...string) (<-chan Event, func()) {
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	ch := make(chan Event, subscriberBuffer)
	sub, err := b.nc.Subscribe(eventSubjectPrefix+">", func(msg *nats.Msg) {
		evType := strings.TrimPrefix(msg.Subject, eventSubjectPrefix)
		if len(wanted) > 0 && !wanted[evType] {
			return
		}
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("malformed event on bus", "subject", msg.Subject, "error", err)
			return
		}
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event bus subscriber lagging, event dropped", "type", ev.Type)
		}
	})
	if err != nil {
		b.logger.Error("nats subscribe failed", "error", err)
		close(ch)
		return ch, func() {}
	}

	cancel := func() {
		_ = sub.Unsubscribe()
		close(ch)
	}
	return ch, cancel
}

// Close drains the underlying connection.
func (b *NATS) Close() {
	_ = b.nc.Drain()
}
