package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// subscriberBuffer bounds each subscriber channel. A consumer that falls
// behind loses events rather than blocking publishers.
const subscriberBuffer = 64

// InProc is an in-process Bus implementation. It is the default transport
// when no NATS URL is configured and the transport used by tests.
type InProc struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription

	alertsMu sync.RWMutex
	alertFns []func(Alert)
}

type subscription struct {
	types map[string]bool
	ch    chan Event
}

// NewInProc creates an in-process bus.
func NewInProc(logger *slog.Logger) *InProc {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProc{
		logger: logger,
		subs:   make(map[int]*subscription),
	}
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *InProc) Publish(_ context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.types) > 0 && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("event bus subscriber lagging, event dropped",
				"type", ev.Type,
				"issue", ev.IssueID)
		}
	}
	return nil
}

// PublishAlert fans the alert out to registered alert handlers and logs it.
func (b *InProc) PublishAlert(_ context.Context, alert Alert) error {
	b.logger.Log(context.Background(), alertLevel(alert.Severity), "alert",
		"message", alert.Message,
		"source", alert.Source,
		"project", alert.ProjectKey,
		"issue", alert.IssueNumber)
	b.alertsMu.RLock()
	defer b.alertsMu.RUnlock()
	for _, fn := range b.alertFns {
		fn(alert)
	}
	return nil
}

// OnAlert registers a handler invoked for every published alert.
func (b *InProc) OnAlert(fn func(Alert)) {
	b.alertsMu.Lock()
	defer b.alertsMu.Unlock()
	b.alertFns = append(b.alertFns, fn)
}

// Subscribe registers a subscriber for the given event types.
func (b *InProc) Subscribe(types ...string) (<-chan Event, func()) {
	sub := &subscription{
		types: make(map[string]bool, len(types)),
		ch:    make(chan Event, subscriberBuffer),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

func alertLevel(s Severity) slog.Level {
	switch s {
	case SeverityError:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
