// Package watch forwards workflow lifecycle events to chat subscribers.
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/nexus/bus"
	"github.com/c360studio/nexus/statestore"
)

// DefaultThrottle is the minimum gap between step messages to one subscriber.
const DefaultThrottle = 2 * time.Second

// Subscription is one watcher of an issue's workflow.
type Subscription struct {
	ProjectKey     string    `json:"project_key"`
	Issue          string    `json:"issue"`
	WorkflowID     string    `json:"workflow_id,omitempty"`
	MermaidEnabled bool      `json:"mermaid_enabled"`
	LastSentHash   string    `json:"last_sent_hash,omitempty"`
	SubscribedAt   time.Time `json:"subscribed_at"`
}

// Sink delivers a rendered message to one subscriber. The subscriber string
// is the "<chat>:<user>" key the front-end registered with.
type Sink interface {
	Send(ctx context.Context, subscriber, message string) error
}

// Service routes bus events to matching subscribers.
type Service struct {
	store    statestore.Store
	events   bus.Bus
	sink     Sink
	logger   *slog.Logger
	throttle time.Duration
	now      func() time.Time

	mu       sync.Mutex
	subs     map[string]Subscription
	lastSent map[string]time.Time
}

// New creates the service and loads persisted subscriptions. throttle <= 0
// selects DefaultThrottle.
func New(ctx context.Context, store statestore.Store, events bus.Bus, sink Sink, logger *slog.Logger, throttle time.Duration) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	s := &Service{
		store:    store,
		events:   events,
		sink:     sink,
		logger:   logger,
		throttle: throttle,
		now:      time.Now,
		subs:     make(map[string]Subscription),
		lastSent: make(map[string]time.Time),
	}
	statestore.LoadOrEmpty(ctx, store, statestore.KeyWatchSubscriptions, &s.subs)
	return s
}

// SetNow overrides the clock; tests only.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// SubscriberKey builds the subscription map key for a chat user.
func SubscriberKey(chat, user string) string { return chat + ":" + user }

// Subscribe registers a watcher for (project, issue). Re-subscribing replaces
// the existing entry, which also resets the mermaid hash.
func (s *Service) Subscribe(ctx context.Context, chat, user string, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.SubscribedAt = s.now()
	s.subs[SubscriberKey(chat, user)] = sub
	return s.save(ctx)
}

// Unsubscribe removes a watcher. Removing an unknown watcher is a no-op.
func (s *Service) Unsubscribe(ctx context.Context, chat, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := SubscriberKey(chat, user)
	if _, ok := s.subs[key]; !ok {
		return nil
	}
	delete(s.subs, key)
	delete(s.lastSent, key)
	return s.save(ctx)
}

// Subscriptions returns a snapshot of all active watchers.
func (s *Service) Subscriptions() map[string]Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Subscription, len(s.subs))
	for k, v := range s.subs {
		out[k] = v
	}
	return out
}

// save persists the subscription map; the caller holds s.mu.
func (s *Service) save(ctx context.Context) error {
	if err := s.store.Save(ctx, statestore.KeyWatchSubscriptions, s.subs); err != nil {
		return fmt.Errorf("save watch subscriptions: %w", err)
	}
	return nil
}

// Run consumes workflow events until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	events, cancel := s.events.Subscribe(
		bus.EventStepStatusChanged,
		bus.EventWorkflowCompleted,
		bus.EventMermaidDiagram,
	)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Dispatch(ctx, ev)
		}
	}
}

// Dispatch routes one event to every subscriber watching its (project, issue).
func (s *Service) Dispatch(ctx context.Context, ev bus.Event) {
	switch ev.Type {
	case bus.EventStepStatusChanged:
		s.forward(ctx, ev, stepMessage(ev), true)
	case bus.EventMermaidDiagram:
		s.forwardDiagram(ctx, ev)
	case bus.EventWorkflowCompleted:
		// The final notice bypasses the throttle, then the (project, issue)
		// watchers are dropped.
		s.forward(ctx, ev, completedMessage(ev), false)
		s.dropWatchers(ctx, ev.ProjectKey, ev.IssueID)
	}
}

func (s *Service) forward(ctx context.Context, ev bus.Event, message string, throttled bool) {
	for key := range s.matching(ev.ProjectKey, ev.IssueID) {
		if throttled && !s.allowSend(key) {
			continue
		}
		s.send(ctx, key, message)
	}
}

// forwardDiagram sends a mermaid diagram to watchers that opted in, skipping
// subscribers whose last diagram had the same content hash.
func (s *Service) forwardDiagram(ctx context.Context, ev bus.Event) {
	diagram, _ := ev.Payload["diagram"].(string)
	if diagram == "" {
		return
	}
	hash := contentHash(diagram)

	s.mu.Lock()
	var targets []string
	for key, sub := range s.subs {
		if sub.ProjectKey != ev.ProjectKey || sub.Issue != ev.IssueID {
			continue
		}
		if !sub.MermaidEnabled || sub.LastSentHash == hash {
			continue
		}
		sub.LastSentHash = hash
		s.subs[key] = sub
		targets = append(targets, key)
	}
	if len(targets) > 0 {
		if err := s.save(ctx); err != nil {
			s.logger.Warn("watch state write failed", "error", err)
		}
	}
	s.mu.Unlock()

	for _, key := range targets {
		s.send(ctx, key, diagram)
	}
}

func (s *Service) dropWatchers(ctx context.Context, projectKey, issueID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for key, sub := range s.subs {
		if sub.ProjectKey != projectKey || sub.Issue != issueID {
			continue
		}
		delete(s.subs, key)
		delete(s.lastSent, key)
		changed = true
	}
	if changed {
		if err := s.save(ctx); err != nil {
			s.logger.Warn("watch state write failed", "error", err)
		}
	}
}

// matching returns the subscriber keys watching (project, issue).
func (s *Service) matching(projectKey, issueID string) map[string]Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Subscription)
	for key, sub := range s.subs {
		if sub.ProjectKey == projectKey && sub.Issue == issueID {
			out[key] = sub
		}
	}
	return out
}

// allowSend applies the per-subscriber throttle window.
func (s *Service) allowSend(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastSent[key]
	if ok && s.now().Sub(last) < s.throttle {
		return false
	}
	s.lastSent[key] = s.now()
	return true
}

func (s *Service) send(ctx context.Context, key, message string) {
	if err := s.sink.Send(ctx, key, message); err != nil {
		s.logger.Warn("watch message send failed", "subscriber", key, "error", err)
	}
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func stepMessage(ev bus.Event) string {
	agent, _ := ev.Payload["agent"].(string)
	status, _ := ev.Payload["status"].(string)
	msg := fmt.Sprintf("Issue %s (%s): %s is %s", ev.IssueID, ev.ProjectKey, agent, status)
	if next, _ := ev.Payload["next_agent"].(string); next != "" {
		msg += fmt.Sprintf(", next up %s", next)
	}
	return msg
}

func completedMessage(ev bus.Event) string {
	state, _ := ev.Payload["state"].(string)
	if state == "" {
		state = "completed"
	}
	return fmt.Sprintf("Issue %s (%s): workflow %s", ev.IssueID, ev.ProjectKey, state)
}
