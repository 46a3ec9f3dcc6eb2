// Package webhook receives platform events over HTTP, verifies their
// signatures and routes them into the orchestration core.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/nexus/bus"
	"github.com/c360studio/nexus/config"
	"github.com/c360studio/nexus/engine"
	"github.com/c360studio/nexus/platform"
	"github.com/c360studio/nexus/queue"
	"github.com/c360studio/nexus/reconcile"
	"github.com/c360studio/nexus/router"
	"github.com/c360studio/nexus/scheduler"
)

var eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nexus",
	Subsystem: "webhook",
	Name:      "events_total",
	Help:      "Webhook deliveries by event type and outcome.",
}, []string{"event", "outcome"})

// Server is the webhook HTTP surface.
type Server struct {
	secret   []byte
	botLogin string
	allow    func(login string) bool

	queue    queue.Queue
	engine   *engine.Engine
	sched    *scheduler.Scheduler
	platform platform.GitPlatform
	projects *config.Registry
	routes   *router.Router
	events   bus.Bus
	defs     reconcile.DefinitionSource
	logger   *slog.Logger

	mu        sync.Mutex
	processed map[string]bool
}

// New creates the server. secret may be empty, which disables signature
// verification; production deployments must set it.
func New(
	secret, botLogin string,
	allow func(string) bool,
	q queue.Queue,
	eng *engine.Engine,
	sched *scheduler.Scheduler,
	gp platform.GitPlatform,
	projects *config.Registry,
	routes *router.Router,
	events bus.Bus,
	defs reconcile.DefinitionSource,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if allow == nil {
		allow = func(string) bool { return true }
	}
	return &Server{
		secret:    []byte(secret),
		botLogin:  botLogin,
		allow:     allow,
		queue:     q,
		engine:    eng,
		sched:     sched,
		platform:  gp,
		projects:  projects,
		routes:    routes,
		events:    events,
		defs:      defs,
		logger:    logger,
		processed: make(map[string]bool),
	}
}

// Handler returns the HTTP mux: webhook endpoint, health and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/github", s.handleGitHub)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// result is the JSON body returned for a processed delivery.
type result map[string]any

func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, result{"error": "unreadable body"})
		return
	}
	if !s.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
		writeJSON(w, http.StatusForbidden, result{"error": "signature mismatch"})
		return
	}
	event := r.Header.Get("X-GitHub-Event")
	if event == "" {
		writeJSON(w, http.StatusBadRequest, result{"error": "missing X-GitHub-Event header"})
		return
	}

	// A handler panic must never escape the router; it becomes an alert and
	// a 500.
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("webhook handler panicked", "event", event, "panic", rec)
			_ = s.events.PublishAlert(r.Context(), bus.Alert{
				Message:  fmt.Sprintf("webhook handler for %q panicked: %v", event, rec),
				Severity: bus.SeverityError,
				Source:   "webhook",
			})
			eventsReceived.WithLabelValues(event, "panic").Inc()
			writeJSON(w, http.StatusInternalServerError, result{"error": "internal error"})
		}
	}()

	var res result
	switch event {
	case "issues":
		res = s.handleIssues(r, body)
	case "issue_comment":
		res = s.handleIssueComment(r, body)
	case "pull_request":
		res = s.handlePullRequest(r, body)
	case "pull_request_review":
		res = s.handlePullRequestReview(body)
	case "ping":
		res = result{"status": "pong"}
	default:
		res = result{"status": "ignored", "reason": "unhandled_event"}
	}
	outcome, _ := res["status"].(string)
	if outcome == "" {
		outcome = "processed"
	}
	eventsReceived.WithLabelValues(event, outcome).Inc()
	writeJSON(w, http.StatusOK, res)
}

// verifySignature checks the HMAC-SHA256 signature header against the raw
// body. Comparison is constant-time.
func (s *Server) verifySignature(header string, body []byte) bool {
	if len(s.secret) == 0 {
		return true
	}
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header[len(prefix):]), []byte(expected))
}

// markProcessed records an in-memory event key; returns false on replay
// within this process lifetime.
func (s *Server) markProcessed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processed[key] {
		return false
	}
	s.processed[key] = true
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decode[T any](body []byte) (T, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("decode webhook payload: %w", err)
	}
	return v, nil
}
