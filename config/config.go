// Package config provides environment settings and the project registry for
// the Nexus orchestrator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Storage backend names.
const (
	BackendFilesystem = "filesystem"
	BackendPostgres   = "postgres"
	BackendNATS       = "nats"
)

// Settings holds process-level configuration resolved from the environment.
type Settings struct {
	ProjectConfigPath string
	BaseDir           string
	RuntimeDir        string
	LogsDir           string

	StorageBackend  string
	InboxBackend    string
	WorkflowBackend string

	PostgresDSN string
	NATSURL     string

	HTTPAddr      string
	WebhookSecret string
	GitHubToken   string
	GitHubAPIBase string
	BotLogin      string
	AllowedUsers  []string
	AgentCommand  string

	CompletionReplayWindow time.Duration
	IssueDedupeWindow      time.Duration
	StaleClaimAfter        time.Duration
	OrphanRecoveryCooldown time.Duration
	AgentStuckAfter        time.Duration
	AgentRecentWindow      time.Duration
}

// FromEnv builds Settings from the process environment. Missing required
// variables and malformed values are configuration errors and fatal at
// startup.
func FromEnv() (*Settings, error) {
	s := &Settings{
		ProjectConfigPath: os.Getenv("PROJECT_CONFIG_PATH"),
		BaseDir:           os.Getenv("BASE_DIR"),
		RuntimeDir:        os.Getenv("NEXUS_RUNTIME_DIR"),
		LogsDir:           os.Getenv("LOGS_DIR"),
		StorageBackend:    envDefault("NEXUS_STORAGE_BACKEND", BackendFilesystem),
		InboxBackend:      os.Getenv("NEXUS_INBOX_BACKEND"),
		WorkflowBackend:   os.Getenv("NEXUS_WORKFLOW_BACKEND"),
		PostgresDSN:       os.Getenv("NEXUS_POSTGRES_DSN"),
		NATSURL:           os.Getenv("NEXUS_NATS_URL"),
		HTTPAddr:          envDefault("NEXUS_HTTP_ADDR", ":8787"),
		WebhookSecret:     os.Getenv("NEXUS_WEBHOOK_SECRET"),
		GitHubToken:       os.Getenv("NEXUS_GITHUB_TOKEN"),
		GitHubAPIBase:     envDefault("NEXUS_GITHUB_API", "https://api.github.com"),
		BotLogin:          os.Getenv("NEXUS_BOT_LOGIN"),
		AgentCommand:      os.Getenv("NEXUS_AGENT_COMMAND"),
	}

	if s.ProjectConfigPath == "" {
		return nil, fmt.Errorf("PROJECT_CONFIG_PATH is required")
	}
	if s.BaseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		s.BaseDir = wd
	}
	if s.RuntimeDir == "" {
		s.RuntimeDir = filepath.Join(s.BaseDir, ".nexus-runtime")
	}
	if s.LogsDir == "" {
		s.LogsDir = filepath.Join(s.RuntimeDir, "logs")
	}
	if s.InboxBackend == "" {
		s.InboxBackend = s.StorageBackend
	}
	if s.WorkflowBackend == "" {
		s.WorkflowBackend = s.StorageBackend
	}

	for _, backend := range []string{s.StorageBackend, s.InboxBackend, s.WorkflowBackend} {
		switch backend {
		case BackendFilesystem, BackendPostgres, BackendNATS:
		default:
			return nil, fmt.Errorf("unknown storage backend %q", backend)
		}
	}
	if (s.StorageBackend == BackendPostgres || s.InboxBackend == BackendPostgres ||
		s.WorkflowBackend == BackendPostgres) && s.PostgresDSN == "" {
		return nil, fmt.Errorf("NEXUS_POSTGRES_DSN is required for the postgres backend")
	}
	if s.StorageBackend == BackendNATS && s.NATSURL == "" {
		return nil, fmt.Errorf("NEXUS_NATS_URL is required for the nats backend")
	}

	if raw := os.Getenv("NEXUS_ALLOWED_USERS"); raw != "" {
		for _, user := range strings.Split(raw, ",") {
			if user = strings.TrimSpace(user); user != "" {
				s.AllowedUsers = append(s.AllowedUsers, user)
			}
		}
	}

	var err error
	if s.CompletionReplayWindow, err = envSeconds("NEXUS_COMPLETION_REPLAY_WINDOW_SECONDS", 1800); err != nil {
		return nil, err
	}
	dedupeHours, err := envInt("NEXUS_ISSUE_DEDUPE_HOURS", 24)
	if err != nil {
		return nil, err
	}
	s.IssueDedupeWindow = time.Duration(dedupeHours) * time.Hour
	if s.StaleClaimAfter, err = envSeconds("NEXUS_STALE_CLAIM_SECONDS", 600); err != nil {
		return nil, err
	}
	if s.OrphanRecoveryCooldown, err = envSeconds("NEXUS_ORPHAN_RECOVERY_COOLDOWN_SECONDS", 900); err != nil {
		return nil, err
	}
	if s.AgentStuckAfter, err = envSeconds("NEXUS_AGENT_STUCK_SECONDS", 3600); err != nil {
		return nil, err
	}
	if s.AgentRecentWindow, err = envSeconds("NEXUS_AGENT_RECENT_WINDOW_SECONDS", 86400); err != nil {
		return nil, err
	}

	return s, nil
}

// UserAllowed reports whether login passes the allow-list. An empty list
// allows everyone.
func (s *Settings) UserAllowed(login string) bool {
	if len(s.AllowedUsers) == 0 {
		return true
	}
	for _, user := range s.AllowedUsers {
		if strings.EqualFold(user, login) {
			return true
		}
	}
	return false
}

func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", name, raw)
	}
	return v, nil
}

func envSeconds(name string, def int) (time.Duration, error) {
	v, err := envInt(name, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}
