package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/alexjbarnes/workspace-sync/internal/auth"
	"github.com/alexjbarnes/workspace-sync/internal/models"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for workspace-sync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Workspace API
	APIBaseURL string `env:"API_BASE_URL"`
	APIToken   string `env:"API_TOKEN"`
	UserID     string `env:"USER_ID"`

	// Realtime change feed. Disabled when REALTIME_URL is empty.
	RealtimeURL    string `env:"REALTIME_URL"`
	RealtimeAPIKey string `env:"REALTIME_API_KEY"`

	// StatePath is the bbolt file. Defaults to ~/.workspace-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	SyncInterval       time.Duration `env:"SYNC_INTERVAL" envDefault:"60s"`
	QueueMaxAttempts   int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"5"`
	QueueCoalesceTypes []string      `env:"QUEUE_COALESCE_TYPES" envDefault:"note" envSeparator:","`
	// BatchSyncTypes overrides which collections push through their
	// sync endpoint. Empty keeps the registry defaults, "none" disables
	// batching.
	BatchSyncTypes []string `env:"BATCH_SYNC_TYPES" envSeparator:","`

	// InboxDir enables the upload inbox when set.
	InboxDir string `env:"INBOX_DIR"`

	// RetentionFile is an optional YAML file of per-type cache limits.
	RetentionFile string `env:"RETENTION_FILE"`

	// Control server
	EnableControl     bool   `env:"ENABLE_CONTROL" envDefault:"false"`
	ControlListenAddr string `env:"CONTROL_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
	ControlAPIKeys    string `env:"CONTROL_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	for _, p := range []*string{&cfg.StatePath, &cfg.InboxDir, &cfg.RetentionFile} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return errors.New("API_BASE_URL is required")
	}

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute http(s) URL, got %q", c.APIBaseURL)
	}

	if c.APIToken == "" {
		return errors.New("API_TOKEN is required")
	}

	if c.SyncInterval < time.Second {
		return fmt.Errorf("SYNC_INTERVAL must be at least 1s, got %s", c.SyncInterval)
	}

	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.QueueMaxAttempts)
	}

	if _, err := c.CoalesceTypes(); err != nil {
		return fmt.Errorf("QUEUE_COALESCE_TYPES: %w", err)
	}

	if _, err := c.BatchTypes(); err != nil {
		return fmt.Errorf("BATCH_SYNC_TYPES: %w", err)
	}

	if c.RealtimeURL != "" && c.UserID == "" {
		return errors.New("USER_ID is required when REALTIME_URL is set")
	}

	if c.EnableControl {
		if c.ControlAPIKeys == "" {
			return errors.New("CONTROL_API_KEYS is required when the control server is enabled")
		}

		if _, err := c.ParseControlAPIKeys(); err != nil {
			return err
		}
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// CoalesceTypes returns the entity types whose queued updates coalesce.
// "none" disables coalescing.
func (c *Config) CoalesceTypes() ([]models.EntityType, error) {
	types, err := parseTypes(c.QueueCoalesceTypes)
	if err != nil {
		return nil, err
	}

	if types == nil {
		types = []models.EntityType{}
	}

	return types, nil
}

// BatchTypes returns the entity types pushed through their collection's
// sync endpoint. An empty list keeps the registry defaults and "none"
// sends every operation through its executor.
func (c *Config) BatchTypes() ([]models.EntityType, error) {
	types, err := parseTypes(c.BatchSyncTypes)
	if err != nil {
		return nil, err
	}

	if types != nil {
		return types, nil
	}

	if slices.ContainsFunc(c.BatchSyncTypes, isNone) {
		return []models.EntityType{}, nil
	}

	for _, spec := range models.Specs() {
		if spec.Batch {
			types = append(types, spec.Type)
		}
	}

	return types, nil
}

func isNone(name string) bool {
	return strings.TrimSpace(name) == "none"
}

func parseTypes(names []string) ([]models.EntityType, error) {
	var out []models.EntityType

	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || isNone(name) {
			continue
		}

		t, err := models.ParseEntityType(name)
		if err != nil {
			return nil, err
		}

		out = append(out, t)
	}

	return out, nil
}

// ParseControlAPIKeys parses the CONTROL_API_KEYS string.
// Format: "user1:ws_key1,user2:ws_key2"
func (c *Config) ParseControlAPIKeys() ([]auth.APIKey, error) {
	if c.ControlAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []auth.APIKey

	for _, pair := range strings.Split(c.ControlAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if err := auth.ValidateKeyFormat(key); err != nil {
			return nil, fmt.Errorf("entry %d: %w", len(entries)+1, err)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in CONTROL_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, auth.APIKey{UserID: userID, Key: key})
	}

	return entries, nil
}
