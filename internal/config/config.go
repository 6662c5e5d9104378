package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"concierge-sync/internal/integrations/paramstore"
)

const (
	DefaultMergeWindow = 500 * time.Millisecond
	DefaultExchange    = "messages"
)

// ErrMissing marks a required setting that is absent.
var ErrMissing = errors.New("config: required setting missing")

// Config is read once at process start.
type Config struct {
	StateTable    string
	ParamPrefix   string
	AMQPURL       string
	Exchange      string
	ProcessingURL string
	MergeWindow   time.Duration
	MemberID      string
	LogLevel      slog.Level
}

// Load reads an optional .env file and then the process environment.
// Values already set in the environment win over .env.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	cfg := Config{
		StateTable:    get("STATE_TABLE"),
		ParamPrefix:   strings.TrimRight(get("PARAM_PREFIX"), "/"),
		AMQPURL:       get("AMQP_URL"),
		Exchange:      get("AMQP_EXCHANGE"),
		ProcessingURL: get("PROCESSING_URL"),
		MemberID:      get("MEMBER_ID"),
		MergeWindow:   DefaultMergeWindow,
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.ParamPrefix == "" {
		return Config{}, fmt.Errorf("%w: PARAM_PREFIX", ErrMissing)
	}

	if raw := get("MERGE_WINDOW_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return Config{}, fmt.Errorf("config: MERGE_WINDOW_MS must be a non-negative integer, got %q", raw)
		}
		cfg.MergeWindow = time.Duration(ms) * time.Millisecond
	}

	if raw := get("LOG_LEVEL"); raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			return Config{}, fmt.Errorf("config: LOG_LEVEL: %w", err)
		}
	}
	return cfg, nil
}

// RequireClient checks the settings the member client cannot start without.
func (c Config) RequireClient() error {
	var missing []string
	if c.StateTable == "" {
		missing = append(missing, "STATE_TABLE")
	}
	if c.ProcessingURL == "" {
		missing = append(missing, "PROCESSING_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}
	return nil
}

// AMQPURLParameter is the SSM parameter consulted when AMQP_URL is unset.
func (c Config) AMQPURLParameter() string {
	return c.ParamPrefix + "/amqp-url"
}

// ResolveAMQPURL returns AMQP_URL, falling back to Parameter Store.
func (c Config) ResolveAMQPURL(ctx context.Context, g paramstore.Getter) (string, error) {
	if c.AMQPURL != "" {
		return c.AMQPURL, nil
	}
	if g == nil {
		return "", fmt.Errorf("%w: AMQP_URL", ErrMissing)
	}
	url, err := g.GetParameter(ctx, c.AMQPURLParameter())
	if err != nil {
		return "", fmt.Errorf("%w: AMQP_URL: %w", ErrMissing, err)
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return "", fmt.Errorf("%w: AMQP_URL", ErrMissing)
	}
	return url, nil
}
