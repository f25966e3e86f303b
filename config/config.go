// Package config loads the process configuration from the environment and
// validates it before anything is wired.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LLM provider access modes.
const (
	// ModeDirect calls the provider's public API with a key and model names.
	ModeDirect = "direct"
	// ModeDeployment calls an Azure-style endpoint with named deployments.
	ModeDeployment = "deployment"
)

type (
	// LLM configures model access. Exactly one mode is active.
	LLM struct {
		Mode string
		// Direct mode.
		APIKey         string
		BaseURL        string
		Model          string
		EmbeddingModel string
		// Deployment mode.
		Endpoint            string
		APIVersion          string
		Deployment          string
		EmbeddingDeployment string
	}

	// Search configures the search/scrape provider. Keys are per-user; only
	// the endpoint, rate limit and blacklist are process-wide.
	Search struct {
		BaseURL string
		// RatePerSecond bounds provider calls per key, 0 disables limiting.
		RatePerSecond float64
		// Blacklist overrides the default blocked-domain list when non-empty.
		Blacklist []string
	}

	// Email configures the success notification sender. An empty APIKey
	// disables email.
	Email struct {
		APIKey string
		From   string
	}

	// Config is the full process configuration.
	Config struct {
		HTTPAddr string
		// AppURL is the public UI origin used in email links and CORS.
		AppURL string

		MongoURI string
		MongoDB  string

		// RedisAddr enables the analytics stream when set.
		RedisAddr     string
		RedisPassword string

		LLM    LLM
		Search Search
		Email  Email

		// DedupThreshold overrides the duplicate-detection similarity cutoff,
		// 0 keeps the default.
		DedupThreshold float64

		// DispatchInterval and ReapInterval override the background cadences.
		DispatchInterval time.Duration
		ReapInterval     time.Duration
		// DisableDispatcher turns the process into an HTTP-only executor.
		DisableDispatcher bool
	}
)

// FromEnv reads and validates the configuration from the environment.
func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:         envOr("SCOUT_HTTP_ADDR", ":8080"),
		AppURL:           os.Getenv("SCOUT_APP_URL"),
		MongoURI:         envOr("SCOUT_MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:          envOr("SCOUT_MONGO_DB", "scout"),
		RedisAddr:        os.Getenv("SCOUT_REDIS_ADDR"),
		RedisPassword:    os.Getenv("SCOUT_REDIS_PASSWORD"),
		DispatchInterval: envDuration("SCOUT_DISPATCH_INTERVAL"),
		ReapInterval:     envDuration("SCOUT_REAP_INTERVAL"),
		LLM: LLM{
			Mode:                strings.ToLower(envOr("SCOUT_LLM_MODE", ModeDirect)),
			APIKey:              os.Getenv("SCOUT_LLM_API_KEY"),
			BaseURL:             os.Getenv("SCOUT_LLM_BASE_URL"),
			Model:               envOr("SCOUT_LLM_MODEL", "gpt-4o"),
			EmbeddingModel:      envOr("SCOUT_LLM_EMBEDDING_MODEL", "text-embedding-3-small"),
			Endpoint:            os.Getenv("SCOUT_LLM_ENDPOINT"),
			APIVersion:          envOr("SCOUT_LLM_API_VERSION", "2024-06-01"),
			Deployment:          os.Getenv("SCOUT_LLM_DEPLOYMENT"),
			EmbeddingDeployment: os.Getenv("SCOUT_LLM_EMBEDDING_DEPLOYMENT"),
		},
		Search: Search{
			BaseURL:   os.Getenv("SCOUT_SEARCH_BASE_URL"),
			Blacklist: splitList(os.Getenv("SCOUT_SEARCH_BLACKLIST")),
		},
		Email: Email{
			APIKey: os.Getenv("SCOUT_EMAIL_API_KEY"),
			From:   envOr("SCOUT_EMAIL_FROM", "Scout <notifications@scout.goa.design>"),
		},
	}
	if v := os.Getenv("SCOUT_SEARCH_RATE_PER_SECOND"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("SCOUT_SEARCH_RATE_PER_SECOND: %w", err)
		}
		cfg.Search.RatePerSecond = rate
	}
	if v := os.Getenv("SCOUT_DEDUP_THRESHOLD"); v != "" {
		threshold, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("SCOUT_DEDUP_THRESHOLD: %w", err)
		}
		if threshold <= 0 || threshold > 1 {
			return Config{}, fmt.Errorf("SCOUT_DEDUP_THRESHOLD: %v out of (0, 1]", threshold)
		}
		cfg.DedupThreshold = threshold
	}
	if v := os.Getenv("SCOUT_DISABLE_DISPATCHER"); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("SCOUT_DISABLE_DISPATCHER: %w", err)
		}
		cfg.DisableDispatcher = disabled
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the cross-field constraints.
func (c Config) Validate() error {
	if c.MongoURI == "" {
		return errors.New("mongo uri is required")
	}
	if c.LLM.APIKey == "" {
		return errors.New("llm api key is required")
	}
	switch c.LLM.Mode {
	case ModeDirect:
		if c.LLM.Model == "" || c.LLM.EmbeddingModel == "" {
			return errors.New("direct llm mode requires model and embedding model names")
		}
	case ModeDeployment:
		if c.LLM.Endpoint == "" {
			return errors.New("deployment llm mode requires an endpoint")
		}
		if c.LLM.Deployment == "" || c.LLM.EmbeddingDeployment == "" {
			return errors.New("deployment llm mode requires chat and embedding deployment names")
		}
	default:
		return fmt.Errorf("unknown llm mode %q", c.LLM.Mode)
	}
	if c.Email.APIKey != "" && c.Email.From == "" {
		return errors.New("email from address is required when email is enabled")
	}
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDuration(name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}
