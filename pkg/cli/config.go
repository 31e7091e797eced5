package cli

import (
	"context"
	"time"

	dctx "github.com/deckhand/deckhand/pkg/context"
)

// Config holds the values of the global flags
type Config struct {
	ConfigFile string
	Dir        string
	Verbosity  string
	Version    string
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		Dir:     ".",
		Version: "dev",
	}
}

// RuntimeConfig holds runtime configuration for one command invocation
type RuntimeConfig struct {
	Config    *Config
	Context   context.Context
	StartTime time.Time
	RequestID string
}

// NewRuntimeConfig creates a runtime configuration whose context carries
// a fresh request id and the start time
func NewRuntimeConfig(cfg *Config, ctx context.Context) *RuntimeConfig {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	id := dctx.GenerateRequestID()

	return &RuntimeConfig{
		Config:    cfg,
		Context:   dctx.WithStartTime(dctx.WithRequestID(ctx, id), start),
		StartTime: start,
		RequestID: id,
	}
}
