// Package config holds the sync engine's configuration: a frozen struct
// produced by an explicit builder, validated before the engine starts.
// Unknown-field tolerance lives in the loader (viper), never in the core.
package config

import (
	"fmt"
	"time"

	"github.com/josedab/pocket-go/internal/conflict"
)

// Direction restricts which way changes flow.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
	DirectionBoth Direction = "both"
)

// Config is the engine's frozen configuration. Build one with NewBuilder;
// zero values are filled with the documented defaults there.
type Config struct {
	// ServerURL is the base URL of the sync server (http:// or https://).
	ServerURL string
	// AuthToken is presented in the handshake when set.
	AuthToken string
	// NodeID identifies this replica. Required.
	NodeID string

	// Collections restricts syncing; empty means "all collections with
	// pending changes".
	Collections []string
	Direction   Direction

	ConflictStrategy conflict.Strategy
	CustomMerge      conflict.MergeFunc

	AutoRetry        bool
	RetryDelay       time.Duration
	MaxRetryAttempts int

	UseStreamingTransport bool
	RequestTimeout        time.Duration

	// PullInterval is the pull-tick cadence; 0 disables periodic pulls.
	PullInterval time.Duration
	BatchSize    int

	// Adaptive controller knobs.
	MinBatch             int
	MaxBatch             int
	MinInterval          time.Duration
	MaxInterval          time.Duration
	EnableCompression    bool
	NetworkCheckInterval time.Duration
	PowerSaveThreshold   float64
	Priorities           map[string]int

	// Circuit breaker knobs.
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int

	// DataDir enables durable checkpoint and ledger state when set; empty
	// keeps engine state in memory.
	DataDir string
}

// Builder accumulates settings and freezes them into a Config.
type Builder struct {
	cfg Config
}

// NewBuilder starts from the documented defaults.
func NewBuilder(serverURL, nodeID string) *Builder {
	return &Builder{cfg: Config{
		ServerURL:             serverURL,
		NodeID:                nodeID,
		Direction:             DirectionBoth,
		ConflictStrategy:      conflict.LastWriteWins,
		AutoRetry:             true,
		RetryDelay:            time.Second,
		MaxRetryAttempts:      5,
		UseStreamingTransport: true,
		RequestTimeout:        15 * time.Second,
		PullInterval:          30 * time.Second,
		BatchSize:             100,
		MinBatch:              10,
		MaxBatch:              500,
		MinInterval:           5 * time.Second,
		MaxInterval:           5 * time.Minute,
		EnableCompression:     true,
		NetworkCheckInterval:  30 * time.Second,
		PowerSaveThreshold:    0.2,
		FailureThreshold:      5,
		ResetTimeout:          30 * time.Second,
		SuccessThreshold:      2,
	}}
}

func (b *Builder) AuthToken(token string) *Builder         { b.cfg.AuthToken = token; return b }
func (b *Builder) Collections(names ...string) *Builder    { b.cfg.Collections = names; return b }
func (b *Builder) Direction(d Direction) *Builder          { b.cfg.Direction = d; return b }
func (b *Builder) AutoRetry(on bool) *Builder              { b.cfg.AutoRetry = on; return b }
func (b *Builder) RetryDelay(d time.Duration) *Builder     { b.cfg.RetryDelay = d; return b }
func (b *Builder) MaxRetryAttempts(n int) *Builder         { b.cfg.MaxRetryAttempts = n; return b }
func (b *Builder) Streaming(on bool) *Builder              { b.cfg.UseStreamingTransport = on; return b }
func (b *Builder) RequestTimeout(d time.Duration) *Builder { b.cfg.RequestTimeout = d; return b }
func (b *Builder) PullInterval(d time.Duration) *Builder   { b.cfg.PullInterval = d; return b }
func (b *Builder) BatchSize(n int) *Builder                { b.cfg.BatchSize = n; return b }
func (b *Builder) DataDir(dir string) *Builder             { b.cfg.DataDir = dir; return b }
func (b *Builder) EnableCompression(on bool) *Builder      { b.cfg.EnableCompression = on; return b }
func (b *Builder) Priorities(p map[string]int) *Builder    { b.cfg.Priorities = p; return b }

// BatchBounds sets the adaptive batch clamp.
func (b *Builder) BatchBounds(min, max int) *Builder {
	b.cfg.MinBatch, b.cfg.MaxBatch = min, max
	return b
}

// IntervalBounds sets the adaptive interval clamp.
func (b *Builder) IntervalBounds(min, max time.Duration) *Builder {
	b.cfg.MinInterval, b.cfg.MaxInterval = min, max
	return b
}

// Breaker sets the circuit breaker thresholds.
func (b *Builder) Breaker(failureThreshold int, resetTimeout time.Duration, successThreshold int) *Builder {
	b.cfg.FailureThreshold = failureThreshold
	b.cfg.ResetTimeout = resetTimeout
	b.cfg.SuccessThreshold = successThreshold
	return b
}

// ConflictStrategy selects the resolver. Merge callbacks are only consulted
// for the custom strategy.
func (b *Builder) ConflictStrategy(s conflict.Strategy, custom conflict.MergeFunc) *Builder {
	b.cfg.ConflictStrategy = s
	b.cfg.CustomMerge = custom
	return b
}

// Build validates and freezes the configuration.
func (b *Builder) Build() (Config, error) {
	cfg := b.cfg
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate refuses configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	switch c.Direction {
	case DirectionPush, DirectionPull, DirectionBoth:
	default:
		return fmt.Errorf("config: invalid direction %q", c.Direction)
	}
	switch c.ConflictStrategy {
	case conflict.ServerWins, conflict.ClientWins, conflict.LastWriteWins, conflict.Merge:
	case conflict.Custom:
		if c.CustomMerge == nil {
			return fmt.Errorf("config: custom conflict strategy requires a merge callback")
		}
	default:
		return fmt.Errorf("config: invalid conflict strategy %q", c.ConflictStrategy)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive")
	}
	if c.MinBatch <= 0 || c.MaxBatch < c.MinBatch {
		return fmt.Errorf("config: batch bounds must satisfy 0 < min_batch <= max_batch")
	}
	if c.MinInterval < 0 || (c.MaxInterval > 0 && c.MaxInterval < c.MinInterval) {
		return fmt.Errorf("config: interval bounds must satisfy min_interval <= max_interval")
	}
	if c.PullInterval < 0 {
		return fmt.Errorf("config: pull_interval must be zero or positive")
	}
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("config: max_retry_attempts must be positive")
	}
	if c.FailureThreshold <= 0 || c.SuccessThreshold <= 0 {
		return fmt.Errorf("config: breaker thresholds must be positive")
	}
	return nil
}

// PushEnabled reports whether local changes flow to the server.
func (c Config) PushEnabled() bool {
	return c.Direction == DirectionPush || c.Direction == DirectionBoth
}

// PullEnabled reports whether remote changes flow to the local store.
func (c Config) PullEnabled() bool {
	return c.Direction == DirectionPull || c.Direction == DirectionBoth
}
