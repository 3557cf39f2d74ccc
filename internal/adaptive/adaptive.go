// Package adaptive tunes how the sync engine behaves for the network and
// power conditions it is running under.
//
// Inputs are cheap signals: connection type, effective bandwidth class,
// round-trip latency, save-data and battery state, plus the engine's own
// observations (sync durations, success rate). The output is one immutable
// Settings snapshot: batch size, pull interval, compression, profile, and
// the collection ordering for the next cycle.
package adaptive

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Profile is the coarse operating mode the decision table selects.
type Profile string

const (
	ProfileAggressive   Profile = "aggressive"
	ProfileBalanced     Profile = "balanced"
	ProfileConservative Profile = "conservative"
	ProfilePowerSave    Profile = "power-save"
)

// Effective bandwidth classes, after the navigator.connection vocabulary.
const (
	EffectiveSlow2G = "slow-2g"
	Effective2G     = "2g"
	Effective3G     = "3g"
	Effective4G     = "4g"
)

// Signals is one sample of the environment.
type Signals struct {
	ConnectionType string        // "wifi", "cellular", "ethernet", "" for unknown
	EffectiveType  string        // bandwidth class, "" for unknown
	RTT            time.Duration // round-trip latency, 0 for unknown
	SaveData       bool
	BatteryLevel   float64 // 0..1, negative when unknown
	BatterySaver   bool
}

// Probe samples Signals. The default probe reports an unconstrained
// environment; platforms with real connectivity APIs plug their own in, and
// tests inject fixed samples.
type Probe interface {
	Sample(ctx context.Context) (Signals, error)
}

// StaticProbe always returns the same sample.
type StaticProbe struct{ Signals Signals }

func (p StaticProbe) Sample(context.Context) (Signals, error) { return p.Signals, nil }

// Settings is the snapshot the engine consumes each cycle.
type Settings struct {
	BatchSize   int
	Interval    time.Duration
	Compression bool
	Profile     Profile
	Priorities  []string
}

// Config bounds the controller's outputs.
type Config struct {
	BaseBatch    int           // the configured batch_size
	MinBatch     int
	MaxBatch     int
	BaseInterval time.Duration // the configured pull interval
	MinInterval  time.Duration
	MaxInterval  time.Duration

	// EnableCompression is the master switch; profiles decide within it.
	EnableCompression bool

	NetworkCheckInterval time.Duration

	// PowerSaveThreshold is the battery level at or below which the
	// controller drops to power-save even without an explicit saver signal.
	PowerSaveThreshold float64

	// Priorities maps collection name to configured priority; higher syncs
	// first. Unlisted collections have priority 0.
	Priorities map[string]int
}

// DefaultConfig mirrors the engine defaults.
func DefaultConfig() Config {
	return Config{
		BaseBatch:            100,
		MinBatch:             10,
		MaxBatch:             500,
		BaseInterval:         30 * time.Second,
		MinInterval:          5 * time.Second,
		MaxInterval:          5 * time.Minute,
		EnableCompression:    true,
		NetworkCheckInterval: 30 * time.Second,
		PowerSaveThreshold:   0.2,
	}
}

// Controller derives Settings from the latest signals and observations.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	signals Signals

	// Rolling window of recent sync outcomes.
	durations []time.Duration
	successes int
	failures  int

	// pending is consulted when ordering collections; the engine wires the
	// ledger's per-collection pending count in.
	pending func(collection string) int
}

// NewController creates a Controller with unknown signals (everything
// unconstrained until the first probe).
func NewController(cfg Config) *Controller {
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = 1
	}
	if cfg.MaxBatch < cfg.MinBatch {
		cfg.MaxBatch = cfg.MinBatch
	}
	if cfg.BaseBatch <= 0 {
		cfg.BaseBatch = cfg.MaxBatch
	}
	return &Controller{
		cfg:     cfg,
		signals: Signals{BatteryLevel: -1},
	}
}

// Update feeds a new signal sample.
func (c *Controller) Update(s Signals) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = s
}

// SetPendingFunc wires the per-collection pending counter used for
// priority ordering.
func (c *Controller) SetPendingFunc(pending func(collection string) int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = pending
}

// ObserveSync records the outcome of one sync cycle. The last 20 samples
// form the rolling window.
func (c *Controller) ObserveSync(d time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.durations = append(c.durations, d)
	if len(c.durations) > 20 {
		c.durations = c.durations[1:]
	}
	if success {
		c.successes++
	} else {
		c.failures++
	}
	// Keep the outcome window bounded the same way.
	if c.successes+c.failures > 20 {
		if c.successes > c.failures {
			c.successes--
		} else {
			c.failures--
		}
	}
}

// Settings derives the current snapshot. collections is the candidate set to
// order; it is returned re-ordered by (priority desc, pending desc).
func (c *Controller) Settings(collections []string) Settings {
	c.mu.Lock()
	defer c.mu.Unlock()

	profile := c.selectProfileLocked()
	s := Settings{Profile: profile}

	switch profile {
	case ProfileAggressive:
		s.BatchSize = c.cfg.MaxBatch
		s.Interval = c.cfg.BaseInterval
	case ProfileBalanced:
		s.BatchSize = c.cfg.BaseBatch
		s.Interval = c.cfg.BaseInterval
	case ProfileConservative:
		s.BatchSize = c.cfg.BaseBatch / 2
		s.Interval = c.cfg.BaseInterval * 2
	case ProfilePowerSave:
		s.BatchSize = c.cfg.MinBatch
		s.Interval = c.cfg.MaxInterval
	}

	// A struggling link gets smaller batches and a longer breath between
	// cycles, whatever the profile says.
	if rate, ok := c.successRateLocked(); ok && rate < 0.5 {
		s.BatchSize /= 2
		s.Interval *= 2
	}

	s.BatchSize = clampInt(s.BatchSize, c.cfg.MinBatch, c.cfg.MaxBatch)
	s.Interval = clampDuration(s.Interval, c.cfg.MinInterval, c.cfg.MaxInterval)

	s.Compression = c.cfg.EnableCompression && profile != ProfileAggressive

	s.Priorities = c.orderLocked(collections)
	return s
}

// Run re-probes the environment on the configured cadence until ctx ends.
func (c *Controller) Run(ctx context.Context, probe Probe) {
	interval := c.cfg.NetworkCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s, err := probe.Sample(ctx); err == nil {
				c.Update(s)
			}
		}
	}
}

// selectProfileLocked is the decision table:
//
//	save-data or battery-saver (or battery below threshold) → power-save
//	slow-2g / 2g                                            → conservative
//	3g or rtt > 500ms                                       → balanced
//	otherwise                                               → aggressive
func (c *Controller) selectProfileLocked() Profile {
	s := c.signals
	saverOn := s.BatterySaver ||
		(s.BatteryLevel >= 0 && s.BatteryLevel <= c.cfg.PowerSaveThreshold)
	switch {
	case s.SaveData || saverOn:
		return ProfilePowerSave
	case s.EffectiveType == EffectiveSlow2G || s.EffectiveType == Effective2G:
		return ProfileConservative
	case s.EffectiveType == Effective3G || s.RTT > 500*time.Millisecond:
		return ProfileBalanced
	default:
		return ProfileAggressive
	}
}

func (c *Controller) successRateLocked() (float64, bool) {
	total := c.successes + c.failures
	if total < 5 {
		return 0, false // not enough history to judge
	}
	return float64(c.successes) / float64(total), true
}

func (c *Controller) orderLocked(collections []string) []string {
	out := make([]string, len(collections))
	copy(out, collections)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := c.cfg.Priorities[out[i]], c.cfg.Priorities[out[j]]
		if pi != pj {
			return pi > pj
		}
		if c.pending != nil {
			ni, nj := c.pending(out[i]), c.pending(out[j])
			if ni != nj {
				return ni > nj
			}
		}
		return false
	})
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if lo > 0 && v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
