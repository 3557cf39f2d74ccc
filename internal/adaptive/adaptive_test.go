package adaptive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProfileDecisionTable(t *testing.T) {
	tests := []struct {
		name    string
		signals Signals
		want    Profile
	}{
		{"save data wins", Signals{SaveData: true, EffectiveType: Effective4G, BatteryLevel: -1}, ProfilePowerSave},
		{"battery saver wins", Signals{BatterySaver: true, BatteryLevel: -1}, ProfilePowerSave},
		{"battery below threshold", Signals{BatteryLevel: 0.1}, ProfilePowerSave},
		{"slow-2g", Signals{EffectiveType: EffectiveSlow2G, BatteryLevel: -1}, ProfileConservative},
		{"2g", Signals{EffectiveType: Effective2G, BatteryLevel: -1}, ProfileConservative},
		{"3g", Signals{EffectiveType: Effective3G, BatteryLevel: -1}, ProfileBalanced},
		{"high rtt", Signals{EffectiveType: Effective4G, RTT: 600 * time.Millisecond, BatteryLevel: -1}, ProfileBalanced},
		{"unconstrained", Signals{EffectiveType: Effective4G, RTT: 40 * time.Millisecond, BatteryLevel: 0.9}, ProfileAggressive},
		{"unknown signals default aggressive", Signals{BatteryLevel: -1}, ProfileAggressive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(DefaultConfig())
			c.Update(tt.signals)
			assert.Equal(t, tt.want, c.Settings(nil).Profile)
		})
	}
}

func TestSettingsBoundsClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseBatch = 100
	cfg.MinBatch = 25
	cfg.MaxBatch = 200
	cfg.MinInterval = 10 * time.Second
	cfg.MaxInterval = time.Minute

	c := NewController(cfg)

	// Power-save pins to the floor batch and ceiling interval.
	c.Update(Signals{SaveData: true, BatteryLevel: -1})
	s := c.Settings(nil)
	assert.Equal(t, 25, s.BatchSize)
	assert.Equal(t, time.Minute, s.Interval)

	// Aggressive pins to the ceiling batch.
	c.Update(Signals{EffectiveType: Effective4G, BatteryLevel: -1})
	s = c.Settings(nil)
	assert.Equal(t, 200, s.BatchSize)
	assert.GreaterOrEqual(t, s.Interval, cfg.MinInterval)
}

func TestCompressionPerProfile(t *testing.T) {
	c := NewController(DefaultConfig())

	c.Update(Signals{EffectiveType: Effective4G, BatteryLevel: -1})
	assert.False(t, c.Settings(nil).Compression, "aggressive skips compression")

	c.Update(Signals{EffectiveType: Effective3G, BatteryLevel: -1})
	assert.True(t, c.Settings(nil).Compression)

	c.Update(Signals{EffectiveType: Effective2G, BatteryLevel: -1})
	assert.True(t, c.Settings(nil).Compression)

	// Master switch off: never compress.
	cfg := DefaultConfig()
	cfg.EnableCompression = false
	c2 := NewController(cfg)
	c2.Update(Signals{EffectiveType: Effective2G, BatteryLevel: -1})
	assert.False(t, c2.Settings(nil).Compression)
}

func TestLowSuccessRateBacksOff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseBatch = 100
	c := NewController(cfg)
	c.Update(Signals{EffectiveType: Effective3G, BatteryLevel: -1})

	before := c.Settings(nil)

	for i := 0; i < 8; i++ {
		c.ObserveSync(time.Second, false)
	}
	c.ObserveSync(time.Second, true)

	after := c.Settings(nil)
	assert.Less(t, after.BatchSize, before.BatchSize)
	assert.Greater(t, after.Interval, before.Interval)
}

func TestPriorityOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Priorities = map[string]int{"critical": 10, "todos": 1}
	c := NewController(cfg)

	pendingByCollection := map[string]int{"todos": 3, "notes": 9, "archive": 1}
	c.SetPendingFunc(func(name string) int { return pendingByCollection[name] })

	got := c.Settings([]string{"archive", "todos", "notes", "critical"}).Priorities

	// critical first on configured priority, then todos (priority 1), then
	// the rest by pending count.
	assert.Equal(t, []string{"critical", "todos", "notes", "archive"}, got)
}
