package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/josedab/pocket-go/internal/conflict"
	"github.com/josedab/pocket-go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderDefaults(t *testing.T) {
	cfg, err := NewBuilder("http://localhost:8080", "node-a").Build()
	require.NoError(t, err)

	assert.Equal(t, DirectionBoth, cfg.Direction)
	assert.Equal(t, conflict.LastWriteWins, cfg.ConflictStrategy)
	assert.True(t, cfg.AutoRetry)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, 5, cfg.MaxRetryAttempts)
	assert.True(t, cfg.UseStreamingTransport)
	assert.Equal(t, 30*time.Second, cfg.PullInterval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.ResetTimeout)
	assert.Equal(t, 2, cfg.SuccessThreshold)
	assert.True(t, cfg.PushEnabled())
	assert.True(t, cfg.PullEnabled())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Builder)
	}{
		{"missing server url", func(b *Builder) { b.cfg.ServerURL = "" }},
		{"missing node id", func(b *Builder) { b.cfg.NodeID = "" }},
		{"bad direction", func(b *Builder) { b.cfg.Direction = "sideways" }},
		{"bad strategy", func(b *Builder) { b.cfg.ConflictStrategy = "coin-flip" }},
		{"custom without callback", func(b *Builder) { b.cfg.ConflictStrategy = conflict.Custom }},
		{"zero batch", func(b *Builder) { b.cfg.BatchSize = 0 }},
		{"inverted batch bounds", func(b *Builder) { b.cfg.MinBatch = 50; b.cfg.MaxBatch = 10 }},
		{"negative pull interval", func(b *Builder) { b.cfg.PullInterval = -time.Second }},
		{"zero retry attempts", func(b *Builder) { b.cfg.MaxRetryAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder("http://localhost:8080", "node-a")
			tt.mutate(b)
			_, err := b.Build()
			assert.Error(t, err)
		})
	}
}

func TestCustomStrategyWithCallback(t *testing.T) {
	merge := func(local, remote, base store.Document) (store.Document, error) { return local, nil }
	cfg, err := NewBuilder("http://localhost:8080", "node-a").
		ConflictStrategy(conflict.Custom, merge).
		Build()
	require.NoError(t, err)
	assert.NotNil(t, cfg.CustomMerge)
}

func TestDirectionFlags(t *testing.T) {
	cfg, err := NewBuilder("http://x", "n").Direction(DirectionPush).Build()
	require.NoError(t, err)
	assert.True(t, cfg.PushEnabled())
	assert.False(t, cfg.PullEnabled())

	cfg, err = NewBuilder("http://x", "n").Direction(DirectionPull).Build()
	require.NoError(t, err)
	assert.False(t, cfg.PushEnabled())
	assert.True(t, cfg.PullEnabled())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pocket.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url: http://sync.example.com
node_id: laptop-1
conflict_strategy: merge
batch_size: 50
pull_interval_ms: 10000
collections:
  - todos
  - notes
some_future_knob: tolerated
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://sync.example.com", cfg.ServerURL)
	assert.Equal(t, "laptop-1", cfg.NodeID)
	assert.Equal(t, conflict.Merge, cfg.ConflictStrategy)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.PullInterval)
	assert.Equal(t, []string{"todos", "notes"}, cfg.Collections)
}

func TestLoadRejectsIncomplete(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err, "no server_url or node_id anywhere")
}
