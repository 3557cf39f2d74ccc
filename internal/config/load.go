package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/josedab/pocket-go/internal/conflict"
	"github.com/spf13/viper"
)

// Load reads engine configuration for the binaries: defaults, then an
// optional YAML file, then POCKET_* environment variables, highest last.
// Unknown keys in the file are tolerated here; Validate still gates what
// reaches the engine.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("direction", string(DirectionBoth))
	v.SetDefault("conflict_strategy", "last-write-wins")
	v.SetDefault("auto_retry", true)
	v.SetDefault("retry_delay_ms", 1000)
	v.SetDefault("max_retry_attempts", 5)
	v.SetDefault("use_streaming_transport", true)
	v.SetDefault("request_timeout_ms", 15000)
	v.SetDefault("pull_interval_ms", 30000)
	v.SetDefault("batch_size", 100)
	v.SetDefault("min_batch", 10)
	v.SetDefault("max_batch", 500)
	v.SetDefault("min_interval_ms", 5000)
	v.SetDefault("max_interval_ms", 300000)
	v.SetDefault("enable_compression", true)
	v.SetDefault("network_check_interval_ms", 30000)
	v.SetDefault("power_save_threshold", 0.2)
	v.SetDefault("failure_threshold", 5)
	v.SetDefault("reset_timeout_ms", 30000)
	v.SetDefault("success_threshold", 2)

	v.SetEnvPrefix("POCKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	b := NewBuilder(v.GetString("server_url"), v.GetString("node_id")).
		AuthToken(v.GetString("auth_token")).
		Direction(Direction(v.GetString("direction"))).
		ConflictStrategy(conflict.Strategy(v.GetString("conflict_strategy")), nil).
		AutoRetry(v.GetBool("auto_retry")).
		RetryDelay(time.Duration(v.GetInt("retry_delay_ms")) * time.Millisecond).
		MaxRetryAttempts(v.GetInt("max_retry_attempts")).
		Streaming(v.GetBool("use_streaming_transport")).
		RequestTimeout(time.Duration(v.GetInt("request_timeout_ms")) * time.Millisecond).
		PullInterval(time.Duration(v.GetInt("pull_interval_ms")) * time.Millisecond).
		BatchSize(v.GetInt("batch_size")).
		BatchBounds(v.GetInt("min_batch"), v.GetInt("max_batch")).
		IntervalBounds(
			time.Duration(v.GetInt("min_interval_ms"))*time.Millisecond,
			time.Duration(v.GetInt("max_interval_ms"))*time.Millisecond,
		).
		EnableCompression(v.GetBool("enable_compression")).
		Breaker(
			v.GetInt("failure_threshold"),
			time.Duration(v.GetInt("reset_timeout_ms"))*time.Millisecond,
			v.GetInt("success_threshold"),
		).
		DataDir(v.GetString("data_dir"))

	if cols := v.GetStringSlice("collections"); len(cols) > 0 {
		b.Collections(cols...)
	}

	b.cfg.NetworkCheckInterval = time.Duration(v.GetInt("network_check_interval_ms")) * time.Millisecond
	b.cfg.PowerSaveThreshold = v.GetFloat64("power_save_threshold")

	return b.Build()
}
