// Package config loads the spec §6.3 option set from a YAML file, with
// every field overridable by an environment variable, the layered
// file-then-env idiom seen across the retrieved corpus. YAML structure
// and tags follow cuemby-warren's cmd/warren/apply.go
// (os.ReadFile + yaml.Unmarshal into a tagged struct).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts either a YAML string ("1500ms", "30s") parsed via
// time.ParseDuration, or a bare integer read as milliseconds, matching
// spec §6.3's "1000ms"-style defaults without requiring every config file
// author to quote a Go duration string.
type Duration time.Duration

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var asString string
	if err := node.Decode(&asString); err == nil && asString != "" {
		// yaml.v3 decodes an integer scalar into a string too, so a bare
		// number has to be recognized here rather than in the fallback.
		if ms, ierr := strconv.ParseInt(asString, 10, 64); ierr == nil {
			*d = Duration(time.Duration(ms) * time.Millisecond)
			return nil
		}
		parsed, perr := time.ParseDuration(asString)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", asString, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var asMillis int64
	if err := node.Decode(&asMillis); err != nil {
		return fmt.Errorf("duration must be a string like \"1s\" or a number of milliseconds: %w", err)
	}
	*d = Duration(time.Duration(asMillis) * time.Millisecond)
	return nil
}

// Reconnect mirrors network.reconnect.*.
type Reconnect struct {
	InitialDelay Duration `yaml:"initialDelay"`
	MaxDelay     Duration `yaml:"maxDelay"`
	Multiplier   float64  `yaml:"multiplier"`
	MaxAttempts  int      `yaml:"maxAttempts"`
}

// Heartbeat mirrors network.heartbeat.*.
type Heartbeat struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// Queue mirrors network.queue.*.
type Queue struct {
	MaxSize      int      `yaml:"maxSize"`
	MaxRetries   uint32   `yaml:"maxRetries"`
	RetryDelay   Duration `yaml:"retryDelay"`
	RetryBackoff float64  `yaml:"retryBackoff"`
}

// Network groups the three network.* option families.
type Network struct {
	Reconnect Reconnect `yaml:"reconnect"`
	Heartbeat Heartbeat `yaml:"heartbeat"`
	Queue     Queue     `yaml:"queue"`
}

// Config is the full spec §6.3 option set.
type Config struct {
	ServerURL string `yaml:"serverUrl"`
	ClientID  string `yaml:"clientId"`
	Storage   string `yaml:"storage"`

	Network Network `yaml:"network"`

	AckTimeout          Duration `yaml:"ackTimeout"`
	SyncResponseTimeout Duration `yaml:"syncResponseTimeout"`
}

// Default matches the documented defaults from spec §6.3.
func Default() Config {
	return Config{
		Storage: "bolt",
		Network: Network{
			Reconnect: Reconnect{
				InitialDelay: Duration(time.Second),
				MaxDelay:     Duration(30 * time.Second),
				Multiplier:   1.5,
				MaxAttempts:  0,
			},
			Heartbeat: Heartbeat{
				Interval: Duration(30 * time.Second),
				Timeout:  Duration(5 * time.Second),
			},
			Queue: Queue{
				MaxSize:      1000,
				MaxRetries:   5,
				RetryDelay:   Duration(time.Second),
				RetryBackoff: 2.0,
			},
		},
		AckTimeout:          Duration(5 * time.Second),
		SyncResponseTimeout: Duration(10 * time.Second),
	}
}

// TransportConfig maps this configuration's network/timeout fields onto
// the shape internal/transport.Config expects. Kept here (rather than in
// internal/transport, which must not import internal/config) to avoid a
// dependency from the transport package back onto configuration parsing.
type TransportConfig struct {
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMultiplier   float64
	ReconnectMaxAttempts  int
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	AckTimeout            time.Duration
	SyncResponseTimeout   time.Duration
}

// Transport projects the transport-relevant fields as plain
// time.Duration values.
func (c Config) Transport() TransportConfig {
	return TransportConfig{
		ReconnectInitialDelay: c.Network.Reconnect.InitialDelay.Std(),
		ReconnectMaxDelay:     c.Network.Reconnect.MaxDelay.Std(),
		ReconnectMultiplier:   c.Network.Reconnect.Multiplier,
		ReconnectMaxAttempts:  c.Network.Reconnect.MaxAttempts,
		HeartbeatInterval:     c.Network.Heartbeat.Interval.Std(),
		HeartbeatTimeout:      c.Network.Heartbeat.Timeout.Std(),
		AckTimeout:            c.AckTimeout.Std(),
		SyncResponseTimeout:   c.SyncResponseTimeout.Std(),
	}
}

// QueueConfig maps this configuration's network.queue.* fields onto the
// shape internal/queue.Config expects.
type QueueConfig struct {
	MaxSize      int
	MaxRetries   uint32
	RetryDelay   time.Duration
	RetryBackoff float64
}

func (c Config) QueueSettings() QueueConfig {
	return QueueConfig{
		MaxSize:      c.Network.Queue.MaxSize,
		MaxRetries:   c.Network.Queue.MaxRetries,
		RetryDelay:   c.Network.Queue.RetryDelay.Std(),
		RetryBackoff: c.Network.Queue.RetryBackoff,
	}
}

// Load reads path (if it exists - a missing file is not an error, matching
// serverUrl's "unset = offline-only mode" semantics) and applies it over
// Default(), then applies environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if uerr := yaml.Unmarshal(data, &cfg); uerr != nil {
				return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, uerr)
			}
		case os.IsNotExist(err):
			// offline-only mode: proceed with defaults
		default:
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("SYNC_SERVER_URL"); ok {
		cfg.ServerURL = v
	}
	if v, ok := os.LookupEnv("SYNC_CLIENT_ID"); ok {
		cfg.ClientID = v
	}
	if v, ok := os.LookupEnv("SYNC_STORAGE"); ok {
		cfg.Storage = v
	}
	if v, ok := lookupDuration("SYNC_RECONNECT_INITIAL_DELAY"); ok {
		cfg.Network.Reconnect.InitialDelay = v
	}
	if v, ok := lookupDuration("SYNC_RECONNECT_MAX_DELAY"); ok {
		cfg.Network.Reconnect.MaxDelay = v
	}
	if v, ok := lookupFloat("SYNC_RECONNECT_MULTIPLIER"); ok {
		cfg.Network.Reconnect.Multiplier = v
	}
	if v, ok := lookupInt("SYNC_RECONNECT_MAX_ATTEMPTS"); ok {
		cfg.Network.Reconnect.MaxAttempts = v
	}
	if v, ok := lookupDuration("SYNC_HEARTBEAT_INTERVAL"); ok {
		cfg.Network.Heartbeat.Interval = v
	}
	if v, ok := lookupDuration("SYNC_HEARTBEAT_TIMEOUT"); ok {
		cfg.Network.Heartbeat.Timeout = v
	}
	if v, ok := lookupInt("SYNC_QUEUE_MAX_SIZE"); ok {
		cfg.Network.Queue.MaxSize = v
	}
	if v, ok := lookupInt("SYNC_QUEUE_MAX_RETRIES"); ok {
		cfg.Network.Queue.MaxRetries = uint32(v)
	}
	if v, ok := lookupDuration("SYNC_QUEUE_RETRY_DELAY"); ok {
		cfg.Network.Queue.RetryDelay = v
	}
	if v, ok := lookupFloat("SYNC_QUEUE_RETRY_BACKOFF"); ok {
		cfg.Network.Queue.RetryBackoff = v
	}
	if v, ok := lookupDuration("SYNC_ACK_TIMEOUT"); ok {
		cfg.AckTimeout = v
	}
	if v, ok := lookupDuration("SYNC_SYNC_RESPONSE_TIMEOUT"); ok {
		cfg.SyncResponseTimeout = v
	}
}

func lookupDuration(key string) (Duration, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return Duration(d), true
}

func lookupFloat(key string) (float64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func lookupInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}
