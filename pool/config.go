package pool

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// WorkerConfig describes how worker subprocesses are launched.
type WorkerConfig struct {
	ExecPath    string            `json:"exec_path"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	Cwd         string            `json:"cwd"`
	MaxInFlight int               `json:"max_in_flight"`
}

// Config is the full pool configuration surface.
type Config struct {
	PoolName      string `json:"pool_name"`
	PoolSize      int    `json:"pool_size"`
	MinReady      int    `json:"min_ready"`
	MaxQueueDepth int    `json:"max_queue_depth"`

	CheckoutTimeout time.Duration `json:"checkout_timeout"`
	RequestTimeout  time.Duration `json:"request_timeout"`
	InitTimeout     time.Duration `json:"init_timeout"`
	DrainTimeout    time.Duration `json:"drain_timeout"`
	HealthInterval  time.Duration `json:"health_interval"`
	HealthTimeout   time.Duration `json:"health_timeout"`

	MaxRestarts       int           `json:"max_restarts"`
	MaxRestartsWindow time.Duration `json:"max_restarts_window"`

	MaxFrameBytes  int `json:"max_frame_bytes"`
	MaxMessageSize int `json:"max_message_size"`

	SessionIdleTTL time.Duration `json:"session_idle_ttl"`
	MaxSessions    int           `json:"max_sessions"`

	MaxRequestsPerWorker int  `json:"max_requests_per_worker"`
	HotReload            bool `json:"hot_reload"`

	ListenAddr string `json:"listen_addr"`

	Worker WorkerConfig `json:"worker"`
}

// DefaultConfig returns the defaults used when keys are missing or
// invalid. The worker exec path has no default; it is required.
func DefaultConfig() *Config {
	size := runtime.NumCPU() * 2
	if size > 8 {
		size = 8
	}
	return &Config{
		PoolName:          "default",
		PoolSize:          size,
		MinReady:          1,
		MaxQueueDepth:     1000,
		CheckoutTimeout:   5 * time.Second,
		RequestTimeout:    30 * time.Second,
		InitTimeout:       10 * time.Second,
		DrainTimeout:      5 * time.Second,
		HealthInterval:    30 * time.Second,
		HealthTimeout:     2 * time.Second,
		MaxRestarts:       5,
		MaxRestartsWindow: 60 * time.Second,
		MaxFrameBytes:     DefaultMaxFrameBytes,
		MaxMessageSize:    10 << 20,
		SessionIdleTTL:    time.Hour,
		MaxSessions:       10000,
		ListenAddr:        ":8080",
		Worker: WorkerConfig{
			MaxInFlight: 1,
		},
	}
}

// LoadConfig reads poolserver.yaml (or the explicit path) plus POOL_*
// environment overrides. Invalid values are replaced by the default
// rather than failing startup (see normalize for which substitutions
// are logged); a missing worker exec path is the one hard error.
func LoadConfig(path string, logger *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultConfig()
	v.SetDefault("pool_name", def.PoolName)
	v.SetDefault("pool_size", def.PoolSize)
	v.SetDefault("min_ready", def.MinReady)
	v.SetDefault("max_queue_depth", def.MaxQueueDepth)
	v.SetDefault("checkout_timeout_ms", int(def.CheckoutTimeout/time.Millisecond))
	v.SetDefault("request_timeout_ms", int(def.RequestTimeout/time.Millisecond))
	v.SetDefault("init_timeout_ms", int(def.InitTimeout/time.Millisecond))
	v.SetDefault("drain_timeout_ms", int(def.DrainTimeout/time.Millisecond))
	v.SetDefault("health_interval_ms", int(def.HealthInterval/time.Millisecond))
	v.SetDefault("health_timeout_ms", int(def.HealthTimeout/time.Millisecond))
	v.SetDefault("max_restarts", def.MaxRestarts)
	v.SetDefault("max_restarts_window_ms", int(def.MaxRestartsWindow/time.Millisecond))
	v.SetDefault("max_frame_bytes", def.MaxFrameBytes)
	v.SetDefault("max_message_size", def.MaxMessageSize)
	v.SetDefault("session_idle_ttl_ms", int(def.SessionIdleTTL/time.Millisecond))
	v.SetDefault("max_sessions", def.MaxSessions)
	v.SetDefault("max_requests_per_worker", 0)
	v.SetDefault("hot_reload", false)
	v.SetDefault("listen_addr", def.ListenAddr)
	v.SetDefault("worker.args", []string{})
	v.SetDefault("worker.max_in_flight", def.Worker.MaxInFlight)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("poolserver")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if os.IsNotExist(err) || errors.As(err, &notFound) {
			logger.Info("no config file found, using defaults and environment",
				zap.String("path", path))
		} else {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{
		PoolName:             v.GetString("pool_name"),
		PoolSize:             v.GetInt("pool_size"),
		MinReady:             v.GetInt("min_ready"),
		MaxQueueDepth:        v.GetInt("max_queue_depth"),
		CheckoutTimeout:      time.Duration(v.GetInt("checkout_timeout_ms")) * time.Millisecond,
		RequestTimeout:       time.Duration(v.GetInt("request_timeout_ms")) * time.Millisecond,
		InitTimeout:          time.Duration(v.GetInt("init_timeout_ms")) * time.Millisecond,
		DrainTimeout:         time.Duration(v.GetInt("drain_timeout_ms")) * time.Millisecond,
		HealthInterval:       time.Duration(v.GetInt("health_interval_ms")) * time.Millisecond,
		HealthTimeout:        time.Duration(v.GetInt("health_timeout_ms")) * time.Millisecond,
		MaxRestarts:          v.GetInt("max_restarts"),
		MaxRestartsWindow:    time.Duration(v.GetInt("max_restarts_window_ms")) * time.Millisecond,
		MaxFrameBytes:        v.GetInt("max_frame_bytes"),
		MaxMessageSize:       v.GetInt("max_message_size"),
		SessionIdleTTL:       time.Duration(v.GetInt("session_idle_ttl_ms")) * time.Millisecond,
		MaxSessions:          v.GetInt("max_sessions"),
		MaxRequestsPerWorker: v.GetInt("max_requests_per_worker"),
		HotReload:            v.GetBool("hot_reload"),
		ListenAddr:           v.GetString("listen_addr"),
		Worker: WorkerConfig{
			ExecPath:    v.GetString("worker.exec_path"),
			Args:        v.GetStringSlice("worker.args"),
			Env:         v.GetStringMapString("worker.env"),
			Cwd:         v.GetString("worker.cwd"),
			MaxInFlight: v.GetInt("worker.max_in_flight"),
		},
	}

	cfg.normalize(logger)

	if cfg.Worker.ExecPath == "" {
		return nil, fmt.Errorf("worker.exec_path is required")
	}
	return cfg, nil
}

// normalize replaces out-of-range values with defaults. Substitutions
// of pool_size, min_ready, max_queue_depth and max_message_size are
// logged; the other keys are replaced without a log line.
func (c *Config) normalize(logger *zap.Logger) {
	def := DefaultConfig()

	if c.PoolSize <= 0 {
		logger.Warn("pool_size is invalid, falling back",
			zap.Int("got", c.PoolSize), zap.Int("using", def.PoolSize))
		c.PoolSize = def.PoolSize
	}
	if c.MinReady <= 0 || c.MinReady > c.PoolSize {
		logger.Warn("min_ready is invalid, falling back",
			zap.Int("got", c.MinReady), zap.Int("using", def.MinReady))
		c.MinReady = def.MinReady
	}
	if c.MaxQueueDepth <= 0 {
		logger.Warn("max_queue_depth is invalid, falling back",
			zap.Int("got", c.MaxQueueDepth), zap.Int("using", def.MaxQueueDepth))
		c.MaxQueueDepth = def.MaxQueueDepth
	}
	if c.CheckoutTimeout <= 0 {
		c.CheckoutTimeout = def.CheckoutTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = def.InitTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = def.HealthTimeout
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = def.MaxRestarts
	}
	if c.MaxRestartsWindow <= 0 {
		c.MaxRestartsWindow = def.MaxRestartsWindow
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.MaxMessageSize <= 0 || c.MaxMessageSize > c.MaxFrameBytes {
		logger.Warn("max_message_size is invalid, falling back",
			zap.Int("got", c.MaxMessageSize), zap.Int("using", def.MaxMessageSize))
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SessionIdleTTL <= 0 {
		c.SessionIdleTTL = def.SessionIdleTTL
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = def.MaxSessions
	}
	if c.MaxRequestsPerWorker < 0 {
		c.MaxRequestsPerWorker = 0
	}
	if c.Worker.MaxInFlight <= 0 {
		c.Worker.MaxInFlight = def.Worker.MaxInFlight
	}
	if c.PoolName == "" {
		c.PoolName = def.PoolName
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
}
