// Package config loads classifyd configuration from defaults, an optional
// YAML file, CLASSIFYD_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CLASSIFYD_SERVER_PORT.
const EnvPrefix = "CLASSIFYD"

// Isolation modes.
const (
	IsolationProcess = "process"
	IsolationDocker  = "docker"
)

// Config holds the classifyd configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds the websocket listener configuration.
type ServerConfig struct {
	Host            string          `mapstructure:"host"`
	Port            int             `mapstructure:"port"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	MaxMessageBytes int64           `mapstructure:"max_message_bytes"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// RateLimitConfig is the per-client admission limit. A zero rate disables it.
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
	// TrustedProxies are addresses or CIDRs whose X-Forwarded-For header is honoured.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// ClassifierConfig selects the model store and the default classifier.
type ClassifierConfig struct {
	ID    string `mapstructure:"id"`
	Store string `mapstructure:"store"`
}

// SupervisorConfig tunes request supervision.
type SupervisorConfig struct {
	// Timeout bounds a single prediction. Zero disables it.
	Timeout       time.Duration `mapstructure:"timeout"`
	Heartbeat     time.Duration `mapstructure:"heartbeat"`
	KillGrace     time.Duration `mapstructure:"kill_grace"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// WorkerConfig selects how workers are isolated.
type WorkerConfig struct {
	Isolation string       `mapstructure:"isolation"`
	Command   []string     `mapstructure:"command"`
	Docker    DockerConfig `mapstructure:"docker"`
}

// DockerConfig describes worker containers.
type DockerConfig struct {
	Image    string  `mapstructure:"image"`
	MemoryMB int64   `mapstructure:"memory_mb"`
	CPUs     float64 `mapstructure:"cpus"`
	Pull     bool    `mapstructure:"pull"`
}

// RedisConfig enables the result feed when Addr is set.
type RedisConfig struct {
	Addr              string        `mapstructure:"addr"`
	Stream            string        `mapstructure:"stream"`
	Channel           string        `mapstructure:"channel"`
	MaxLen            int64         `mapstructure:"max_len"`
	Retention         time.Duration `mapstructure:"retention"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
}

// Enabled reports whether a feed should be created.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// flagKeys maps server flags to configuration keys.
var flagKeys = map[string]string{
	"host":       "server.host",
	"port":       "server.port",
	"classifier": "classifier.id",
	"store":      "classifier.store",
	"timeout":    "supervisor.timeout",
	"isolation":  "worker.isolation",
	"redis-addr": "redis.addr",
	"log-level":  "log.level",
	"log-format": "log.format",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8124)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_message_bytes", 64<<10)
	v.SetDefault("server.rate_limit.per_second", 0.0)
	v.SetDefault("server.rate_limit.burst", 10)
	v.SetDefault("server.rate_limit.trusted_proxies", []string{})

	v.SetDefault("classifier.id", "shopping")
	v.SetDefault("classifier.store", "data/classifiers")

	v.SetDefault("supervisor.timeout", 2*time.Minute)
	v.SetDefault("supervisor.heartbeat", time.Second)
	v.SetDefault("supervisor.kill_grace", 5*time.Second)
	v.SetDefault("supervisor.max_concurrent", 16)

	v.SetDefault("worker.isolation", IsolationProcess)
	v.SetDefault("worker.command", []string{"classifyd-worker"})
	v.SetDefault("worker.docker.image", "classifyd-worker:latest")
	v.SetDefault("worker.docker.memory_mb", 512)
	v.SetDefault("worker.docker.cpus", 1.0)
	v.SetDefault("worker.docker.pull", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.stream", "classifyd:results")
	v.SetDefault("redis.channel", "classifyd:live")
	v.SetDefault("redis.max_len", 10000)
	v.SetDefault("redis.retention", 24*time.Hour)
	v.SetDefault("redis.retention_interval", 10*time.Minute)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "classifyd")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load builds the configuration. path may be empty, in which case classifyd.yaml
// is looked up in the working directory and /etc/classifyd and skipped if absent.
// Flags that are present in flags override every other source.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("classifyd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/classifyd")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	case c.Server.MaxMessageBytes <= 0:
		return errors.New("invalid config: server.max_message_bytes must be positive")
	case c.Server.RateLimit.PerSecond < 0:
		return errors.New("invalid config: server.rate_limit.per_second must not be negative")
	case c.Server.RateLimit.PerSecond > 0 && c.Server.RateLimit.Burst < 1:
		return errors.New("invalid config: server.rate_limit.burst must be at least 1")
	case c.Classifier.ID == "":
		return errors.New("invalid config: classifier.id is required")
	case c.Classifier.Store == "":
		return errors.New("invalid config: classifier.store is required")
	case c.Supervisor.Timeout < 0:
		return errors.New("invalid config: supervisor.timeout must not be negative")
	case c.Supervisor.Heartbeat <= 0:
		return errors.New("invalid config: supervisor.heartbeat must be positive")
	case c.Supervisor.MaxConcurrent < 1:
		return errors.New("invalid config: supervisor.max_concurrent must be at least 1")
	}

	switch c.Worker.Isolation {
	case IsolationProcess:
		if len(c.Worker.Command) == 0 {
			return errors.New("invalid config: worker.command is required for process isolation")
		}
	case IsolationDocker:
		if c.Worker.Docker.Image == "" {
			return errors.New("invalid config: worker.docker.image is required for docker isolation")
		}
	default:
		return fmt.Errorf("invalid config: unknown worker.isolation %q", c.Worker.Isolation)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid config: unknown log.format %q", c.Log.Format)
	}
	return nil
}
