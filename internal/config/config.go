// Package config loads service settings from features.yaml with RESEARCH_
// environment overrides, and watches the collaborator files that may change
// while the service runs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Jmi2020/KITT-sub000/internal/db"
	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/ratecontrol"
	"github.com/Jmi2020/KITT-sub000/internal/tracing"
)

const (
	envPrefix         = "RESEARCH"
	defaultConfigPath = "/app/config/features.yaml"
)

// Checkpoint store backends
const (
	StoreMemory = "memory"
	StoreSQL    = "sql"
)

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AuthToken       string        `mapstructure:"auth_token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
	Tracing tracing.Config `mapstructure:"tracing"`
}

type StoreConfig struct {
	Backend  string    `mapstructure:"backend"`
	Database db.Config `mapstructure:"database"`
}

// RedisConfig enables cross-worker leases and event mirroring when Addr is set.
type RedisConfig struct {
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	LeasePrefix string `mapstructure:"lease_prefix"`
	EventPrefix string `mapstructure:"event_prefix"`
	EventMaxLen int64  `mapstructure:"event_max_len"`
}

// CollaboratorConfig locates the model and tool services and their
// declaration files. Files are resolved against the config directory.
type CollaboratorConfig struct {
	LLMURL          string             `mapstructure:"llm_url"`
	ToolsURL        string             `mapstructure:"tools_url"`
	ModelsFile      string             `mapstructure:"models_file"`
	ToolsFile       string             `mapstructure:"tools_file"`
	CredibilityFile string             `mapstructure:"credibility_file"`
	RateLimits      ratecontrol.Config `mapstructure:"rate_limits"`
}

type WorkerConfig struct {
	ID             string        `mapstructure:"id"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	EventRetention int           `mapstructure:"event_retention"`
}

// Features is the root of features.yaml.
type Features struct {
	Server        ServerConfig         `mapstructure:"server"`
	Observability ObservabilityConfig  `mapstructure:"observability"`
	Store         StoreConfig          `mapstructure:"store"`
	Redis         RedisConfig          `mapstructure:"redis"`
	Collaborators CollaboratorConfig   `mapstructure:"collaborators"`
	Worker        WorkerConfig         `mapstructure:"worker"`
	Session       models.SessionConfig `mapstructure:"session"`

	// Dir is the directory features.yaml was read from.
	Dir string `mapstructure:"-"`
}

// Path returns CONFIG_PATH or the default location of features.yaml.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads features.yaml at path. A missing file yields the defaults;
// RESEARCH_* variables override either, e.g.
// RESEARCH_SESSION_MAX_ITERATIONS=8 or RESEARCH_STORE_BACKEND=sql.
func Load(path string) (*Features, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var f Features
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if path != "" {
		f.Dir = filepath.Dir(path)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the fields the service cannot start without.
func (f *Features) Validate() error {
	switch f.Store.Backend {
	case StoreMemory, StoreSQL:
	default:
		return &models.ConfigError{Field: "store.backend", Cause: fmt.Errorf("unknown backend %q", f.Store.Backend)}
	}
	if f.Server.Addr == "" {
		return &models.ConfigError{Field: "server.addr", Cause: fmt.Errorf("must be set")}
	}
	if err := f.Session.WithDefaults().Validate(); err != nil {
		return err
	}
	return nil
}

// Resolve returns file relative to the config directory unless it is absolute.
func (f *Features) Resolve(file string) string {
	if file == "" || filepath.IsAbs(file) || f.Dir == "" {
		return file
	}
	return filepath.Join(f.Dir, file)
}

// MetricsPort returns the configured port, or METRICS_PORT, or defaultPort.
func (f *Features) MetricsPort(defaultPort int) int {
	if p := os.Getenv("METRICS_PORT"); p != "" {
		var v int
		_, _ = fmt.Sscanf(p, "%d", &v)
		if v > 0 {
			return v
		}
	}
	if f.Observability.Metrics.Port > 0 {
		return f.Observability.Metrics.Port
	}
	return defaultPort
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8081")
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 2112)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.service_name", "research-engine")
	v.SetDefault("observability.tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.database.driver", "postgres")
	v.SetDefault("store.database.dsn", "")
	v.SetDefault("store.database.host", "localhost")
	v.SetDefault("store.database.port", 5432)
	v.SetDefault("store.database.user", "research")
	v.SetDefault("store.database.password", "")
	v.SetDefault("store.database.database", "research")
	v.SetDefault("store.database.sslmode", "disable")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lease_prefix", "research:lease:")
	v.SetDefault("redis.event_prefix", "research:events:")
	v.SetDefault("redis.event_max_len", 1000)

	v.SetDefault("collaborators.llm_url", "")
	v.SetDefault("collaborators.tools_url", "")
	v.SetDefault("collaborators.models_file", "models.yaml")
	v.SetDefault("collaborators.tools_file", "tools.yaml")
	v.SetDefault("collaborators.credibility_file", "")
	v.SetDefault("collaborators.rate_limits.default_rpm", 60)
	v.SetDefault("collaborators.rate_limits.default_tpm", 0)

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.sweep_interval", time.Minute)
	v.SetDefault("worker.event_retention", 256)

	// every session field is a known key, so each can be overridden from env
	setStructDefaults(v, "session", models.DefaultSessionConfig())
}

func setStructDefaults(v *viper.Viper, prefix string, s interface{}) {
	rv := reflect.ValueOf(s)
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		tag := rt.Field(i).Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		v.SetDefault(prefix+"."+tag, rv.Field(i).Interface())
	}
}
