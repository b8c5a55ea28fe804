// Package config loads the offlinesync configuration from a YAML file,
// OFFLINESYNC_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	apperrors "github.com/afenda/offlinesync/internal/errors"
	"github.com/afenda/offlinesync/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. OFFLINESYNC_SYNC_INTERVAL.
const EnvPrefix = "OFFLINESYNC"

// FileName is the config file looked up when no path is given.
const FileName = "offlinesync.yaml"

// ServerConfig describes the remote sync API.
type ServerConfig struct {
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url" validate:"required,url"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
	AuthToken         string        `mapstructure:"auth_token" yaml:"auth_token,omitempty"`
}

// SyncConfig tunes the queue and the periodic scheduler.
type SyncConfig struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval" validate:"gte=1000000000"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size" validate:"min=1,max=1000"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries" validate:"min=1"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	StartOnline    bool          `mapstructure:"start_online" yaml:"start_online"`
	// CycleTimeout bounds one full push-and-pull cycle.
	CycleTimeout   time.Duration `mapstructure:"cycle_timeout" yaml:"cycle_timeout" validate:"gte=1000000000"`
}

// StorageConfig selects the local store backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" validate:"oneof=sqlite badger memory"`
	DataDir string `mapstructure:"data_dir" yaml:"data_dir" validate:"required_unless=Backend memory"`
}

// UserConfig names the authenticated user. Empty means nobody is signed in.
type UserConfig struct {
	ID string `mapstructure:"id" yaml:"id"`
}

// LogConfig configures the logger and optional file rotation.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
}

// AdminConfig configures the local admin API.
type AdminConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen" validate:"omitempty,hostname_port"`
}

// TelemetryConfig opts into metrics exposure.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DevServerConfig configures the in-memory reference server.
type DevServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen" validate:"omitempty,hostname_port"`
}

// Config is the full configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	User      UserConfig      `mapstructure:"user" yaml:"user"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Admin     AdminConfig     `mapstructure:"admin" yaml:"admin"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	DevServer DevServerConfig `mapstructure:"devserver" yaml:"devserver"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://127.0.0.1:8788/api/v1",
			Timeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			Interval:       30 * time.Second,
			BatchSize:      50,
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  30 * time.Second,
			StartOnline:    true,
			CycleTimeout:   5 * time.Minute,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: "./data",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Admin:     AdminConfig{Listen: "127.0.0.1:8787"},
		DevServer: DevServerConfig{Listen: "127.0.0.1:8788"},
	}
}

// setDefaults registers every key so environment overrides apply even when
// the file omits them.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.base_url", d.Server.BaseURL)
	v.SetDefault("server.timeout", d.Server.Timeout)
	v.SetDefault("server.requests_per_second", d.Server.RequestsPerSecond)
	v.SetDefault("server.burst", d.Server.Burst)
	v.SetDefault("server.auth_token", d.Server.AuthToken)

	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.max_retries", d.Sync.MaxRetries)
	v.SetDefault("sync.retry_base_delay", d.Sync.RetryBaseDelay)
	v.SetDefault("sync.retry_max_delay", d.Sync.RetryMaxDelay)
	v.SetDefault("sync.start_online", d.Sync.StartOnline)
	v.SetDefault("sync.cycle_timeout", d.Sync.CycleTimeout)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.data_dir", d.Storage.DataDir)

	v.SetDefault("user.id", d.User.ID)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("admin.listen", d.Admin.Listen)
	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("devserver.listen", d.DevServer.Listen)
}

// Loader reads and re-reads one configuration source.
type Loader struct {
	v *viper.Viper

	mu      sync.RWMutex
	current *Config
}

// NewLoader prepares a loader. An empty path searches the working directory
// and ~/.offlinesync for offlinesync.yaml; a missing file is not an error
// in that case.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".offlinesync"))
		}
	}
	return &Loader{v: v}
}

// Load reads the configuration and validates it.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "read config", err)
		}
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch re-reads the file on change and calls onChange with each valid
// result. Invalid edits are logged and ignored.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			logging.Warn("Ignoring invalid config change", map[string]interface{}{
				"file":  e.Name,
				"error": err.Error(),
			})
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		logging.Info("Config reloaded", map[string]interface{}{"file": e.Name, "op": e.Op.String()})
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode config", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	err := validatorInstance().Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid config", err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return apperrors.New(apperrors.ErrValidation, "invalid config: "+strings.Join(parts, "; "))
}

// WriteDefault writes the default configuration to path. An existing file
// is left untouched unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s already exists", path))
		}
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create the config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LogFile returns the rotation settings for the logging package.
func (c *Config) LogFile() logging.FileConfig {
	return logging.FileConfig{
		Path:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
