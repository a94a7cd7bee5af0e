// Package appconfig loads the service configuration from YAML and the
// environment and keeps the process-wide copy.
package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/MaxShih147/Rushmore/platform"
	"github.com/MaxShih147/Rushmore/relief"
)

// EnvPrefix prefixes environment overrides, e.g. RUSHMORE_SERVER_ADDR.
const EnvPrefix = "RUSHMORE"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Prediction PredictionConfig `mapstructure:"prediction"`
	Relief     ReliefConfig     `mapstructure:"relief"`
	Cache      CacheConfig      `mapstructure:"cache"`
	RunLog     RunLogConfig     `mapstructure:"runlog"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	Mode           string        `mapstructure:"mode"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
}

type PredictionConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxUploadDim int           `mapstructure:"max_upload_dim"`
}

type ReliefConfig struct {
	DepthScale float64 `mapstructure:"depth_scale"`
	BlurRadius int     `mapstructure:"blur_radius"`
	Workers    int     `mapstructure:"workers"`
}

// Settings returns the relief settings this config starts with.
func (r ReliefConfig) Settings() relief.Settings {
	return relief.Settings{DepthScale: r.DepthScale, BlurRadius: r.BlurRadius}
}

// CacheConfig configures the Redis prediction cache.
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type RunLogConfig struct {
	DSN string `mapstructure:"dsn"`
}

type AuthConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`

	// SecretGenerated is set when Load filled in a random secret that
	// only lives for this process.
	SecretGenerated bool `mapstructure:"-"`
}

var (
	cfgMu sync.RWMutex
	cfg   = Default()
)

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

// Default returns the built-in configuration.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	// defaults always decode
	_ = v.Unmarshal(&c)
	return c
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.max_upload_bytes", 32<<20)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("prediction.endpoint", "http://127.0.0.1:5050/predict")
	v.SetDefault("prediction.timeout", 60*time.Second)
	v.SetDefault("prediction.max_upload_dim", 1024)

	v.SetDefault("relief.depth_scale", relief.DefaultDepthScale)
	v.SetDefault("relief.blur_radius", relief.DefaultBlurRadius)
	v.SetDefault("relief.workers", 0)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "127.0.0.1:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("runlog.dsn", ":memory:")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "rushmore")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
}

// DefaultPath is the config file used when no path is given.
func DefaultPath() string {
	return platform.ConfigFile()
}

// Load reads the YAML config at path (DefaultPath when empty), applies
// environment overrides and updates the in-memory config. A missing file
// is not an error; the defaults are used.
func Load(path string) (Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		return Config{}, path, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, path, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, path, err
	}
	if c.Auth.Secret == "" {
		c.Auth.Secret = uuid.NewString()
		c.Auth.SecretGenerated = true
	}

	Set(c)
	return c, path, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	if err := c.Relief.Settings().Validate(); err != nil {
		return err
	}
	if c.Prediction.Endpoint == "" {
		return errors.New("prediction.endpoint must be set")
	}
	if c.Prediction.Timeout <= 0 {
		return fmt.Errorf("prediction.timeout must be positive, got %s", c.Prediction.Timeout)
	}
	if c.Prediction.MaxUploadDim < 0 {
		return fmt.Errorf("prediction.max_upload_dim must not be negative, got %d", c.Prediction.MaxUploadDim)
	}
	if c.Relief.Workers < 0 {
		return fmt.Errorf("relief.workers must not be negative, got %d", c.Relief.Workers)
	}
	return nil
}

// Save writes c as YAML to path (DefaultPath when empty), creating the
// directory as needed. It returns the path written.
func Save(c Config, path string) (string, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	for key, val := range flatten(c) {
		v.Set(key, val)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return path, fmt.Errorf("failed to write config file: %w", err)
	}
	Set(c)
	return path, nil
}

func flatten(c Config) map[string]any {
	return map[string]any{
		"server.addr":               c.Server.Addr,
		"server.mode":               c.Server.Mode,
		"server.read_timeout":       c.Server.ReadTimeout.String(),
		"server.write_timeout":      c.Server.WriteTimeout.String(),
		"server.max_upload_bytes":   c.Server.MaxUploadBytes,
		"server.cors_origins":       c.Server.CORSOrigins,
		"prediction.endpoint":       c.Prediction.Endpoint,
		"prediction.timeout":        c.Prediction.Timeout.String(),
		"prediction.max_upload_dim": c.Prediction.MaxUploadDim,
		"relief.depth_scale":        c.Relief.DepthScale,
		"relief.blur_radius":        c.Relief.BlurRadius,
		"relief.workers":            c.Relief.Workers,
		"cache.enabled":             c.Cache.Enabled,
		"cache.addr":                c.Cache.Addr,
		"cache.password":            c.Cache.Password,
		"cache.db":                  c.Cache.DB,
		"cache.ttl":                 c.Cache.TTL.String(),
		"runlog.dsn":                c.RunLog.DSN,
		"auth.enabled":              c.Auth.Enabled,
		"auth.secret":               c.Auth.Secret,
		"auth.issuer":               c.Auth.Issuer,
		"auth.token_ttl":            c.Auth.TokenTTL.String(),
	}
}
