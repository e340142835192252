package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendRelational = "relational"
	BackendObject     = "object"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Retention RetentionConfig `mapstructure:"retention"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	TrustProxy      bool          `mapstructure:"trust_proxy"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects the storage backend. DSN is used by the relational
// backend, BucketURL by the object backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Driver    string `mapstructure:"driver"`
	DSN       string `mapstructure:"dsn"`
	BucketURL string `mapstructure:"bucket_url"`
}

type CaptureConfig struct {
	SignatureHeader string `mapstructure:"signature_header"`
	MaxReadBytes    int64  `mapstructure:"max_read_bytes"`
}

type RetentionConfig struct {
	Period time.Duration `mapstructure:"period"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

type NotifyConfig struct {
	RedisURL string `mapstructure:"redis_url"`
	Buffer   int    `mapstructure:"buffer"`
}

// LogConfig mirrors the lumberjack rotation knobs for file output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("storage.backend", BackendRelational)
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.dsn", "webhook.db")
	v.SetDefault("storage.bucket_url", "file:///var/lib/hookcatch?create_dir=true")

	v.SetDefault("capture.signature_header", "Signature-256")
	v.SetDefault("capture.max_read_bytes", 32<<20)

	v.SetDefault("retention.period", 24*time.Hour)
	v.SetDefault("retention.max_age", 30*24*time.Hour)

	v.SetDefault("notify.redis_url", "")
	v.SetDefault("notify.buffer", 16)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "logs/hookcatch.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)
}

// Load reads configuration from defaults, an optional config file and
// HOOKCATCH_* environment variables, in increasing order of precedence.
// An empty path means no config file. A .env file in the working directory
// is loaded first; variables already set in the environment win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HOOKCATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Plain PORT / DATABASE_PATH are still honoured for existing deployments.
	if port := os.Getenv("PORT"); port != "" && !explicit(v, "server.addr") {
		v.Set("server.addr", ":"+port)
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" && !explicit(v, "storage.dsn") {
		v.Set("storage.dsn", dbPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// explicit reports whether key came from the environment or the config file
// rather than from a default.
func explicit(v *viper.Viper, key string) bool {
	env := "HOOKCATCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if _, ok := os.LookupEnv(env); ok {
		return true
	}
	return v.InConfig(key)
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendRelational:
		switch c.Storage.Driver {
		case DriverSQLite, DriverPostgres:
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unsupported driver %q", c.Storage.Driver))
		}
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn: required for relational backend"))
		}
	case BackendObject:
		if c.Storage.BucketURL == "" {
			errs = append(errs, errors.New("storage.bucket_url: required for object backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unsupported backend %q", c.Storage.Backend))
	}

	if c.Capture.SignatureHeader == "" {
		errs = append(errs, errors.New("capture.signature_header: required"))
	} else {
		c.Capture.SignatureHeader = http.CanonicalHeaderKey(c.Capture.SignatureHeader)
	}
	if c.Capture.MaxReadBytes <= 0 {
		errs = append(errs, errors.New("capture.max_read_bytes: must be positive"))
	}
	if c.Retention.Period <= 0 {
		errs = append(errs, errors.New("retention.period: must be positive"))
	}
	if c.Retention.MaxAge <= 0 {
		errs = append(errs, errors.New("retention.max_age: must be positive"))
	}
	if c.Notify.Buffer <= 0 {
		errs = append(errs, errors.New("notify.buffer: must be positive"))
	}

	return errors.Join(errs...)
}
