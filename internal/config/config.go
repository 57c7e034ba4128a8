// Package config loads entitykit settings from defaults, an optional config
// file and ENTITYKIT_* environment variables.
package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. ENTITYKIT_STORAGE_DRIVER.
const EnvPrefix = "ENTITYKIT"

// Storage and archive drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverFS       = "fs"
	DriverS3       = "s3"
)

// Config is the complete runtime configuration.
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StorageConfig selects the row store backend.
type StorageConfig struct {
	Driver      string `mapstructure:"driver" validate:"oneof=memory sqlite postgres"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// ArchiveConfig selects where store snapshots are archived. The memory
// driver only lives as long as the process.
type ArchiveConfig struct {
	Driver string   `mapstructure:"driver" validate:"oneof=fs memory s3"`
	FSRoot string   `mapstructure:"fs_root"`
	Prefix string   `mapstructure:"prefix"`
	S3     S3Config `mapstructure:"s3"`
}

// S3Config addresses an S3 compatible bucket.
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// MetricsConfig controls flush metrics.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace" validate:"required_if=Enabled true"`
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlite_path", "entitykit.db")
	v.SetDefault("storage.postgres_dsn", "postgres://localhost/entitykit?sslmode=disable")
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("archive.driver", DriverFS)
	v.SetDefault("archive.fs_root", "entitykit-archive")
	v.SetDefault("archive.prefix", "snapshots/")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.region", "us-east-1")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.path_style", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "entitykit")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads configuration. path names an optional config file whose format
// is inferred from its extension.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates the configuration held by v.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerations and driver specific requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if c.Archive.Driver == DriverS3 && c.Archive.S3.Bucket == "" {
		return errors.WithHint(errors.New("invalid config: archive.s3.bucket is required"),
			"set ENTITYKIT_ARCHIVE_S3_BUCKET or archive.s3.bucket")
	}
	if c.Archive.Driver == DriverFS && c.Archive.FSRoot == "" {
		return errors.WithHint(errors.New("invalid config: archive.fs_root is required"),
			"set ENTITYKIT_ARCHIVE_FS_ROOT or archive.fs_root")
	}
	if c.Storage.Driver == DriverSQLite && c.Storage.SQLitePath == "" {
		return errors.New("invalid config: storage.sqlite_path is required")
	}
	return nil
}
