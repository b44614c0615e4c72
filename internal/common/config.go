// Package common provides shared configuration, logging and telemetry for the
// SOHO loader tools.
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds common configuration for all applications.
type Config struct {
	DataDir           string        `mapstructure:"data_dir" yaml:"data_dir"`
	CDAWebURL         string        `mapstructure:"cdaweb_url" yaml:"cdaweb_url"`
	EphinURL          string        `mapstructure:"ephin_url" yaml:"ephin_url"`
	MaxConn           int           `mapstructure:"max_conn" yaml:"max_conn"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	SearchCacheSize   int           `mapstructure:"search_cache_size" yaml:"search_cache_size"`

	ClickHouse ClickHouseConfig `mapstructure:"clickhouse" yaml:"clickhouse"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// ClickHouseConfig holds the ingest target used by soho-ingest.
type ClickHouseConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Database string `mapstructure:"database" yaml:"database"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultConfig returns configuration with sensible defaults and SOHO_*
// environment overrides applied.
func DefaultConfig() *Config {
	cfg, err := Load("")
	if err != nil {
		// Load without a file only fails on malformed environment values.
		panic(err)
	}
	return cfg
}

// Load reads configuration from an optional YAML file and SOHO_* environment
// variables. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SOHO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("cdaweb_url", "https://cdaweb.gsfc.nasa.gov/WS/cdasr/1")
	v.SetDefault("ephin_url", "http://ulysses.physik.uni-kiel.de/costep/level2/rl2/")
	v.SetDefault("max_conn", 5)
	v.SetDefault("http_timeout", 120*time.Second)
	v.SetDefault("requests_per_second", 5.0)
	v.SetDefault("search_cache_size", 128)

	v.SetDefault("clickhouse.host", "127.0.0.1:9000")
	v.SetDefault("clickhouse.database", "soho")
	v.SetDefault("clickhouse.user", "default")
	v.SetDefault("clickhouse.password", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// CDAWebDir returns the download directory for CDAWeb CDF files.
func (c *Config) CDAWebDir() string {
	return filepath.Join(c.DataDir, "cdaweb")
}

// EphinDir returns the download directory for EPHIN rl2 files.
func (c *Config) EphinDir() string {
	return filepath.Join(c.DataDir, "ephin")
}

// YAML renders the effective configuration.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(out), nil
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "soho_data")
	}
	return "soho_data"
}
