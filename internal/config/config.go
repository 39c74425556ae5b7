package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"ipcountry/internal/ordinal"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Version         string        `mapstructure:"VERSION"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	DataDir         string        `mapstructure:"DATA_DIR"`
	IPv4DatasetURL  string        `mapstructure:"IPV4_DATASET_URL"`
	IPv6DatasetURL  string        `mapstructure:"IPV6_DATASET_URL"`
	IPv4DatasetFile string        `mapstructure:"IPV4_DATASET_FILE"`
	IPv6DatasetFile string        `mapstructure:"IPV6_DATASET_FILE"`
	FetchTimeout    time.Duration `mapstructure:"FETCH_TIMEOUT"`
	FetchRetries    int           `mapstructure:"FETCH_RETRIES"`
	RetryDelay      time.Duration `mapstructure:"RETRY_DELAY"`
	RefreshInterval time.Duration `mapstructure:"REFRESH_INTERVAL"`
	WatchDatasets   bool          `mapstructure:"WATCH_DATASETS"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	PostgresURL     string        `mapstructure:"POSTGRES_URL"`

	Datasets []Dataset `mapstructure:"-"`
}

type Dataset struct {
	Family ordinal.Family
	URL    string
	Path   string
}

// ConfigError is returned for settings the service must not start with.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ListenAddr is the fiber listen address for the configured port.
func (c *Config) ListenAddr() string {
	return ":" + c.Port
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("PORT", "8080")
	v.SetDefault("VERSION", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATA_DIR", ".")
	v.SetDefault("IPV4_DATASET_URL", "https://cdn.jsdelivr.net/npm/@ip-location-db/asn-country/asn-country-ipv4-num.csv")
	v.SetDefault("IPV6_DATASET_URL", "https://cdn.jsdelivr.net/npm/@ip-location-db/asn-country/asn-country-ipv6-num.csv")
	v.SetDefault("IPV4_DATASET_FILE", "asn-country-ipv4-num.csv")
	v.SetDefault("IPV6_DATASET_FILE", "asn-country-ipv6-num.csv")
	v.SetDefault("FETCH_TIMEOUT", "60s")
	v.SetDefault("FETCH_RETRIES", 3)
	v.SetDefault("RETRY_DELAY", "5s")
	v.SetDefault("REFRESH_INTERVAL", "0s")
	v.SetDefault("WATCH_DATASETS", false)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("POSTGRES_URL", "")

	v.SetConfigName("ipcountry")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, &ConfigError{Key: "config file", Err: err}
		}
	}

	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, &ConfigError{Key: "configuration", Err: err}
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	config.Datasets = []Dataset{
		{Family: ordinal.V4, URL: config.IPv4DatasetURL, Path: filepath.Join(config.DataDir, config.IPv4DatasetFile)},
		{Family: ordinal.V6, URL: config.IPv6DatasetURL, Path: filepath.Join(config.DataDir, config.IPv6DatasetFile)},
	}

	return &config, nil
}

func (c *Config) validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil {
		return &ConfigError{Key: "PORT", Err: err}
	}
	if port < 1 || port > 65535 {
		return &ConfigError{Key: "PORT", Err: fmt.Errorf("%d out of range 1-65535", port)}
	}
	if c.FetchRetries < 1 {
		return &ConfigError{Key: "FETCH_RETRIES", Err: fmt.Errorf("must be at least 1, got %d", c.FetchRetries)}
	}
	if c.FetchTimeout <= 0 {
		return &ConfigError{Key: "FETCH_TIMEOUT", Err: fmt.Errorf("must be positive, got %s", c.FetchTimeout)}
	}
	if c.RetryDelay < 0 || c.RefreshInterval < 0 {
		return &ConfigError{Key: "RETRY_DELAY/REFRESH_INTERVAL", Err: errors.New("must not be negative")}
	}
	if c.IPv4DatasetURL == "" || c.IPv6DatasetURL == "" {
		return &ConfigError{Key: "dataset URL", Err: errors.New("must not be empty")}
	}
	return nil
}
