package config

import (
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

type Config struct {
	DatabaseBusyTimeout       time.Duration `koanf:"database_busy_timeout" default:"5s"`
	DatabaseConnectRetryCount int           `koanf:"database_connect_retry_count" default:"5"`
	DatabaseConnectRetryDelay time.Duration `koanf:"database_connect_retry_delay" default:"2s"`
	DatabaseDebug             bool          `koanf:"database_debug"`
	DatabaseFilePath          string        `koanf:"database_file_path"`
	DatabaseReadConns         int           `koanf:"database_read_conns" default:"4"`
	DatabaseMaxRetries        int           `koanf:"database_max_retries" default:"5"`
	DataDir                   string        `koanf:"data_dir" default:"/data"`
	Environment               string        `koanf:"environment" default:"production"`
	Hostname                  string        `koanf:"-"`
	ServerHost                string        `koanf:"server_host" default:"0.0.0.0"`
	ServerPort                int           `koanf:"server_port" default:"3000"`

	// Ingestion limits.
	ClientRateLimitBurst       int           `koanf:"client_rate_limit_burst" default:"20"`
	ClientRateLimitRPS         float64       `koanf:"client_rate_limit_rps" default:"5"`
	MaxContainerRows           int           `koanf:"max_container_rows" default:"2000000"`
	MinStatisticsSchemaVersion int           `koanf:"min_statistics_schema_version" default:"20201010"`
	PluginMaxSizeMB            int           `koanf:"plugin_max_size_mb" default:"50"`
	PluginRateLimitBurst       int           `koanf:"plugin_rate_limit_burst" default:"5"`
	PluginRateLimitRPS         float64       `koanf:"plugin_rate_limit_rps" default:"1"`
	PluginVersion              string        `koanf:"plugin_version" default:"0.2.0"`
	PullTimeout                time.Duration `koanf:"pull_timeout" default:"2m"`
	UploadMaxSizeMB            int           `koanf:"upload_max_size_mb" default:"100"`
}

const (
	configFileENV     = "CONFIG_FILE"
	defaultConfigFile = "/config/readlog.yaml"
)

// requiredKeys lists the config keys that must be set by either the config
// file or the environment.
var requiredKeys = []string{"database_file_path"}

// New loads the config with the following precedence: environment variables,
// then the YAML config file, then struct defaults.
func New() (*Config, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	k := koanf.New(".")

	configFile := os.Getenv(configFileENV)
	if configFile == "" {
		configFile = defaultConfigFile
	}
	if _, err := os.Stat(configFile); err == nil {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %s", configFile)
		}
	}

	err = k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, errors.WithStack(err)
	}
	cfg.Hostname = hostname

	var missing []string
	for _, key := range requiredKeys {
		if strings.TrimSpace(k.String(key)) == "" {
			missing = append(missing, strings.ToUpper(key)+" (env) / "+key+" (file)")
		}
	}
	if len(missing) > 0 {
		return nil, errors.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if cfg.Environment == "development" {
		loadDevelopmentConfig(cfg)
	}

	return cfg, nil
}

// NewForTest returns a config suitable for tests without touching the
// environment or the filesystem.
func NewForTest() *Config {
	cfg := &Config{}
	_ = defaults.Set(cfg)
	cfg.Environment = "test"
	cfg.DatabaseFilePath = ":memory:"
	cfg.DataDir = os.TempDir()
	cfg.Hostname = "test"
	return cfg
}

// PluginMaxSizeBytes bounds a JSON push from the plugin.
func (cfg *Config) PluginMaxSizeBytes() int64 {
	return int64(cfg.PluginMaxSizeMB) * 1024 * 1024
}

// UploadMaxSizeBytes is the largest statistics container accepted, either as
// an upload or as a pulled file.
func (cfg *Config) UploadMaxSizeBytes() int64 {
	return int64(cfg.UploadMaxSizeMB) * 1024 * 1024
}
