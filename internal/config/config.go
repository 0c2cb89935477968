package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	EIA       EIAConfig       `yaml:"eia" mapstructure:"eia"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Silver    SilverConfig    `yaml:"silver" mapstructure:"silver"`
	Warehouse WarehouseConfig `yaml:"warehouse" mapstructure:"warehouse"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// EIAConfig configures the upstream region-data API.
type EIAConfig struct {
	APIKey        string   `yaml:"api_key" mapstructure:"api_key"`
	BaseURL       string   `yaml:"base_url" mapstructure:"base_url"`
	Source        string   `yaml:"source" mapstructure:"source"`
	Respondents   []string `yaml:"respondents" mapstructure:"respondents"`
	TimeoutSecs   int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	BootstrapDays int      `yaml:"bootstrap_days" mapstructure:"bootstrap_days"`
	UserAgent     string   `yaml:"user_agent" mapstructure:"user_agent"`
}

// Timeout returns the per-request timeout.
func (c EIAConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Bootstrap returns how far back the first run reaches.
func (c EIAConfig) Bootstrap() time.Duration {
	return time.Duration(c.BootstrapDays) * 24 * time.Hour
}

// StorageConfig configures the object store holding bronze, silver files and
// the checkpoint.
type StorageConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver"` // "fs" or "minio"
	Root      string `yaml:"root" mapstructure:"root"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
}

// SilverConfig selects where reshaped rows land.
type SilverConfig struct {
	Mode   string `yaml:"mode" mapstructure:"mode"`     // "table" or "file"
	Format string `yaml:"format" mapstructure:"format"` // "json" or "parquet" (file mode)
}

// WarehouseConfig configures the relational silver/gold store.
type WarehouseConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Server      string `yaml:"server" mapstructure:"server"`
	Database    string `yaml:"database" mapstructure:"database"`
	User        string `yaml:"user" mapstructure:"user"`
	Password    string `yaml:"password" mapstructure:"password"`
	SSLMode     string `yaml:"sslmode" mapstructure:"sslmode"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// DSN returns the Postgres connection string. An explicit database_url wins;
// otherwise one is assembled from server/database/user/password.
func (c WarehouseConfig) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if c.Server == "" || c.Database == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   c.Server,
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{c.SSLMode}}.Encode()
	}
	return u.String()
}

// QueueConfig configures bronze-created notifications.
type QueueConfig struct {
	URL                string `yaml:"url" mapstructure:"url"`
	Name               string `yaml:"name" mapstructure:"name"`
	DeadLetterExchange string `yaml:"dead_letter_exchange" mapstructure:"dead_letter_exchange"`
}

// MetricsConfig configures the Prometheus/health listener of the watch command.
type MetricsConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("eia.api_key", "")
	v.SetDefault("eia.base_url", "https://api.eia.gov/v2/electricity/rto/region-data/data")
	v.SetDefault("eia.source", "eia")
	v.SetDefault("eia.respondents", []string{"ISNE"})
	v.SetDefault("eia.timeout_secs", 30)
	v.SetDefault("eia.bootstrap_days", 30)
	v.SetDefault("eia.user_agent", "grid-pipeline/1.0")
	v.SetDefault("storage.driver", "fs")
	v.SetDefault("storage.root", "./data")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "eia-demand-data")
	v.SetDefault("silver.mode", "table")
	v.SetDefault("silver.format", "json")
	v.SetDefault("warehouse.driver", "postgres")
	v.SetDefault("warehouse.database_url", "")
	v.SetDefault("warehouse.sqlite_path", "./data/warehouse.db")
	v.SetDefault("warehouse.server", "")
	v.SetDefault("warehouse.database", "")
	v.SetDefault("warehouse.user", "")
	v.SetDefault("warehouse.password", "")
	v.SetDefault("warehouse.sslmode", "require")
	v.SetDefault("warehouse.max_conns", 4)
	v.SetDefault("queue.url", "")
	v.SetDefault("queue.name", "bronze-created")
	v.SetDefault("queue.dead_letter_exchange", "")
	v.SetDefault("metrics.port", 9102)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is the command name.
func (c *Config) Validate(mode string) error {
	var problems []string
	needWarehouse := false
	needStorage := false

	switch mode {
	case "ingest":
		needStorage = true
		if c.EIA.BaseURL == "" {
			problems = append(problems, "eia.base_url is required")
		}
		if len(c.EIA.Respondents) == 0 {
			problems = append(problems, "eia.respondents must list at least one region")
		}
		if c.EIA.TimeoutSecs <= 0 {
			problems = append(problems, "eia.timeout_secs must be > 0")
		}
		if c.EIA.BootstrapDays <= 0 {
			problems = append(problems, "eia.bootstrap_days must be > 0")
		}
	case "reshape", "watch":
		needStorage = true
		switch c.Silver.Mode {
		case "table":
			needWarehouse = true
		case "file":
			if c.Silver.Format != "json" && c.Silver.Format != "parquet" {
				problems = append(problems, fmt.Sprintf("silver.format %q must be json or parquet", c.Silver.Format))
			}
		default:
			problems = append(problems, fmt.Sprintf("silver.mode %q must be table or file", c.Silver.Mode))
		}
		if mode == "watch" {
			if c.Queue.URL == "" {
				problems = append(problems, "queue.url is required")
			}
			if c.Metrics.Port <= 0 {
				problems = append(problems, "metrics.port must be > 0")
			}
		}
	case "aggregate", "migrate":
		needWarehouse = true
	case "status":
		needStorage = true
		needWarehouse = true
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if needStorage {
		switch c.Storage.Driver {
		case "fs":
			if c.Storage.Root == "" {
				problems = append(problems, "storage.root is required for the fs driver")
			}
		case "minio":
			if c.Storage.Endpoint == "" {
				problems = append(problems, "storage.endpoint is required for the minio driver")
			}
			if c.Storage.Bucket == "" {
				problems = append(problems, "storage.bucket is required for the minio driver")
			}
		default:
			problems = append(problems, fmt.Sprintf("storage.driver %q must be fs or minio", c.Storage.Driver))
		}
	}

	if needWarehouse {
		switch c.Warehouse.Driver {
		case "postgres":
			if c.Warehouse.DSN() == "" {
				problems = append(problems, "warehouse.database_url (or warehouse.server and warehouse.database) is required")
			}
		case "sqlite":
			if c.Warehouse.SQLitePath == "" {
				problems = append(problems, "warehouse.sqlite_path is required for the sqlite driver")
			}
		default:
			problems = append(problems, fmt.Sprintf("warehouse.driver %q must be postgres or sqlite", c.Warehouse.Driver))
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
