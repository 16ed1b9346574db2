package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/panelbroker/gamebroker/pkg/catalog"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// FSM configuration
	FSMMaxRetries    int  `mapstructure:"fsm-max-retries"`
	DurableApprovals bool `mapstructure:"durable-approvals"`

	// Request policy
	MaxPendingPerUser      int           `mapstructure:"max-pending-per-user"`
	AllowDuplicateRequests bool          `mapstructure:"allow-duplicate-requests"`
	RequestMaxAge          time.Duration `mapstructure:"request-max-age"`
	SweepInterval          time.Duration `mapstructure:"sweep-interval"`
	ClaimTTL               time.Duration `mapstructure:"claim-ttl"`

	// Panel connection
	PanelURL          string `mapstructure:"panel-url"`
	PanelUsername     string `mapstructure:"panel-username"`
	PanelPassword     string `mapstructure:"panel-password"`
	PanelPublicURL    string `mapstructure:"panel-public-url"`
	PanelEmailDomain  string `mapstructure:"panel-email-domain"`
	PanelDeployHost   string `mapstructure:"panel-deploy-host"`
	PanelDeployHostID string `mapstructure:"panel-deploy-host-id"`

	// Panel call timeouts
	ExistsTimeout           time.Duration `mapstructure:"exists-timeout"`
	CreateTimeout           time.Duration `mapstructure:"create-timeout"`
	DeployTimeout           time.Duration `mapstructure:"deploy-timeout"`
	PresumeCreatedOnTimeout bool          `mapstructure:"presume-created-on-timeout"`

	// Game catalog
	Games                   []catalog.Template `mapstructure:"games"`
	CatalogPersistOverrides bool               `mapstructure:"catalog-persist-overrides"`

	// Shared panel session
	RedisURL   string        `mapstructure:"redis-url"`
	SessionTTL time.Duration `mapstructure:"session-ttl"`

	// Metrics endpoint for serve
	MetricsAddr string `mapstructure:"metrics-addr"`

	// S3 archive
	S3Bucket   string `mapstructure:"s3-bucket"`
	S3Region   string `mapstructure:"s3-region"`
	S3Prefix   string `mapstructure:"s3-prefix"`
	S3Endpoint string `mapstructure:"s3-endpoint"`
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("sqlite-path", ".artifacts/gamebroker.db")
	v.SetDefault("fsm-db-path", ".artifacts/fsm")
	v.SetDefault("fsm-max-retries", 5)
	v.SetDefault("durable-approvals", false)
	v.SetDefault("max-pending-per-user", 3)
	v.SetDefault("allow-duplicate-requests", false)
	v.SetDefault("request-max-age", 24*time.Hour)
	v.SetDefault("sweep-interval", time.Hour)
	v.SetDefault("claim-ttl", 15*time.Minute)
	v.SetDefault("panel-url", "")
	v.SetDefault("panel-username", "")
	v.SetDefault("panel-password", "")
	v.SetDefault("panel-public-url", "")
	v.SetDefault("panel-deploy-host-id", "")
	v.SetDefault("panel-email-domain", "discord.local")
	v.SetDefault("panel-deploy-host", "Local Instances")
	v.SetDefault("exists-timeout", 5*time.Second)
	v.SetDefault("create-timeout", 10*time.Second)
	v.SetDefault("deploy-timeout", 60*time.Second)
	v.SetDefault("presume-created-on-timeout", true)
	v.SetDefault("catalog-persist-overrides", false)
	v.SetDefault("redis-url", "")
	v.SetDefault("session-ttl", 30*time.Minute)
	v.SetDefault("metrics-addr", ":9090")
	v.SetDefault("s3-bucket", "")
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("s3-endpoint", "")
	v.SetDefault("s3-prefix", "gamebroker")
}

// Load reads configuration from .env, environment, config file, and defaults
func Load() (*Config, error) {
	// .env is optional and never overrides variables already set
	if err := godotenv.Load(); err == nil {
		slog.Debug("config_dotenv_loaded")
	}
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration through v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (will be GAMEBROKER_SQLITE_PATH, etc.)
	v.SetEnvPrefix("GAMEBROKER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.gamebroker")

	// Read config file (ignore if not found)
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if c.DurableApprovals && c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty when durable-approvals is set")
	}
	if c.MaxPendingPerUser <= 0 {
		return fmt.Errorf("max-pending-per-user must be positive")
	}
	if c.RequestMaxAge <= 0 {
		return fmt.Errorf("request-max-age must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep-interval must be positive")
	}
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("claim-ttl must be positive")
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"exists-timeout", c.ExistsTimeout},
		{"create-timeout", c.CreateTimeout},
		{"deploy-timeout", c.DeployTimeout},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}
	for i, g := range c.Games {
		if strings.TrimSpace(g.Name) == "" {
			return fmt.Errorf("games[%d]: name cannot be empty", i)
		}
		if g.TemplateID <= 0 {
			return fmt.Errorf("games[%d] (%s): template-id must be positive", i, g.Name)
		}
	}
	return nil
}

// ValidatePanel checks the settings needed to reach the panel.
func (c *Config) ValidatePanel() error {
	if c.PanelURL == "" {
		return fmt.Errorf("panel-url cannot be empty")
	}
	if c.PanelUsername == "" || c.PanelPassword == "" {
		return fmt.Errorf("panel-username and panel-password are required")
	}
	return nil
}

// ValidateArchive checks the settings needed by the S3 archive.
func (c *Config) ValidateArchive() error {
	if c.S3Bucket == "" {
		return fmt.Errorf("s3-bucket cannot be empty")
	}
	if c.S3Region == "" {
		return fmt.Errorf("s3-region cannot be empty")
	}
	return nil
}
