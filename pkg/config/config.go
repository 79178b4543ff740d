package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Path           string `mapstructure:"PATH"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Otel struct {
		Exporter string `mapstructure:"EXPORTER"`
		Endpoint string `mapstructure:"ENDPOINT"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Consul struct {
		Addr        string `mapstructure:"ADDR"`
		ServiceHost string `mapstructure:"SERVICE_HOST"`
	} `mapstructure:"CONSUL"`
	Flagsmith struct {
		ApiKey string `mapstructure:"API_KEY"`
		Addr   string `mapstructure:"ADDR"`
	} `mapstructure:"FLAGSMITH"`
	SnowflakeNode int64   `mapstructure:"SNOWFLAKE_NODE"`
	Rewards       Rewards `mapstructure:"REWARDS"`
}

// Rewards holds the loyalty ledger settings. Seed values apply to users that
// have no stored ledger row yet.
type Rewards struct {
	SeedTotalPoints    int64          `mapstructure:"SEED_TOTAL_POINTS"`
	SeedLifetimePoints int64          `mapstructure:"SEED_LIFETIME_POINTS"`
	TransactionLimit   int            `mapstructure:"TRANSACTION_LIMIT"`
	ValidityDays       int            `mapstructure:"VALIDITY_DAYS"`
	ReferralPrefix     string         `mapstructure:"REFERRAL_PREFIX"`
	ReferralBonus      int64          `mapstructure:"REFERRAL_BONUS"`
	LockBackend        string         `mapstructure:"LOCK_BACKEND"`
	LockTTL            time.Duration  `mapstructure:"LOCK_TTL"`
	ReconcileHour      int            `mapstructure:"RECONCILE_HOUR"`
	Catalog            []CatalogEntry `mapstructure:"CATALOG"`
}

type CatalogEntry struct {
	ID           string `mapstructure:"ID"`
	Name         string `mapstructure:"NAME"`
	Description  string `mapstructure:"DESCRIPTION"`
	PointsCost   int64  `mapstructure:"POINTS_COST"`
	Category     string `mapstructure:"CATEGORY"`
	Available    bool   `mapstructure:"AVAILABLE"`
	Terms        string `mapstructure:"TERMS"`
	ValidityDays int    `mapstructure:"VALIDITY_DAYS"`
	Eligibility  string `mapstructure:"ELIGIBILITY"`
}

const MaxTransactionLimit = 50

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "rewards")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("OTEL.EXPORTER", "none")
	v.SetDefault("SNOWFLAKE_NODE", 1)
	v.SetDefault("REWARDS.TRANSACTION_LIMIT", MaxTransactionLimit)
	v.SetDefault("REWARDS.VALIDITY_DAYS", 90)
	v.SetDefault("REWARDS.REFERRAL_PREFIX", "AUTO")
	v.SetDefault("REWARDS.REFERRAL_BONUS", 250)
	v.SetDefault("REWARDS.LOCK_BACKEND", "redis")
	v.SetDefault("REWARDS.LOCK_TTL", 10*time.Second)
	v.SetDefault("REWARDS.RECONCILE_HOUR", 1)
}

// Load reads config.yaml from the given paths, applies env overrides and
// validates the result.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func LoadConfig(p Params) *Config {
	cfg, err := Load(".")
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		applySecrets(p.Vault, cfg)
	}

	return cfg
}

// LoadRemote reads the config document from a remote key/value provider.
// REMOTE_CONFIG_PROVIDER, REMOTE_CONFIG_ADDR and REMOTE_CONFIG_PATH select it.
func LoadRemote(p Params) *Config {
	provider, addr, path := "consul", "localhost:8500", "config/rewards"
	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		provider = v
	}
	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		addr = v
	}
	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		path = v
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.AddRemoteProvider(provider, addr, path); err != nil {
		zap.L().Error("failed to add remote config provider", zap.String("provider", provider), zap.Error(err))
		os.Exit(1)
	}
	if err := v.ReadRemoteConfig(); err != nil {
		zap.L().Error("unable to read remote config", zap.String("addr", addr), zap.String("path", path), zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal remote config", zap.Error(err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		zap.L().Error("invalid remote config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		applySecrets(p.Vault, &cfg)
	}

	return &cfg
}

func applySecrets(client *vault.Client, cfg *Config) {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(context.Background(), cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("db_user", cfg.Database.User)
	cfg.Database.Password = get("db_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key", cfg.Flagsmith.ApiKey)
}

func (c *Config) Validate() error {
	r := c.Rewards
	if r.SeedTotalPoints < 0 || r.SeedLifetimePoints < 0 {
		return fmt.Errorf("rewards seed points must be >= 0")
	}
	if r.SeedTotalPoints > r.SeedLifetimePoints {
		return fmt.Errorf("rewards seed total points (%d) exceed seed lifetime points (%d)", r.SeedTotalPoints, r.SeedLifetimePoints)
	}
	if r.TransactionLimit <= 0 || r.TransactionLimit > MaxTransactionLimit {
		return fmt.Errorf("rewards transaction limit must be within 1..%d", MaxTransactionLimit)
	}
	if r.ValidityDays <= 0 {
		return fmt.Errorf("rewards validity days must be > 0")
	}
	if r.ReferralBonus <= 0 {
		return fmt.Errorf("rewards referral bonus must be > 0")
	}
	switch c.Otel.Exporter {
	case "", "none", "grpc", "http":
	default:
		return fmt.Errorf("unsupported otel exporter %q", c.Otel.Exporter)
	}
	switch r.LockBackend {
	case "redis", "local":
	default:
		return fmt.Errorf("unsupported rewards lock backend %q", r.LockBackend)
	}
	for i, e := range r.Catalog {
		if e.Name == "" && e.ID == "" {
			return fmt.Errorf("catalog entry %d: id or name required", i)
		}
		if e.PointsCost <= 0 {
			return fmt.Errorf("catalog entry %d: points cost must be > 0", i)
		}
		if e.ValidityDays < 0 {
			return fmt.Errorf("catalog entry %d: validity days must be >= 0", i)
		}
	}
	return nil
}
