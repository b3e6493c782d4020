package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Stripe       StripeConfig
	Prices       PriceTierConfig
	Resync       ResyncConfig
	JWT          JWTConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"BILLING_APP_ENV" required:"true"`
	Port         string `envconfig:"BILLING_APP_PORT" required:"true"`
	BaseURL      string `envconfig:"BILLING_APP_BASE_URL"`
	LogLevel     string `envconfig:"BILLING_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"BILLING_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"BILLING_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"BILLING_DB_DSN"`
	Driver string `envconfig:"BILLING_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"BILLING_DB_HOST"`
	LegacyPort     int    `envconfig:"BILLING_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"BILLING_DB_USER"`
	LegacyPassword string `envconfig:"BILLING_DB_PASSWORD"`
	LegacyName     string `envconfig:"BILLING_DB_NAME"`
	LegacySSLMode  string `envconfig:"BILLING_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BILLING_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BILLING_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BILLING_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BILLING_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// RedisConfig is only consumed by the cron worker; the API never dials Redis.
type RedisConfig struct {
	URL          string        `envconfig:"BILLING_REDIS_URL"`
	Address      string        `envconfig:"BILLING_REDIS_ADDR"`
	Password     string        `envconfig:"BILLING_REDIS_PASSWORD"`
	DB           int           `envconfig:"BILLING_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BILLING_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BILLING_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BILLING_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BILLING_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BILLING_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"BILLING_AUTO_MIGRATE" default:"false"`
}

type StripeConfig struct {
	APIKey           string        `envconfig:"BILLING_STRIPE_API_KEY"`
	WebhookSecret    string        `envconfig:"BILLING_STRIPE_WEBHOOK_SECRET"`
	Env              string        `envconfig:"BILLING_STRIPE_ENV" default:"test"`
	WebhookTolerance time.Duration `envconfig:"BILLING_STRIPE_WEBHOOK_TOLERANCE" default:"5m"`
	FetchTimeout     time.Duration `envconfig:"BILLING_STRIPE_FETCH_TIMEOUT" default:"10s"`
	TrialDays        int           `envconfig:"BILLING_STRIPE_TRIAL_DAYS" default:"3"`
	AutomaticTax     bool          `envconfig:"BILLING_STRIPE_AUTOMATIC_TAX" default:"true"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// PriceTierConfig lists the provider price ids that unlock each plan tier.
type PriceTierConfig struct {
	ProMonthly   string `envconfig:"BILLING_PRICE_PRO_MONTHLY"`
	ProAnnual    string `envconfig:"BILLING_PRICE_PRO_ANNUAL"`
	EliteMonthly string `envconfig:"BILLING_PRICE_ELITE_MONTHLY"`
	EliteAnnual  string `envconfig:"BILLING_PRICE_ELITE_ANNUAL"`
}

// ProPriceIDs returns the configured, non-empty pro price ids.
func (p PriceTierConfig) ProPriceIDs() []string {
	return nonEmpty(p.ProMonthly, p.ProAnnual)
}

// ElitePriceIDs returns the configured, non-empty elite price ids.
func (p PriceTierConfig) ElitePriceIDs() []string {
	return nonEmpty(p.EliteMonthly, p.EliteAnnual)
}

// JWTConfig verifies org-scoped bearer tokens. An empty secret means an
// upstream gateway already authenticated the caller and forwards the org id.
type JWTConfig struct {
	Secret string `envconfig:"BILLING_JWT_SECRET"`
	Issuer string `envconfig:"BILLING_JWT_ISSUER"`
}

// Enabled reports whether bearer tokens are verified locally.
func (j JWTConfig) Enabled() bool {
	return strings.TrimSpace(j.Secret) != ""
}

type ResyncConfig struct {
	Interval time.Duration `envconfig:"BILLING_RESYNC_INTERVAL" default:"6h"`
	Limit    int           `envconfig:"BILLING_RESYNC_LIMIT" default:"250"`
	Lookback time.Duration `envconfig:"BILLING_RESYNC_LOOKBACK" default:"168h"`
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
