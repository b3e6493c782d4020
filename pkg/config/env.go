package config

// EnvPrefix is passed to envconfig. Fields carry full variable names as tags,
// which envconfig falls back to when the prefixed key is unset.
const EnvPrefix = "BILLING"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv             = "BILLING_APP_ENV"
	EnvPort               = "BILLING_APP_PORT"
	EnvDBDSN              = "BILLING_DB_DSN"
	EnvDBHost             = "BILLING_DB_HOST"
	EnvDBUser             = "BILLING_DB_USER"
	EnvDBName             = "BILLING_DB_NAME"
	EnvRedisURL           = "BILLING_REDIS_URL"
	EnvStripeAPIKey       = "BILLING_STRIPE_API_KEY"
	EnvStripeSecret       = "BILLING_STRIPE_WEBHOOK_SECRET"
	EnvStripeEnv          = "BILLING_STRIPE_ENV"
	EnvPriceProMonthly    = "BILLING_PRICE_PRO_MONTHLY"
	EnvPriceProAnnual     = "BILLING_PRICE_PRO_ANNUAL"
	EnvPriceEliteMonthly  = "BILLING_PRICE_ELITE_MONTHLY"
	EnvPriceEliteAnnual   = "BILLING_PRICE_ELITE_ANNUAL"
	EnvResyncInterval     = "BILLING_RESYNC_INTERVAL"
	EnvStripeFetchTimeout = "BILLING_STRIPE_FETCH_TIMEOUT"
	EnvJWTSecret          = "BILLING_JWT_SECRET"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
