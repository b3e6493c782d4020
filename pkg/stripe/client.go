package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/estimator-billing/pkg/config"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"

	defaultFetchTimeout = 10 * time.Second
)

// keyPrefixes lists the secret and restricted key prefixes each mode accepts.
var keyPrefixes = map[string][]string{
	testEnv: {"sk_test_", "rk_test_"},
	liveEnv: {"sk_live_", "rk_live_"},
}

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	ErrSecretMissing    = errors.New("stripe webhook secret is not configured")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// Client carries the process-wide Stripe settings. The resource packages read
// the key from stripe.Key, which NewClient sets.
type Client struct {
	environment   string
	signingSecret string
	fetchTimeout  time.Duration
}

// NewClient validates the key against the configured mode and installs it.
// The webhook secret is optional here; binaries that accept webhooks call
// RequireSigningSecret.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env := strings.ToLower(strings.TrimSpace(cfg.Environment()))
	if env == "" {
		env = testEnv
	}
	prefixes, ok := keyPrefixes[env]
	if !ok {
		return nil, errInvalidStripeEnv
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	if !hasAnyPrefix(apiKey, prefixes) {
		return nil, fmt.Errorf("stripe environment %q requires a key starting with one of %v", env, prefixes)
	}
	stripe.Key = apiKey

	if logg != nil {
		logg.Info(logg.WithField(ctx, "stripe_env", env), "stripe client initialized")
	}
	return &Client{
		environment:   env,
		signingSecret: strings.TrimSpace(cfg.WebhookSecret),
		fetchTimeout:  cfg.FetchTimeout,
	}, nil
}

// RequireSigningSecret fails when no webhook signing secret was configured.
func (c *Client) RequireSigningSecret() error {
	if c.SigningSecret() == "" {
		return ErrSecretMissing
	}
	return nil
}

func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

// FetchTimeout bounds a single provider read.
func (c *Client) FetchTimeout() time.Duration {
	if c == nil || c.fetchTimeout <= 0 {
		return defaultFetchTimeout
	}
	return c.fetchTimeout
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
