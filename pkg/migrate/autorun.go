package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/estimator-billing/pkg/config"
	"github.com/angelmondragon/estimator-billing/pkg/db"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
)

// autoRunSkipReason returns why dev auto-migration should not run, or "" when it should.
func autoRunSkipReason(cfg *config.Config) string {
	switch {
	case cfg == nil:
		return "no config"
	case !cfg.App.IsDev():
		return "not a dev environment"
	case !cfg.FeatureFlags.AutoMigrate:
		return "auto-migrate disabled"
	case cfg.DB.Driver != "" && cfg.DB.Driver != Dialect:
		return "driver " + cfg.DB.Driver + " is not " + Dialect
	}
	return ""
}

// MaybeRunDev applies the embedded billing schema on API start in dev when
// BILLING_AUTO_MIGRATE is set. Other environments run cmd/migrate explicitly.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if reason := autoRunSkipReason(cfg); reason != "" {
		if logg != nil && cfg != nil && cfg.FeatureFlags.AutoMigrate {
			logg.Warn(logg.WithField(ctx, "reason", reason), "billing schema auto-migrate skipped")
		}
		return nil
	}
	if client == nil {
		return fmt.Errorf("db client is required for auto-migrate")
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	if logg != nil {
		ctx = logg.WithField(ctx, "env", cfg.App.Env)
		logg.Info(ctx, "applying billing schema")
	}
	if err := Run(ctx, sqlDB, DefaultDir, "up"); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	if logg != nil {
		logg.Info(ctx, "billing schema up to date")
	}
	return nil
}
