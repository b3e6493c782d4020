package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/estimator-billing/api"
	"github.com/angelmondragon/estimator-billing/api/routes"
	"github.com/angelmondragon/estimator-billing/internal/bootstrap"
	"github.com/angelmondragon/estimator-billing/internal/subscriptions"
	"github.com/angelmondragon/estimator-billing/pkg/config"
	"github.com/angelmondragon/estimator-billing/pkg/db"
	"github.com/angelmondragon/estimator-billing/pkg/env"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
	"github.com/angelmondragon/estimator-billing/pkg/metrics"
	"github.com/angelmondragon/estimator-billing/pkg/migrate"
	"github.com/angelmondragon/estimator-billing/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	stripeClient, err := stripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe", err)
		os.Exit(1)
	}
	if err := stripeClient.RequireSigningSecret(); err != nil {
		logg.Error(context.Background(), "refusing to accept webhooks without a signing secret", err)
		os.Exit(1)
	}

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	billingMetrics := metrics.NewBillingMetrics(prometheus.DefaultRegisterer)
	stripeGateway := subscriptions.NewStripeGateway(stripeClient)
	billingStack, err := bootstrap.NewBilling(bootstrap.BillingParams{
		Config:   cfg,
		DB:       dbClient,
		Gateway:  stripeGateway,
		Sessions: stripeGateway,
		Logger:   logg,
		Metrics:  billingMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to wire billing", err)
		os.Exit(1)
	}

	addr := env.ListenAddr(cfg.App.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":        cfg.App.Env,
		"addr":       addr,
		"instance":   env.Instance(),
		"stripe_env": stripeClient.Environment(),
	})
	logg.Info(ctx, "starting api server")

	handler := routes.NewRouter(
		cfg,
		logg,
		dbClient,
		billingStack.Webhooks,
		billingStack.Router,
		billingStack.Subscriptions,
		billingStack.Checkout,
		billingMetrics,
		prometheus.DefaultGatherer,
	)

	if err := api.Serve(ctx, api.NewServer(addr, handler), logg); err != nil {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server stopped")
}
