package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/estimator-billing/internal/bootstrap"
	"github.com/angelmondragon/estimator-billing/internal/subscriptions"
	stripewebhook "github.com/angelmondragon/estimator-billing/internal/webhooks/stripe"
	"github.com/angelmondragon/estimator-billing/pkg/config"
	"github.com/angelmondragon/estimator-billing/pkg/db"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
	"github.com/angelmondragon/estimator-billing/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "ledger-replay"})

	_ = godotenv.Load()

	eventID := flag.String("event", "", "replay a single ledgered event by provider event id")
	pending := flag.Int("pending", 0, "replay up to N unsettled events that recorded a handler error")
	flag.Parse()

	if strings.TrimSpace(*eventID) == "" && *pending <= 0 {
		fmt.Fprintln(os.Stderr, "one of -event or -pending is required")
		os.Exit(1)
	}

	cfg, err := config.Load()
	requireResource(context.Background(), logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "ledger-replay",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx := logg.WithField(context.Background(), "env", cfg.App.Env)

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	stripeClient, err := stripe.NewClient(ctx, cfg.Stripe, logg)
	requireResource(ctx, logg, "stripe", err)

	billingStack, err := bootstrap.NewBilling(bootstrap.BillingParams{
		Config:  cfg,
		DB:      dbClient,
		Gateway: subscriptions.NewStripeGateway(stripeClient),
		Logger:  logg,
	})
	requireResource(ctx, logg, "billing", err)

	var results []stripewebhook.IngestResult
	if id := strings.TrimSpace(*eventID); id != "" {
		res, replayErr := billingStack.Webhooks.Replay(ctx, id)
		err = replayErr
		if replayErr == nil {
			results = append(results, res)
		}
	} else {
		results, err = billingStack.Webhooks.ReplayPending(ctx, *pending)
	}

	for _, res := range results {
		fmt.Printf("%s\t%s\t%s\n", res.EventID, res.EventType, res.Outcome)
	}
	if err != nil {
		logg.Error(ctx, "ledger replay incomplete", err)
		os.Exit(1)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
