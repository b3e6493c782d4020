package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/estimator-billing/api/controllers"
	billingcontrollers "github.com/angelmondragon/estimator-billing/api/controllers/billing"
	webhookcontrollers "github.com/angelmondragon/estimator-billing/api/controllers/webhooks"
	"github.com/angelmondragon/estimator-billing/api/middleware"
	"github.com/angelmondragon/estimator-billing/pkg/config"
	"github.com/angelmondragon/estimator-billing/pkg/logger"
	"github.com/angelmondragon/estimator-billing/pkg/metrics"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	stripeWebhookService webhookcontrollers.StripeIngester,
	checkoutCompleter billingcontrollers.CheckoutCompleter,
	subscriptionReader billingcontrollers.SubscriptionReader,
	sessionStarter billingcontrollers.SessionStarter,
	billingMetrics *metrics.BillingMetrics,
	gatherer prometheus.Gatherer,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP))
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(stripeWebhookService, billingMetrics, logg))
	})

	r.Route("/billing", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.OrgContext(logg))
		r.Get("/success", billingcontrollers.CheckoutSuccess(checkoutCompleter, logg))
		r.Get("/cancelled", billingcontrollers.CheckoutCancelled())
		r.Post("/checkout", billingcontrollers.StartCheckout(sessionStarter, logg))
		r.Post("/portal", billingcontrollers.OpenPortal(sessionStarter, logg))
		r.Get("/entitlements", billingcontrollers.Entitlements(subscriptionReader, logg))
		r.Get("/entitlements/{key}", billingcontrollers.EntitlementCheck(subscriptionReader, logg))
	})

	return r
}
