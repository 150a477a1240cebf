// Package api serves the webhook management API, inbound provider endpoints
// and the delivery outcome stream.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"relay/internal/auth"
	"relay/internal/config"
	"relay/internal/inbound"
	"relay/internal/metrics"
	"relay/internal/model"
	"relay/internal/store"
	"relay/internal/webhooks"
)

type Server struct {
	Store      store.Store
	Scheduler  *webhooks.Scheduler
	Dispatcher *webhooks.Dispatcher
	Billing    *inbound.Billing
	Issues     *inbound.Issues
	Broker     EventBroker
	Auth       *auth.Verifier
	Config     *config.Config
	Log        logrus.FieldLogger

	limiters *limiterSet
}

// Deps are the collaborators NewServer wires together.
type Deps struct {
	Config     *config.Config
	Store      store.Store
	Scheduler  *webhooks.Scheduler
	Dispatcher *webhooks.Dispatcher
	Broker     EventBroker
	Log        logrus.FieldLogger
}

func NewServer(d Deps) *Server {
	if d.Broker == nil {
		d.Broker = NewBroker()
	}
	secrets := inbound.StoreSecrets{Store: d.Store, Configured: map[inbound.TenantProvider]string{}}
	for _, sec := range d.Config.Inbound.Secrets {
		secrets.Configured[inbound.TenantProvider{Tenant: sec.Tenant, Provider: sec.Provider}] = sec.Secret
	}
	billing := inbound.NewBilling(secrets, d.Store, d.Log)
	var emitter inbound.Emitter
	if d.Dispatcher != nil {
		emitter = d.Dispatcher
	}
	issues := inbound.NewIssues(secrets, d.Store, emitter, d.Log)
	if tol := d.Config.Inbound.ToleranceSeconds; tol > 0 {
		billing.Scheme.ToleranceSeconds = tol
		issues.Scheme.ToleranceSeconds = tol
	}
	return &Server{
		Store:      d.Store,
		Scheduler:  d.Scheduler,
		Dispatcher: d.Dispatcher,
		Billing:    billing,
		Issues:     issues,
		Broker:     d.Broker,
		Auth:       auth.NewVerifier(d.Config.Auth.Mode, d.Config.Auth.Secret),
		Config:     d.Config,
		Log:        d.Log,
		limiters:   newLimiterSet(d.Config.Inbound.RateRPS, d.Config.Inbound.RateBurst),
	}
}

// PublishOutcome forwards a recorded delivery to stream subscribers of its tenant.
// It is installed as the scheduler's OnOutcome hook.
func (s *Server) PublishOutcome(d model.Delivery) {
	s.Broker.Publish(d.TenantID, deliveryEvent(d))
}

// Routes returns the service handler with logging and metrics middleware applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Events
	mux.HandleFunc("POST /v1/events", s.EmitHandler)

	// Subscribers
	mux.HandleFunc("GET /v1/webhooks", s.ListSubscribersHandler)
	mux.HandleFunc("POST /v1/webhooks", s.CreateSubscriberHandler)
	mux.HandleFunc("GET /v1/webhooks/{id}", s.GetSubscriberHandler)
	mux.HandleFunc("PATCH /v1/webhooks/{id}", s.UpdateSubscriberHandler)
	mux.HandleFunc("DELETE /v1/webhooks/{id}", s.DeleteSubscriberHandler)
	mux.HandleFunc("POST /v1/webhooks/{id}/secret", s.RotateSecretHandler)
	mux.HandleFunc("POST /v1/webhooks/{id}/test", s.TestSubscriberHandler)

	// Deliveries
	mux.HandleFunc("GET /v1/webhooks/deliveries", s.ListDeliveriesHandler)
	mux.HandleFunc("GET /v1/webhooks/deliveries/stats", s.DeliveryStatsHandler)
	mux.HandleFunc("GET /v1/webhooks/deliveries/stream", s.StreamHandler)
	mux.HandleFunc("GET /v1/webhooks/deliveries/{id}", s.GetDeliveryHandler)
	mux.HandleFunc("POST /v1/webhooks/deliveries/{id}/retry", s.RetryDeliveryHandler)

	// Inbound provider callbacks
	mux.Handle("POST /v1/inbound/billing/{tenantId}", s.rateLimit(inbound.ProviderBilling, http.HandlerFunc(s.BillingHandler)))
	mux.Handle("POST /v1/inbound/issues/{tenantId}", s.rateLimit(inbound.ProviderIssues, http.HandlerFunc(s.IssuesHandler)))

	// Ops
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("GET /openapi.json", s.OpenAPIJSONHandler)
	if s.Config.Server.Debug {
		mux.HandleFunc("GET /debug/config", s.DebugJSON)
	}

	return s.logMiddleware(mux)
}
