package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/yndnr/corestate-go/internal/server/httpserver/handler"
	"github.com/yndnr/corestate-go/internal/telemetry/metric"
)

// RouterConfig configures the admin API router.
type RouterConfig struct {
	Service handler.Service

	// Metrics records request metrics and serves /metrics. Optional.
	Metrics *metric.Registry

	Logger *slog.Logger

	// RateLimit is the sustained request rate in requests per second.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int

	// EnableAudit logs every completed request.
	EnableAudit bool
}

// DefaultRouterConfig returns the defaults used when fields are unset.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RateLimit:   100,
		RateBurst:   200,
		EnableAudit: true,
	}
}

// NewRouter builds the admin API with its middleware chain.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hcfg := handler.Config{Service: cfg.Service, Logger: cfg.Logger}
	if cfg.Metrics != nil {
		hcfg.Metrics = cfg.Metrics.Handler()
	}
	h := handler.New(hcfg)

	// Order: Recover -> RequestID -> RateLimit -> Audit -> Observe -> Handler.
	// Observe must sit directly above the mux to see the matched route.
	middlewares := []Middleware{
		Recover(cfg.Logger),
		RequestID(cfg.Logger),
	}
	if cfg.RateLimit > 0 {
		middlewares = append(middlewares, RateLimit(cfg.RateLimit, cfg.RateBurst, cfg.Metrics))
	}
	if cfg.EnableAudit {
		middlewares = append(middlewares, Audit(cfg.Logger))
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, Observe(cfg.Metrics))
	}
	return Chain(h, middlewares...)
}
