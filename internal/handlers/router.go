package handlers

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eventfield/api/internal/platform/httpx"
)

const (
	defaultAPIPrefix      = "/api/v1"
	defaultRequestTimeout = 60 * time.Second
)

// RouteRegistrar mounts a handler group's routes.
type RouteRegistrar func(r chi.Router)

type routeGroup struct {
	routes      RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	basePath    string
	timeout     time.Duration
	middlewares []func(http.Handler) http.Handler
	proxies     []netip.Prefix
	health      *HealthHandlers
	checkout    routeGroup
	webhooks    routeGroup
}

// Option customises NewRouter.
type Option func(*routerConfig)

// NewRouter builds the HTTP surface: probes at the root, the storefront checkout endpoint and
// the payment gateway confirmation endpoints under the API prefix. Groups without registered
// routes answer 501 so a partially wired deployment fails loudly.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{basePath: defaultAPIPrefix, timeout: defaultRequestTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	// Merchants often paste confirmation URLs with a trailing slash into the gateway dashboard.
	r.Use(middleware.RequestID, forwardedAddress(cfg.proxies), middleware.StripSlashes, middleware.Timeout(cfg.timeout))
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", "method "+req.Method+" not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		// Checkout responses carry order data and gateway confirmations must reach the handler.
		api.Use(middleware.NoCache)
		api.Group(func(group chi.Router) {
			cfg.checkout.mount(group, "/checkout", "checkout")
		})
		api.Route("/webhooks", func(group chi.Router) {
			cfg.webhooks.mount(group, "/*", "payment webhook")
		})
	})
	return r
}

func (g routeGroup) mount(r chi.Router, fallback, name string) {
	for _, mw := range g.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	if g.routes != nil {
		g.routes(r)
		return
	}
	r.HandleFunc(fallback, func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes not implemented", http.StatusNotImplemented))
	})
}

// WithBasePath mounts checkout and webhook routes under prefix instead of /api/v1.
func WithBasePath(prefix string) Option {
	return func(cfg *routerConfig) {
		if prefix != "" {
			cfg.basePath = prefix
		}
	}
}

// WithRequestTimeout bounds every request; commerce and gateway calls observe the deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

// WithTrustedProxies lists the load balancers allowed to set X-Forwarded-For. Without it the
// TCP peer is the client address used for logging and rate limits.
func WithTrustedProxies(proxies []netip.Prefix) Option {
	return func(cfg *routerConfig) {
		cfg.proxies = append(cfg.proxies, proxies...)
	}
}

// WithMiddlewares appends global middleware, run after request id and timeout handling.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithCheckoutRoutes sets the registrar for the checkout endpoint.
func WithCheckoutRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.checkout.routes = reg
	}
}

// WithCheckoutMiddlewares adds middleware for checkout routes only, e.g. idempotency.
func WithCheckoutMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.checkout.middlewares = append(cfg.checkout.middlewares, mw...)
	}
}

// WithWebhookRoutes sets the registrar for gateway confirmation endpoints.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks.routes = reg
	}
}

// WithWebhookMiddlewares adds middleware for the /webhooks group only.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks.middlewares = append(cfg.webhooks.middlewares, mw...)
	}
}
