// Package api exposes a certificate authority over HTTP: CSR enrollment,
// the CA certificate and the issued-certificate listing.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	sc             ServerContext
	audit          *auditLogger
	alertFn        AlertFunc
	limiter        *enrollmentLimiter
	trustedProxies []netip.Prefix
	maxCSRBytes    int64
}

//go:embed openapi.yaml
var openapiSpec []byte

const defaultMaxCSRBytes = 64 << 10

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlertFunc installs a callback for enrollment anomalies such as a
// burst of rejected requests.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithTrustedProxies lists the peers whose X-Forwarded-For, Forwarded and
// X-Real-IP headers are believed for rate limiting.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithMaxRequestBytes caps the size of an enrollment request body.
func WithMaxRequestBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxCSRBytes = n
		}
	}
}

// New creates a new API instance.
func New(sc ServerContext, opts ...Option) *API {
	a := &API{
		sc:          sc,
		limiter:     newEnrollmentLimiter(),
		maxCSRBytes: defaultMaxCSRBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	return a
}

// Router returns a chi.Router with all API routes mounted. Callers mount it
// under /api/v1.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/ca", a.GetCACert)
	r.Get("/certificates", a.ListCertificates)
	r.Post("/certificates", a.SignCSR)
	r.Get("/certificates/{serial}", a.GetCertificate)

	return r
}

// SweepLoop periodically drops expired rate-limit records until ctx ends.
func (a *API) SweepLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.limiter.sweep()
		}
	}
}
