package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/streamflow/internal/httputil"
	"github.com/R3E-Network/streamflow/internal/logging"
	"github.com/R3E-Network/streamflow/internal/metrics"
	"github.com/R3E-Network/streamflow/internal/middleware"
)

// RouteRegistrar mounts extra routes, such as the in-process vault API.
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// RouterOptions assembles the middleware chain around the API.
type RouterOptions struct {
	Logger      *logging.Logger
	Auth        *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
	CORSOrigins []string
	Version     string
	Extra       []RouteRegistrar
}

// NewRouter returns the complete HTTP handler: health and metrics endpoints,
// the stream API and any extra registrars, wrapped in recovery, tracing,
// CORS, metrics, logging, auth and rate limiting.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"version": opts.Version,
			"time":    h.ledger.Now(),
		})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.NotFound(w, "route not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorResponse(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	router.Use(middleware.Metrics, middleware.Logging(opts.Logger))
	if opts.Auth != nil {
		router.Use(opts.Auth.Handler)
	}
	if opts.RateLimiter != nil {
		router.Use(opts.RateLimiter.Handler)
	}

	h.RegisterRoutes(router)
	for _, extra := range opts.Extra {
		extra.RegisterRoutes(router)
	}

	var handler http.Handler = router
	if len(opts.CORSOrigins) > 0 {
		handler = middleware.NewCORSMiddleware(opts.CORSOrigins).Handler(handler)
	}
	handler = middleware.Tracing(handler)
	return middleware.Recover(opts.Logger)(handler)
}
