package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/docfetch/internal/metrics"
	"github.com/shehryarbajwa/docfetch/internal/proxy"
	"github.com/shehryarbajwa/docfetch/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter, requestsPerHour int) *mux.Router {
	h.limiter = rateLimiter
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")

	// Status polling, teardown and inspection (not rate limited)
	api.HandleFunc("/sessions/{lead}/{app}/status", h.Status).Methods("GET")
	api.HandleFunc("/sessions/{lead}/{app}", h.DestroySession).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/sessions/{lead}/{app}/archive", h.Archive).Methods("GET")
	api.HandleFunc("/sessions/{lead}/{app}/ws", func(w http.ResponseWriter, r *http.Request) {
		proxyServer.HandleDebugConnection(w, r, sessionKey(r))
	}).Methods("GET")

	// Workflow commands (rate limited per session key)
	steps := api.PathPrefix("/sessions/{lead}/{app}").Subrouter()
	steps.Use(RateLimitMiddleware(rateLimiter, requestsPerHour))
	steps.HandleFunc("/init", h.InitSession).Methods("POST", "OPTIONS")
	steps.HandleFunc("/captcha-url", h.ChallengeSource).Methods("GET")
	steps.HandleFunc("/captcha-image", h.ChallengeImage).Methods("GET")
	steps.HandleFunc("/identifier", h.SubmitIdentifier).Methods("POST", "OPTIONS")
	steps.HandleFunc("/challenge", h.SubmitChallenge).Methods("POST", "OPTIONS")
	steps.HandleFunc("/code", h.SubmitCode).Methods("POST", "OPTIONS")
	steps.HandleFunc("/unlock", h.Unlock).Methods("POST", "OPTIONS")

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}
