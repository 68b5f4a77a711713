package api

import (
	"net/http"
	"strings"

	"github.com/blockwarriors/arena/internal/auth"
	"github.com/blockwarriors/arena/internal/gateway"
	"github.com/blockwarriors/arena/internal/match"
	"github.com/blockwarriors/arena/internal/storage"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"
)

// Router holds the HTTP routes and dependencies
type Router struct {
	mux     *http.ServeMux
	store   *storage.Store
	matches *match.Service
	gateway *gateway.Gateway
	hub     *gateway.Hub
	auth    *auth.Service

	api http.Handler
	ws  http.Handler
}

// NewRouter creates a new HTTP router
func NewRouter(store *storage.Store, matches *match.Service, gw *gateway.Gateway, hub *gateway.Hub, authService *auth.Service, allowedOrigins []string) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		store:   store,
		matches: matches,
		gateway: gw,
		hub:     hub,
		auth:    authService,
	}

	// Match façade
	r.mux.HandleFunc("POST /api/match/start_match", r.requireAuth(r.handleStartMatch))

	r.mux.HandleFunc("GET /api/matches", r.handleListMatches)
	r.mux.HandleFunc("POST /api/matches", r.requireAuth(r.handleCreateMatch))
	r.mux.HandleFunc("GET /api/matches/{id}", r.handleGetMatch)
	r.mux.HandleFunc("PATCH /api/matches/{id}", r.requireAuth(r.handleUpdateMatch))
	r.mux.HandleFunc("GET /api/matches/{id}/readiness", r.handleGetReadiness)
	r.mux.HandleFunc("POST /api/matches/{id}/acknowledge", r.requireAuth(r.handleAcknowledge))
	r.mux.HandleFunc("POST /api/matches/{id}/winner", r.requireAuth(r.handleSetWinner))
	r.mux.HandleFunc("POST /api/matches/{id}/start", r.requireAdmin(r.handleStartNow))

	r.mux.HandleFunc("GET /api/tokens/{token}", r.handleValidateToken)
	r.mux.HandleFunc("GET /api/tokens/{token}/match", r.handleGetTokenMatch)

	// Auth routes
	r.mux.HandleFunc("POST /api/auth/login", r.handleLogin)
	r.mux.HandleFunc("GET /api/auth/check", r.handleAuthCheck)

	// User management routes (admin only)
	r.mux.HandleFunc("GET /api/users", r.requireAdmin(r.handleListUsers))
	r.mux.HandleFunc("POST /api/users", r.requireAdmin(r.handleCreateUser))

	// WebSocket endpoints
	if hub != nil {
		r.mux.HandleFunc("GET /ws", hub.ServeServer)
		r.mux.HandleFunc("GET /ws/player", hub.ServePlayer)
	}

	// Health check
	r.mux.HandleFunc("GET /health", r.handleHealth)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	r.api = c.Handler(gzhttp.GzipHandler(r.mux))
	// upgrades need the raw ResponseWriter to hijack the connection
	r.ws = r.mux

	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == "/ws" || strings.HasPrefix(req.URL.Path, "/ws/") {
		r.ws.ServeHTTP(w, req)
		return
	}
	r.api.ServeHTTP(w, req)
}
