package haul

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

type contextKey string

const userIDKey contextKey = "user_id"

// ScanThrottle limits how often one user may upload screenshots.
// A zero Rate disables throttling.
type ScanThrottle struct {
	Rate  rate.Limit
	Burst int
}

// Server handles HTTP requests for hauls, scans and accounts
type Server struct {
	service  *Service
	tokens   *Tokens
	throttle ScanThrottle
	mux      *http.ServeMux

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, tokens *Tokens, throttle ScanThrottle) *Server {
	return NewServerWithMux(service, tokens, throttle, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, tokens *Tokens, throttle ScanThrottle, mux *http.ServeMux) *Server {
	if throttle.Rate == 0 {
		throttle.Rate = rate.Inf
	}
	if throttle.Burst < 1 {
		throttle.Burst = 1
	}
	s := &Server{
		service:  service,
		tokens:   tokens,
		throttle: throttle,
		mux:      mux,
		limiters: make(map[string]*rate.Limiter),
	}
	s.registerRoutes()
	return s
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth verifies the bearer token and stores its user ID on the request context
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="Haul Tracker"`)
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		userID, err := s.tokens.Verify(token)
		if err != nil {
			slog.Debug("Rejected bearer token", "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="Haul Tracker", error="invalid_token"`)
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

// throttleScans rejects uploads above the per-user rate
func (s *Server) throttleScans(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter(userID(r)).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, "Too many scans, slow down", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) limiter(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[userID]
	if !ok {
		l = rate.NewLimiter(s.throttle.Rate, s.throttle.Burst)
		s.limiters[userID] = l
	}
	return l
}

// userID returns the authenticated user set by requireAuth
func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Accounts
	s.mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	// Pricing
	s.mux.HandleFunc("GET /api/exchange-rates", s.handleExchangeRates)
	s.mux.HandleFunc("POST /api/totals", s.handleTotals)

	// Scans
	s.mux.HandleFunc("GET /api/scans/{id}/file", s.requireAuth(s.handleGetScanFile))
	s.mux.HandleFunc("GET /api/scans/{id}", s.requireAuth(s.handleGetScan))
	s.mux.HandleFunc("POST /api/scans", s.requireAuth(s.throttleScans(s.handleUploadScan)))

	// Hauls
	s.mux.HandleFunc("GET /api/hauls/{id}/totals", s.requireAuth(s.handleHaulTotals))
	s.mux.HandleFunc("GET /api/hauls/{id}", s.requireAuth(s.handleGetHaul))
	s.mux.HandleFunc("PUT /api/hauls/{id}", s.requireAuth(s.handleUpdateHaul))
	s.mux.HandleFunc("DELETE /api/hauls/{id}", s.requireAuth(s.handleDeleteHaul))
	s.mux.HandleFunc("GET /api/hauls", s.requireAuth(s.handleListHauls))
	s.mux.HandleFunc("POST /api/hauls", s.requireAuth(s.handleCreateHaul))
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
