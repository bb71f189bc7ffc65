package handler

import (
	"crypto/subtle"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

const (
	adminTokenHeader = "X-Admin-Token"
	adminUserHeader  = "X-Admin-User"
)

// BotStatus reports which partner bots are connected.
type BotStatus interface {
	Connected() []uint
}

// NewRouter creates the admin API router with its middleware stack. bots may
// be nil.
func NewRouter(apps *ApplicationHandler, bots BotStatus, adminToken string, logger *zap.Logger) chi.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", adminTokenHeader, adminUserHeader},
		MaxAge:         300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		connected := []uint{}
		if bots != nil {
			connected = bots.Connected()
		}
		sort.Slice(connected, func(i, j int) bool { return connected[i] < connected[j] })
		respondWithJSON(logger, w, http.StatusOK, map[string]interface{}{
			"status":  "healthy",
			"service": "kyc-onboarding",
			"bots":    connected,
		})
	})

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(RequireAdminToken(adminToken))
		apps.RegisterRoutes(r)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(logger, w, http.StatusNotFound, Response{Error: "endpoint not found"})
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(logger, w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
	})

	return router
}

// RequireAdminToken rejects requests without the shared admin token.
func RequireAdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(adminTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"success":false,"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoggerMiddleware logs every HTTP request.
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Int("status", ww.Status()),
					zap.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
