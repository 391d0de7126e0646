package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/MasterYang7/gpustack/internal/hub"
	"github.com/MasterYang7/gpustack/internal/store"
	"github.com/MasterYang7/gpustack/pkg/token"
)

// Options configures a Server.
type Options struct {
	Store *store.Store
	Hub   *hub.Client
	Log   zerolog.Logger

	// AdminPassword and JoinToken are the bootstrap credentials kept in
	// the data directory. Either one authenticates an API request.
	AdminPassword string
	JoinToken     string

	// HeartbeatSeconds is returned to workers at registration.
	HeartbeatSeconds int

	EnableCORS     bool
	AllowedOrigins []string

	// MaxBodyBytes caps JSON request bodies. Proxied inference bodies get
	// a separate, larger cap.
	MaxBodyBytes int64
}

// Server owns the management API and the model-serving passthrough.
type Server struct {
	store *store.Store
	hub   *hub.Client
	log   zerolog.Logger

	authSecret string
	adminHash  string
	tokenHash  string

	heartbeatSeconds int
	maxBodyBytes     int64
	authLimiter      *ipLimiter

	enableCORS     bool
	allowedOrigins []string

	rr uint64
}

func New(opts Options) (*Server, error) {
	secret, err := token.Generate()
	if err != nil {
		return nil, err
	}
	if opts.HeartbeatSeconds <= 0 {
		opts.HeartbeatSeconds = 15
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Server{
		store:            opts.Store,
		hub:              opts.Hub,
		log:              opts.Log,
		authSecret:       secret,
		adminHash:        token.Hash(opts.AdminPassword, secret),
		tokenHash:        token.Hash(opts.JoinToken, secret),
		heartbeatSeconds: opts.HeartbeatSeconds,
		maxBodyBytes:     opts.MaxBodyBytes,
		authLimiter:      newIPLimiter(rate.Every(time.Second), 20),
		enableCORS:       opts.EnableCORS,
		allowedOrigins:   opts.AllowedOrigins,
	}, nil
}

// Router builds the chi handler for the whole API surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(metricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, req)
		})
	})
	if s.enableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", s.handleReadyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	mountSwagger(r)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/workers", func(r chi.Router) {
			r.Post("/", s.handleRegisterWorker)
			r.Get("/", s.handleListWorkers)
			r.Get("/{id}", s.handleGetWorker)
			r.Delete("/{id}", s.handleDeleteWorker)
			r.Put("/{id}/status", s.handleUpdateWorkerStatus)
		})

		r.Route("/models", func(r chi.Router) {
			r.Post("/", s.handleCreateModel)
			r.Get("/", s.handleListModels)
			r.Get("/{id}", s.handleGetModel)
			r.Put("/{id}", s.handleUpdateModel)
			r.Delete("/{id}", s.handleDeleteModel)
		})

		r.Route("/model-instances", func(r chi.Router) {
			r.Get("/", s.handleListInstances)
			r.Get("/{id}", s.handleGetInstance)
			r.Delete("/{id}", s.handleDeleteInstance)
			r.Put("/{id}/state", s.handleUpdateInstanceState)
		})

		r.Get("/hub/models", s.handleHubSearch)
	})

	// OpenAI-compatible serving surface. Kept under its own prefix so the
	// management /v1/models resource does not clash with the OpenAI model
	// listing consumers expect.
	r.Route("/v1-openai", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/models", s.handleOpenAIModels)
		r.Post("/chat/completions", s.handleProxyJSON)
		r.Post("/completions", s.handleProxyJSON)
		r.Post("/embeddings", s.handleProxyJSON)
		r.Post("/audio/speech", s.handleProxyJSON)
		r.Post("/audio/transcriptions", s.handleProxyMultipart)
	})

	return r
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListWorkers(r.Context()); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
