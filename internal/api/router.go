// Package api is the HTTP gateway: REST endpoints for cameras,
// recordings, live playback, storage management and a websocket event
// feed.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fleetcam/vms/internal/bus"
	"github.com/fleetcam/vms/internal/camera"
	"github.com/fleetcam/vms/internal/config"
	"github.com/fleetcam/vms/internal/health"
	"github.com/fleetcam/vms/internal/live"
	"github.com/fleetcam/vms/internal/playback"
	"github.com/fleetcam/vms/internal/reconcile"
	"github.com/fleetcam/vms/internal/retention"
	"github.com/fleetcam/vms/internal/store"
)

// Server wires the HTTP layer to the domain services.
type Server struct {
	store      *store.Store
	cameras    *camera.Service
	playback   *playback.Service
	exporter   *playback.Exporter
	live       *live.Manager
	retention  *retention.Engine
	reconciler *reconcile.Reconciler
	monitor    *health.Monitor
	hub        *Hub
	auth       *Authenticator
	logger     *slog.Logger
}

// Deps collects everything the server needs.
type Deps struct {
	Store      *store.Store
	Cameras    *camera.Service
	Playback   *playback.Service
	Exporter   *playback.Exporter
	Live       *live.Manager
	Retention  *retention.Engine
	Reconciler *reconcile.Reconciler
	Monitor    *health.Monitor
	Bus        *bus.Bus
	Auth       config.AuthConfig
}

// NewServer creates the gateway and connects the websocket hub to the
// event bus.
func NewServer(deps Deps) (*Server, error) {
	hub := NewHub()
	go hub.Run()

	if err := deps.Bus.SubscribeAll(hub.Relay); err != nil {
		return nil, err
	}

	return &Server{
		store:      deps.Store,
		cameras:    deps.Cameras,
		playback:   deps.Playback,
		exporter:   deps.Exporter,
		live:       deps.Live,
		retention:  deps.Retention,
		reconciler: deps.Reconciler,
		monitor:    deps.Monitor,
		hub:        hub,
		auth: NewAuthenticator(deps.Auth.TokenSecret,
			time.Duration(deps.Auth.TokenTTLMin)*time.Minute, deps.Auth.Users),
		logger: slog.Default().With("component", "api"),
	}, nil
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Range"},
		ExposedHeaders:   []string{"Content-Range", "Accept-Ranges", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/health", s.handleHealth)
	r.Post("/api/auth/token", s.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Route("/api/cameras", func(r chi.Router) {
			r.Get("/", s.handleListCameras)
			r.Post("/", s.handleUpsertCamera)
			r.Get("/{id}", s.handleGetCamera)
			r.Put("/{id}", s.handleUpsertCamera)
			r.Delete("/{id}", s.handleDeleteCamera)
			r.Post("/{id}/mode", s.handleSetMode)
			r.Post("/{id}/probe", s.handleProbeCamera)
			r.Post("/{id}/recording/start", s.handleStartRecording)
			r.Post("/{id}/recording/stop", s.handleStopRecording)
			r.Get("/{id}/recording/status", s.handleRecordingStatus)
		})

		r.Route("/api/recordings", func(r chi.Router) {
			r.Get("/", s.handleListRecordings)
			r.Get("/export", s.handleExport)
			r.Get("/at", s.handleStreamAt)
			r.Get("/{id}", s.handleGetRecording)
			r.Get("/{id}/stream", s.handleStreamRecording)
			r.Post("/{id}/protect", s.handleProtect)
			r.Delete("/{id}/protect", s.handleUnprotect)
			r.Delete("/{id}", s.handleDeleteRecording)
		})

		r.Get("/api/live", s.handleLiveStatus)
		r.Route("/api/live/{id}", func(r chi.Router) {
			r.Get("/playlist.m3u8", s.handleLivePlaylist)
			r.Get("/{media}", s.handleLiveMedia)
			r.Delete("/", s.handleLiveStop)
		})

		r.Route("/api/storage", func(r chi.Router) {
			r.Get("/stats", s.handleStorageStats)
			r.Post("/retention/run", s.handleRetentionRun)
			r.Get("/retention/preview", s.handleRetentionPreview)
			r.Post("/reconcile", s.handleReconcile)
			r.Post("/orphans/remove", s.handleRemoveOrphans)
			r.Post("/integrity", s.handleIntegrity)
			r.Post("/flush", s.handleFlushAll)
		})

		r.Route("/api/config", func(r chi.Router) {
			r.Get("/", s.handleListConfig)
			r.Put("/{key}", s.handleSetConfig)
		})

		r.Get("/api/audit", s.handleListAudit)
		r.Get("/api/events/ws", s.hub.HandleWebSocket)
	})

	return r
}

// logRequests emits one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"took", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// handleHealth reports service health. Draining and unhealthy states
// return 503 so load balancers stop routing here.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.monitor.Snapshot(r.Context())
	status := http.StatusOK
	if st, _ := snap["status"].(string); st == "unhealthy" || st == "draining" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, snap)
}
