// Package api serves the hwcd HTTP API.
package api

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/smazurov/hwcomposer/internal/api/models"
	"github.com/smazurov/hwcomposer/internal/compositor"
	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/logging"
	"github.com/smazurov/hwcomposer/internal/version"
)

// DisplayService is the part of the compositor the API drives.
type DisplayService interface {
	Status() []compositor.Status
	DisplayStatus(id int) (compositor.Status, error)
	SetDPMS(id int, on bool) error
	SetMode(id int, name string) error
	UseOverlayPlanes() bool
	SetUseOverlayPlanes(enabled bool)
	UseFramebufferCache() bool
	SetUseFramebufferCache(enabled bool)
}

// Options configures the API server.
type Options struct {
	AuthUsername      string
	AuthPassword      string
	Displays          DisplayService
	EventBus          *events.Bus
	PrometheusHandler http.Handler // Optional Prometheus metrics handler
}

// Server is the Huma v2 API server.
type Server struct {
	api      huma.API
	mux      *http.ServeMux
	displays DisplayService
	eventBus *events.Bus
	logger   *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	stopped    bool
}

const authRealm = `Basic realm="hwcd"`

// basicAuthMiddleware creates middleware for HTTP basic authentication.
// SSE clients that cannot set headers may pass the base64 credentials in
// the auth query parameter.
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		// Skip auth for operations without security requirements
		if op := ctx.Operation(); op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		encoded := ctx.Query("auth")
		if header := ctx.Header("Authorization"); header != "" {
			const prefix = "Basic "
			if !strings.HasPrefix(header, prefix) {
				s.unauthorized(ctx, "Invalid authentication type")
				return
			}
			encoded = header[len(prefix):]
		}
		if encoded == "" {
			s.unauthorized(ctx, "Authentication required")
			return
		}

		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.unauthorized(ctx, "Invalid credentials format", err)
			return
		}
		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			s.unauthorized(ctx, "Invalid credentials format")
			return
		}
		if user != username || pass != password {
			s.unauthorized(ctx, "Invalid credentials")
			return
		}
		next(ctx)
	}
}

func (s *Server) unauthorized(ctx huma.Context, msg string, errs ...error) {
	ctx.SetHeader("WWW-Authenticate", authRealm)
	huma.WriteErr(s.api, ctx, http.StatusUnauthorized, msg, errs...)
}

// NewServer creates a new API server on Go's native routing.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("hwcd API", version.Get().Version)
	config.Info.Description = "Status and control of the DRM display compositor"
	// Empty servers list will make OpenAPI use relative paths, working with any host
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	server := &Server{
		api:      api,
		mux:      mux,
		displays: opts.Displays,
		eventBus: opts.EventBus,
		logger:   logging.GetLogger("api"),
	}

	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(server.requestLogMiddleware)
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		api.UseMiddleware(server.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	// Prometheus scrapes without auth
	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	server.registerRoutes()
	return server
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves the API on addr until Stop. It returns http.ErrServerClosed
// after a clean stop, also when Stop came first.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Starting API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")
	return srv.ListenAndServe()
}

// Stop closes the server. Open SSE streams are cut off.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"health"},
		Security:    []map[string][]string{}, // Empty security = no auth required
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:   "ok",
				Message:  "API is healthy",
				Displays: len(s.displays.Status()),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		return &models.VersionResponse{Body: version.Get()}, nil
	})

	s.registerDisplayRoutes()
	s.registerSettingsRoutes()
	s.registerLogRoutes()
	if s.eventBus != nil {
		s.registerSSERoutes()
		s.registerMetricsRoutes()
	}
}

// withAuth returns security requirement for basic auth
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
