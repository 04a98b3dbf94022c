package server

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-grant-server/auth"
	"github.com/jrsteele09/go-grant-server/internal/config"
	"github.com/jrsteele09/go-grant-server/server/authflowrepo"
	"github.com/jrsteele09/go-grant-server/token/keys"
)

type Server struct {
	env      string // Environment (e.g., "DEV", "PROD")
	mux      *http.ServeMux
	routes   []string
	config   config.Config
	auth     *auth.AuthorizationService
	repos    auth.Repos
	keys     keys.Provider
	flows    authflowrepo.Repo
	gatherer prometheus.Gatherer
	pages    map[string]*template.Template
	now      func() time.Time

	skipBootstrap bool
}

type Option func(*Server)

// WithMetricsGatherer selects the registry served at /metrics.
func WithMetricsGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithoutBootstrap skips seeding the demo clients and the admin account.
func WithoutBootstrap() Option {
	return func(s *Server) {
		s.skipBootstrap = true
	}
}

func New(cfg config.Config, repos auth.Repos, authService *auth.AuthorizationService, provider keys.Provider, flows authflowrepo.Repo, options ...Option) (*Server, error) {
	if authService == nil {
		return nil, fmt.Errorf("[Server New] authorization service is required")
	}
	if flows == nil {
		flows = authflowrepo.NewInMemoryRepo()
	}

	s := &Server{
		env:      cfg.GetEnv(),
		mux:      http.NewServeMux(),
		config:   cfg,
		auth:     authService,
		repos:    repos,
		keys:     provider,
		flows:    flows,
		gatherer: prometheus.DefaultGatherer,
		now:      time.Now,
	}
	for _, opt := range options {
		opt(s)
	}

	pages, err := parsePages()
	if err != nil {
		return nil, fmt.Errorf("[Server New] failed to parse templates: %w", err)
	}
	s.pages = pages

	if !s.skipBootstrap {
		if err := s.InitialiseSystem(); err != nil {
			return nil, fmt.Errorf("[Server New] Failed to initialise the system: %w", err)
		}
	}

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func colouredMethod(method string) string {
	paddedMethod := fmt.Sprintf(" %-7s", method)
	if color, ok := methodColors[method]; ok {
		return color + paddedMethod + ResetColor
	}
	return Gray + paddedMethod + ResetColor
}

func logRoute(method, path string) {
	log.Info().Msgf("[%-19s] %s", colouredMethod(method), path)
}

// Helper function to determine the scheme (http/https)
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}
