package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/extensionhost/pkg/httputil"
	"github.com/platinummonkey/extensionhost/pkg/journal"
	"github.com/platinummonkey/extensionhost/pkg/middleware"
	"github.com/platinummonkey/extensionhost/pkg/observability"
	"github.com/platinummonkey/extensionhost/pkg/plugins"
)

// maxBodyBytes bounds load and registration request bodies
const maxBodyBytes = 1 << 20

// Registry is the part of plugins.Registry the API serves
type Registry interface {
	plugins.Registrar
	Load(ctx context.Context, location string) (plugins.LoadedPlugin, error)
	Unload(ctx context.Context, name string) bool
	State() plugins.RegistryState
	Get(name string) (plugins.LoadedPlugin, bool)
	List() []plugins.LoadedPlugin
	Subscribe(fn plugins.Observer) func()
	Resolve(pluginName string, category plugins.Category, componentName string) (plugins.Component, bool)
	MenuItems() []plugins.NavItem
	SettingsItems() []plugins.NavItem
	FieldTypes() []plugins.FieldType
}

// Discoverer runs a discovery pass
type Discoverer interface {
	Discover(ctx context.Context) []plugins.LoadedPlugin
}

// Journal reads lifecycle history
type Journal interface {
	Recent(ctx context.Context, limit int) ([]journal.Event, error)
}

// Server represents the API server
type Server struct {
	registry   Registry
	discoverer Discoverer
	journal    Journal
	locate     func(name string) string
	metrics    *observability.HTTPMetrics
	limiter    *middleware.RateLimiter
	log        *logrus.Logger
	router     *mux.Router
}

// Option configures a Server
type Option func(*Server)

// WithDiscoverer enables POST /plugins/discover
func WithDiscoverer(d Discoverer) Option {
	return func(s *Server) { s.discoverer = d }
}

// WithJournal enables GET /journal
func WithJournal(j Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithLocator lets load requests name a plugin instead of giving its location
func WithLocator(locate func(name string) string) Option {
	return func(s *Server) { s.locate = locate }
}

// WithHTTPMetrics instruments every route
func WithHTTPMetrics(m *observability.HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimiter limits load, discover and unload requests per client
func WithRateLimiter(l *middleware.RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithLogger sets the server logger
func WithLogger(log *logrus.Logger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer creates a new API server
func NewServer(registry Registry, opts ...Option) *Server {
	s := &Server{
		registry: registry,
		log:      logrus.New(),
		router:   mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(httputil.RequestIDMiddleware)
	s.router.Use(httputil.RecoveryMiddleware(s.log))
	s.router.Use(httputil.LoggingMiddleware(s.log))
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	// Registry routes
	v1.HandleFunc("/plugins", s.listPlugins).Methods("GET")
	v1.Handle("/plugins/load", s.limited(httputil.MaxBytesMiddleware(maxBodyBytes)(http.HandlerFunc(s.loadPlugin)))).Methods("POST")
	v1.Handle("/plugins/discover", s.limited(http.HandlerFunc(s.discover))).Methods("POST")
	v1.Handle("/plugins/register", httputil.MaxBytesMiddleware(maxBodyBytes)(http.HandlerFunc(s.registerPlugin))).Methods("POST")
	v1.HandleFunc("/plugins/{name}", s.getPlugin).Methods("GET")
	v1.Handle("/plugins/{name}", s.limited(http.HandlerFunc(s.unloadPlugin))).Methods("DELETE")

	// Capability routes
	v1.HandleFunc("/plugins/{name}/components/{category}/{component}", s.resolveComponent).Methods("GET")
	v1.HandleFunc("/menu", s.menuItems).Methods("GET")
	v1.HandleFunc("/settings", s.settingsItems).Methods("GET")
	v1.HandleFunc("/fields", s.fieldTypes).Methods("GET")

	// History and change feed
	v1.HandleFunc("/events", s.events).Methods("GET")
	v1.HandleFunc("/journal", s.recentJournal).Methods("GET")
}

func (s *Server) limited(h http.Handler) http.Handler {
	if s.limiter == nil {
		return h
	}
	return middleware.RateLimit(s.limiter)(h)
}

// Router exposes the router for embedding in a larger mux
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped with OpenTelemetry instrumentation
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "extension-host-api")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
