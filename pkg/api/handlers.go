package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/extensionhost/pkg/httputil"
	"github.com/platinummonkey/extensionhost/pkg/observability"
	"github.com/platinummonkey/extensionhost/pkg/plugins"
)

// PluginsResponse is the body of GET /plugins
type PluginsResponse struct {
	Plugins []plugins.LoadedPlugin `json:"plugins"`
	Loading bool                   `json:"loading"`
	Error   string                 `json:"error,omitempty"`
}

// LoadRequest is the body of POST /plugins/load
type LoadRequest struct {
	Location string `json:"location,omitempty"`
	Name     string `json:"name,omitempty"`
}

// LoadResponse is the body of a load or registration outcome
type LoadResponse struct {
	Plugin *plugins.LoadedPlugin `json:"plugin,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// DiscoverResponse is the body of POST /plugins/discover
type DiscoverResponse struct {
	Loaded []plugins.LoadedPlugin `json:"loaded"`
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	state := s.registry.State()
	httputil.WriteSuccess(w, PluginsResponse{
		Plugins: s.registry.List(),
		Loading: state.Loading,
		Error:   state.Error,
	})
}

func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}

	p, found := s.registry.Get(name)
	if !found {
		httputil.WriteNotFoundError(w, "plugin not found: "+name)
		return
	}
	httputil.WriteSuccess(w, p)
}

func (s *Server) loadPlugin(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	location := strings.TrimSpace(req.Location)
	if location == "" && req.Name != "" && s.locate != nil {
		location = s.locate(req.Name)
	}
	if location == "" {
		httputil.WriteBadRequest(w, "location is required")
		return
	}

	p, err := s.registry.Load(r.Context(), location)
	if err != nil {
		status := loadErrorStatus(err)
		resp := LoadResponse{Error: err.Error()}
		if p.Manifest != nil {
			resp.Plugin = &p
		}
		observability.FromContext(r.Context(), s.log).WithError(err).WithField("location", location).Info("Load request failed")
		httputil.WriteJSON(w, status, resp)
		return
	}

	httputil.WriteSuccess(w, LoadResponse{Plugin: &p})
}

// loadErrorStatus maps a load failure to an HTTP status
func loadErrorStatus(err error) int {
	switch {
	case errors.Is(err, plugins.ErrRegistrationTimeout):
		return http.StatusAccepted
	case errors.Is(err, plugins.ErrInvalidManifest):
		return http.StatusUnprocessableEntity
	case errors.Is(err, plugins.ErrModuleLoadFailure):
		return http.StatusBadGateway
	case errors.Is(err, plugins.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, plugins.ErrManifestUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, plugins.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) unloadPlugin(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}

	if !s.registry.Unload(r.Context(), name) {
		httputil.WriteNotFoundError(w, "plugin not found: "+name)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	if s.discoverer == nil {
		httputil.WriteNotFoundError(w, "discovery is not configured")
		return
	}

	loaded := s.discoverer.Discover(r.Context())
	if loaded == nil {
		loaded = []plugins.LoadedPlugin{}
	}
	httputil.WriteSuccess(w, DiscoverResponse{Loaded: loaded})
}

func (s *Server) registerPlugin(w http.ResponseWriter, r *http.Request) {
	var manifest plugins.Manifest
	if !httputil.ParseJSONOrError(w, r, &manifest) {
		return
	}

	if errs := plugins.ValidateManifest(&manifest); len(errs) > 0 {
		details := make(map[string]string, len(errs))
		for _, e := range errs {
			details[e.Field] = e.Message
		}
		httputil.WriteDetailedError(w, http.StatusUnprocessableEntity, plugins.ErrInvalidManifest, details)
		return
	}

	if err := s.registry.Register(&manifest); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	observability.FromContext(r.Context(), s.log).WithFields(map[string]interface{}{
		"plugin":   manifest.Name,
		"location": r.Header.Get("X-Plugin-Location"),
	}).Info("Plugin registered over HTTP")

	p, _ := s.registry.Get(manifest.Name)
	httputil.WriteCreated(w, LoadResponse{Plugin: &p})
}

func (s *Server) resolveComponent(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.ParsePathStringOrError(w, r, "name")
	if !ok {
		return
	}
	category, ok := httputil.ParsePathStringOrError(w, r, "category")
	if !ok {
		return
	}
	component, ok := httputil.ParsePathStringOrError(w, r, "component")
	if !ok {
		return
	}

	c, found := s.registry.Resolve(name, plugins.Category(category), component)
	if !found {
		httputil.WriteNotFoundError(w, "component not available")
		return
	}
	httputil.WriteSuccess(w, c)
}

func (s *Server) menuItems(w http.ResponseWriter, r *http.Request) {
	items := s.registry.MenuItems()
	if items == nil {
		items = []plugins.NavItem{}
	}
	httputil.WriteSuccess(w, items)
}

func (s *Server) settingsItems(w http.ResponseWriter, r *http.Request) {
	items := s.registry.SettingsItems()
	if items == nil {
		items = []plugins.NavItem{}
	}
	httputil.WriteSuccess(w, items)
}

func (s *Server) fieldTypes(w http.ResponseWriter, r *http.Request) {
	fields := s.registry.FieldTypes()
	if fields == nil {
		fields = []plugins.FieldType{}
	}
	httputil.WriteSuccess(w, fields)
}

func (s *Server) recentJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		httputil.WriteNotFoundError(w, "journal is not enabled")
		return
	}

	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, events)
}
