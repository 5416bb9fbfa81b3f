package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/platinummonkey/extensionhost/pkg/httputil"
	"github.com/platinummonkey/extensionhost/pkg/observability"
	"github.com/platinummonkey/extensionhost/pkg/plugins"
)

const (
	eventBuffer       = 16
	keepAliveInterval = 30 * time.Second
)

// events streams registry snapshots as server-sent events: the current state
// first, then one "state" event per registry notification. A slow client
// skips intermediate snapshots rather than blocking the registry.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	updates := make(chan plugins.RegistryState, eventBuffer)
	unsubscribe := s.registry.Subscribe(func(state plugins.RegistryState) {
		select {
		case updates <- state:
		default:
			// drop the oldest snapshot so the newest always gets through
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- state:
			default:
			}
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	log := observability.FromContext(r.Context(), s.log)

	if err := writeEvent(w, "state", s.registry.State()); err != nil {
		log.WithError(err).Debug("Event stream closed")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case state := <-updates:
			if err := writeEvent(w, "state", state); err != nil {
				log.WithError(err).Debug("Event stream closed")
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
