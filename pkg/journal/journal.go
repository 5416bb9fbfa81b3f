package journal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extensionhost/pkg/plugins"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500

	queueSize = 256
)

// Journal turns registry snapshots into lifecycle events
type Journal struct {
	store Store
	log   *logrus.Logger
	now   func() time.Time

	mu      sync.Mutex
	prev    map[string]plugins.LoadedPlugin
	prevErr string

	queue    chan []Event
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New creates a journal writing to store
func New(store Store, log *logrus.Logger) *Journal {
	if log == nil {
		log = logrus.New()
	}
	return &Journal{
		store: store,
		log:   log,
		now:   time.Now,
		prev:  make(map[string]plugins.LoadedPlugin),
		queue: make(chan []Event, queueSize),
	}
}

// Start runs the writer until Close. Events observed before Start are queued.
func (j *Journal) Start(ctx context.Context) {
	j.startMu.Lock()
	defer j.startMu.Unlock()
	if j.started {
		return
	}
	j.started = true

	j.mu.Lock()
	queue := j.queue
	j.mu.Unlock()
	if queue == nil {
		return
	}

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for events := range queue {
			if err := j.store.Append(context.WithoutCancel(ctx), events); err != nil {
				j.log.WithError(err).WithField("events", len(events)).Error("Failed to write journal events")
			}
		}
	}()
}

// Close stops accepting events and waits for queued ones to be written
func (j *Journal) Close() {
	j.stopOnce.Do(func() {
		j.mu.Lock()
		close(j.queue)
		j.queue = nil
		j.mu.Unlock()
	})
	j.wg.Wait()
}

// Observe is a plugins.Observer recording the changes since the previous snapshot
func (j *Journal) Observe(state plugins.RegistryState) {
	j.mu.Lock()
	defer j.mu.Unlock()

	events := diff(j.prev, j.prevErr, state, j.now())
	j.prev = state.Plugins
	if j.prev == nil {
		j.prev = make(map[string]plugins.LoadedPlugin)
	}
	j.prevErr = state.Error

	if len(events) == 0 || j.queue == nil {
		return
	}

	select {
	case j.queue <- events:
	default:
		j.log.WithField("events", len(events)).Warn("Journal queue full, dropping events")
	}
}

// Recent returns up to limit events, newest first
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return j.store.Recent(ctx, limit)
}

// diff derives the events leading from the previous snapshot to state
func diff(prev map[string]plugins.LoadedPlugin, prevErr string, state plugins.RegistryState, at time.Time) []Event {
	var events []Event

	names := make([]string, 0, len(state.Plugins))
	for name := range state.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cur := state.Plugins[name]
		old, existed := prev[name]

		switch {
		case cur.Loaded && (!existed || !old.Loaded || !old.LoadedAt.Equal(cur.LoadedAt)):
			events = append(events, newEvent(EventLoaded, cur, at))
		case !cur.Loaded && (!existed || old.Loaded || old.Error != cur.Error):
			e := newEvent(EventFailed, cur, at)
			e.Message = cur.Error
			events = append(events, e)
		}
	}

	var removed []string
	for name := range prev {
		if _, ok := state.Plugins[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	for _, name := range removed {
		events = append(events, newEvent(EventUnloaded, prev[name], at))
	}

	if state.Error != "" && state.Error != prevErr {
		events = append(events, Event{
			ID:        uuid.NewString(),
			Timestamp: at,
			Type:      EventRegistryError,
			Message:   state.Error,
		})
	}

	return events
}

func newEvent(t EventType, p plugins.LoadedPlugin, at time.Time) Event {
	e := Event{
		ID:        uuid.NewString(),
		Timestamp: at,
		Type:      t,
		Plugin:    p.Name(),
		Location:  p.Location,
	}
	if p.Manifest != nil {
		e.Version = p.Manifest.Version
	}
	return e
}
