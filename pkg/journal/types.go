package journal

import (
	"context"
	"time"
)

// EventType classifies a journal entry
type EventType string

const (
	EventLoaded        EventType = "loaded"
	EventFailed        EventType = "failed"
	EventUnloaded      EventType = "unloaded"
	EventRegistryError EventType = "registry_error"
)

// Event is one recorded change of registry state
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Plugin    string    `json:"plugin,omitempty"`
	Version   string    `json:"version,omitempty"`
	Location  string    `json:"location,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Store persists journal events
type Store interface {
	Append(ctx context.Context, events []Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
}
