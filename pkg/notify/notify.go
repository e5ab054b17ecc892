// Package notify delivers out-of-band events from the replay pipeline to an
// external target: clip save completions and worker stall alerts.
package notify

import (
	"log"
	"time"
)

// EventKind classifies a notification.
type EventKind int

const (
	EventSaveComplete EventKind = iota
	EventSaveFailed
	EventStall
	EventRecovery
)

func (k EventKind) String() string {
	switch k {
	case EventSaveComplete:
		return "save_complete"
	case EventSaveFailed:
		return "save_failed"
	case EventStall:
		return "stall"
	case EventRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Event is a single notification.
type Event struct {
	Kind    EventKind
	Title   string
	Message string
	Fields  map[string]string
	At      time.Time
}

// Notifier delivers events to an external target. Implementations must be
// safe for concurrent use; delivery failures are the caller's to log, never
// to retry from inside the pipeline loop.
type Notifier interface {
	Notify(event Event) error
}

// LogNotifier writes events to the standard logger. It is the fallback when
// no external target is configured.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(event Event) error {
	log.Printf("notify [%s] %s: %s %v", event.Kind, event.Title, event.Message, event.Fields)
	return nil
}
