package engine

// Event represents a scheduler lifecycle event.
// Minimal and stable: name + sequence id/tag and optional fields.
type Event struct {
	Name   string
	SeqID  uint64
	Tag    string
	Fields map[string]any
}

// Event names.
const (
	EventAdmitted = "admitted"
	EventPrefill  = "prefill"
	EventFinished = "finished"
	EventHeld     = "cache_hold"
)

// EventPublisher receives events from the scheduler. Implementations should
// be lightweight and non-blocking; Publish is called on the loop goroutine
// and must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
