package engine

import "sync"

// MemoryPublisher records scheduler events in publish order. Tests use it
// to check the order sequences moved through the loop.
type MemoryPublisher struct {
	mu  sync.Mutex
	log []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append(p.log, e)
}

// Events returns a snapshot of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	return p.where(func(Event) bool { return true })
}

// Named returns the events called name.
func (p *MemoryPublisher) Named(name string) []Event {
	return p.where(func(e Event) bool { return e.Name == name })
}

// Lifecycle returns the event names seen for one sequence.
func (p *MemoryPublisher) Lifecycle(seq uint64) []string {
	var names []string
	for _, e := range p.where(func(e Event) bool { return e.SeqID == seq }) {
		names = append(names, e.Name)
	}
	return names
}

func (p *MemoryPublisher) where(keep func(Event) bool) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.log {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
