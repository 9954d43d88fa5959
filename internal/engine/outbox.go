package engine

import "sync"

// outbox is the per-request dispatcher. The loop pushes without blocking;
// a forwarder goroutine delivers in order to the caller's channel, however
// slowly it is drained.
type outbox struct {
	mu       sync.Mutex
	queue    []Response
	signal   chan struct{}
	out      chan Response
	closeOut bool
	done     chan struct{}
}

func newOutbox(out chan Response, closeOut bool) *outbox {
	o := &outbox{
		signal:   make(chan struct{}, 1),
		out:      out,
		closeOut: closeOut,
		done:     make(chan struct{}),
	}
	go o.forward()
	return o
}

func (o *outbox) push(r Response) {
	o.mu.Lock()
	o.queue = append(o.queue, r)
	o.mu.Unlock()
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) forward() {
	defer close(o.done)
	for range o.signal {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		o.mu.Unlock()
		for _, r := range batch {
			o.out <- r
			if r.IsFinal() {
				if o.closeOut {
					close(o.out)
				}
				return
			}
		}
	}
}
