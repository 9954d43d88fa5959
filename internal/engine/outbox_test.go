package engine

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestOutboxDeliversInOrderAndClosesOwned(t *testing.T) {
	ch := make(chan Response)
	o := newOutbox(ch, true)
	for i := 0; i < 3; i++ {
		o.push(Response{Kind: ResponseChunk, Delta: string(rune('a' + i))})
	}
	o.push(Response{Kind: ResponseFinal})
	var got string
	for r := range ch {
		got += r.Delta
	}
	if got != "abc" {
		t.Fatalf("delivered %q", got)
	}
	<-o.done
}

func TestDiscardReleasesForwarder(t *testing.T) {
	// Caller-owned and unbuffered: nothing reads it after the first chunk.
	ch := make(chan Response)
	o := newOutbox(ch, false)
	o.push(Response{Kind: ResponseChunk, Delta: "x"})
	<-ch
	o.push(Response{Kind: ResponseChunk, Delta: "y"})
	o.push(Response{Kind: ResponseFinal})

	h := &Handle{responses: ch}
	h.discard()
	select {
	case <-o.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("forwarder still blocked after discard")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("client gone") }

func TestInferWriteErrorCancelsRequest(t *testing.T) {
	s := testScheduler(t, SchedulerConfig{Pipeline: newPipe(t, textConfig(), 512)})
	start(t, s)
	req := Request{Messages: prompt("Hello"), Sampling: greedy(40), Stream: true}
	if err := s.Infer(testCtx(t), req, failingWriter{}, nil); err == nil {
		t.Fatalf("expected write error")
	}
	deadline := time.Now().Add(10 * time.Second)
	for s.LiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("request still live after write error")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentSubmitsShareNoTag(t *testing.T) {
	s := testScheduler(t, SchedulerConfig{Pipeline: newPipe(t, textConfig(), 256), MaxQueueDepth: 32})
	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Submit(Request{Messages: prompt("Hello"), Sampling: greedy(1), Tag: "same"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case IsInvalidRequest(err):
				rejected++
			default:
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()
	if accepted != 1 || rejected != n-1 {
		t.Fatalf("accepted %d rejected %d", accepted, rejected)
	}
}
