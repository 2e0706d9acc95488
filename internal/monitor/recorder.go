package monitor

import (
	"sync"

	"github.com/thorbis/callsync/internal/callsync"
	"github.com/thorbis/callsync/internal/util"
)

// Event is a message trace tagged with the tab it happened on.
type Event struct {
	Tab string `json:"tab"`
	callsync.Trace
}

// Recorder collects message traces from every tab and fans them out to
// live subscribers.
type Recorder struct {
	events *util.RingBuffer[Event]

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 500
	}
	return &Recorder{
		events: util.NewRingBuffer[Event](max),
		subs:   make(map[chan Event]struct{}),
	}
}

// Hook returns a callsync.Options.Trace func for one tab.
func (r *Recorder) Hook(tab string) func(callsync.Trace) {
	return func(t callsync.Trace) {
		r.Record(Event{Tab: tab, Trace: t})
	}
}

func (r *Recorder) Record(e Event) {
	r.events.Push(e)
	r.mu.Lock()
	for ch := range r.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber
		}
	}
	r.mu.Unlock()
}

// Recent returns up to n of the newest events, oldest first.
func (r *Recorder) Recent(n int) []Event {
	return r.events.Last(n)
}

func (r *Recorder) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	cancel = func() {
		r.mu.Lock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}
