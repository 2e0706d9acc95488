package state

import (
	"sync"
	"time"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusIncoming Status = "incoming"
	StatusActive   Status = "active"
	// StatusEnded is never stored; see Call.DisplayStatus.
	StatusEnded    Status = "ended"
)

type Caller struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Call is the widget-visible state of the current call. Caller is nil while
// Status is idle.
//
// Ending a call returns Status to idle at once, so every tab can accept the
// next ring. Ended keeps the caller of the call that just ended for display
// until the linger passes; it takes no part in sync.
type Call struct {
	Status      Status  `json:"status"`
	IsMuted     bool    `json:"isMuted"`
	IsOnHold    bool    `json:"isOnHold"`
	IsRecording bool    `json:"isRecording"`
	Caller      *Caller `json:"caller,omitempty"`
	Ended       *Caller `json:"ended,omitempty"`
}

// DisplayStatus is what the widget shows: ended while a finished call
// lingers, Status otherwise.
func (c Call) DisplayStatus() Status {
	if c.Status == StatusIdle && c.Ended != nil {
		return StatusEnded
	}
	return c.Status
}

func (c Call) clone() Call {
	if c.Caller != nil {
		cp := *c.Caller
		c.Caller = &cp
	}
	if c.Ended != nil {
		cp := *c.Ended
		c.Ended = &cp
	}
	return c
}

// Scheduler runs fn after d and returns a cancel func. eventloop.Loop.After
// satisfies it, which keeps the deferred clear on the tab's loop.
type Scheduler func(d time.Duration, fn func()) (cancel func())

// CallStore holds one tab's call state. Listeners run synchronously inside
// the mutating call, after the lock is released.
type CallStore struct {
	mu        sync.Mutex
	call      Call
	listeners map[int]func(prev, next Call)
	nextID    int

	linger      time.Duration
	schedule    Scheduler
	cancelClear func()
}

// NewCallStore creates an idle store. If linger > 0 and schedule is set, an
// ended call stays on display for linger; otherwise it is dropped at once.
func NewCallStore(linger time.Duration, schedule Scheduler) *CallStore {
	return &CallStore{
		call:      Call{Status: StatusIdle},
		listeners: make(map[int]func(prev, next Call)),
		linger:    linger,
		schedule:  schedule,
	}
}

func (s *CallStore) Snapshot() Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call.clone()
}

// Subscribe registers fn for every state change. The returned func removes it.
func (s *CallStore) Subscribe(fn func(prev, next Call)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// update applies mutate under the lock; listeners are notified only when
// mutate reports a change.
func (s *CallStore) update(mutate func(c *Call) bool) {
	s.mu.Lock()
	prev := s.call.clone()
	if !mutate(&s.call) {
		s.mu.Unlock()
		return
	}
	next := s.call.clone()
	fns := make([]func(prev, next Call), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(prev, next)
	}
}

// SetIncomingCall rings the widget. Ignored during a live call and for a
// caller without a number.
func (s *CallStore) SetIncomingCall(caller Caller) {
	if caller.Number == "" {
		return
	}
	s.stopClear()
	s.update(func(c *Call) bool {
		if c.Status != StatusIdle {
			return false
		}
		cp := caller
		*c = Call{Status: StatusIncoming, Caller: &cp}
		return true
	})
}

func (s *CallStore) AnswerCall() {
	s.update(func(c *Call) bool {
		if c.Status != StatusIncoming {
			return false
		}
		c.Status = StatusActive
		return true
	})
}

// EndCall returns a ringing or live call to idle, keeping its caller on
// display as ended.
func (s *CallStore) EndCall() {
	ended := false
	s.update(func(c *Call) bool {
		if c.Status != StatusIncoming && c.Status != StatusActive {
			return false
		}
		caller := c.Caller
		*c = Call{Status: StatusIdle}
		if s.linger > 0 && s.schedule != nil {
			c.Ended = caller
		}
		ended = true
		return true
	})
	if ended {
		s.scheduleClear()
	}
}

// ToggleMute is allowed while ringing or active.
func (s *CallStore) ToggleMute() {
	s.update(func(c *Call) bool {
		if c.Status != StatusIncoming && c.Status != StatusActive {
			return false
		}
		c.IsMuted = !c.IsMuted
		return true
	})
}

func (s *CallStore) ToggleHold() {
	s.update(func(c *Call) bool {
		if c.Status != StatusActive {
			return false
		}
		c.IsOnHold = !c.IsOnHold
		return true
	})
}

func (s *CallStore) ToggleRecording() {
	s.update(func(c *Call) bool {
		if c.Status != StatusActive {
			return false
		}
		c.IsRecording = !c.IsRecording
		return true
	})
}

func (s *CallStore) scheduleClear() {
	if s.linger <= 0 || s.schedule == nil {
		return
	}
	s.stopClear()
	cancel := s.schedule(s.linger, func() {
		s.update(func(c *Call) bool {
			if c.Ended == nil {
				return false
			}
			c.Ended = nil
			return true
		})
	})
	s.mu.Lock()
	s.cancelClear = cancel
	s.mu.Unlock()
}

func (s *CallStore) stopClear() {
	s.mu.Lock()
	cancel := s.cancelClear
	s.cancelClear = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
