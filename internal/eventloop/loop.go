// Package eventloop runs every callback of one tab on a single goroutine.
// Tab-local state touched only from loop callbacks needs no locking.
package eventloop

import (
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// ErrClosed is returned by Do when the loop has shut down.
var ErrClosed = errors.New("event loop closed")

// DefaultFrameInterval approximates a 60Hz display refresh.
const DefaultFrameInterval = 16 * time.Millisecond

// FrameID identifies a pending animation-frame callback.
type FrameID uint64

type Option func(*Loop)

// WithFrameInterval sets how long RequestFrame waits before firing.
func WithFrameInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.frameInterval = d
		}
	}
}

// WithManualFrames disables the frame timer; pending frames fire only on
// TickFrame. Used by tests that need deterministic frame boundaries.
func WithManualFrames() Option {
	return func(l *Loop) { l.manualFrames = true }
}

type pendingFrame struct {
	fn    func()
	timer *time.Timer
}

// Loop is a cooperative single-goroutine task queue.
type Loop struct {
	name string

	mu     sync.Mutex
	queue  []func()
	closed bool

	frameInterval time.Duration
	manualFrames  bool
	nextFrame     FrameID
	frames        map[FrameID]*pendingFrame

	wake chan struct{}
	done chan struct{}
}

// New starts a loop goroutine.
func New(name string, opts ...Option) *Loop {
	l := &Loop{
		name:          name,
		frameInterval: DefaultFrameInterval,
		frames:        make(map[FrameID]*pendingFrame),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.run()
	return l
}

func (l *Loop) Name() string { return l.name }

// Post queues fn to run on the loop. It never blocks. Returns false if the
// loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from a loop callback.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Flush waits until every task queued before the call has run.
func (l *Loop) Flush() error {
	return l.Do(func() {})
}

// After runs fn on the loop once d has elapsed. The returned func cancels it.
func (l *Loop) After(d time.Duration, fn func()) (cancel func()) {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return func() { t.Stop() }
}

// RequestFrame schedules fn for the next frame.
func (l *Loop) RequestFrame(fn func()) FrameID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0
	}
	l.nextFrame++
	id := l.nextFrame
	pf := &pendingFrame{fn: fn}
	if !l.manualFrames {
		pf.timer = time.AfterFunc(l.frameInterval, func() {
			l.Post(func() { l.fireFrame(id) })
		})
	}
	l.frames[id] = pf
	return id
}

// CancelFrame drops a pending frame. Unknown or already-fired IDs are ignored.
func (l *Loop) CancelFrame(id FrameID) {
	l.mu.Lock()
	pf, ok := l.frames[id]
	delete(l.frames, id)
	l.mu.Unlock()
	if ok && pf.timer != nil {
		pf.timer.Stop()
	}
}

// PendingFrames reports how many frame callbacks are waiting to fire.
func (l *Loop) PendingFrames() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

// TickFrame fires every pending frame on the loop and waits for them.
func (l *Loop) TickFrame() error {
	l.mu.Lock()
	ids := make([]FrameID, 0, len(l.frames))
	for id := range l.frames {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	return l.Do(func() {
		for _, id := range ids {
			l.fireFrame(id)
		}
	})
}

func (l *Loop) fireFrame(id FrameID) {
	l.mu.Lock()
	pf, ok := l.frames[id]
	delete(l.frames, id)
	l.mu.Unlock()
	if ok {
		pf.fn()
	}
}

// Close stops the loop. Queued tasks that have not started are dropped and
// pending frames are canceled. Safe to call more than once.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	for id, pf := range l.frames {
		if pf.timer != nil {
			pf.timer.Stop()
		}
		delete(l.frames, id)
	}
	l.mu.Unlock()
	close(l.done)
}

// Done is closed once the loop has been closed.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if l.closed || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			l.runTask(fn)
		}
	}
}

// runTask keeps one failing callback from taking the whole tab down.
func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("LOOP: %s: task panicked: %v\n%s", l.name, r, debug.Stack())
		}
	}()
	fn()
}
