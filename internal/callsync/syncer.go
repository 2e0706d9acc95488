// Package callsync keeps the call widget consistent across every tab of an
// origin. Each tab runs one Syncer; there is no coordinator. Outbound
// changes are broadcast as timestamped envelopes, inbound envelopes are
// checked for staleness and applied through level-set handlers, so
// duplicate or reordered delivery converges to the same state.
//
// A Syncer must only be used from its tab's event loop.
package callsync

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/thorbis/callsync/internal/proto"
	"github.com/thorbis/callsync/internal/state"
	"github.com/thorbis/callsync/internal/transport"
)

// CallStore is the call state a Syncer reads and mutates.
type CallStore interface {
	Snapshot() state.Call
	SetIncomingCall(state.Caller)
	AnswerCall()
	EndCall()
	ToggleMute()
	ToggleHold()
	ToggleRecording()
}

// PreferencesStore is the widget placement a Syncer reads and mutates.
type PreferencesStore interface {
	Snapshot() state.Preferences
	SetPosition(state.Position)
	SetPopoverWidth(float64)
}

// Trace kinds reported to Options.Trace.
const (
	TraceSent       = "sent"
	TraceSuppressed = "suppressed"
	TraceReceived   = "received"
	TraceApplied    = "applied"
	TraceIgnored    = "ignored"
	TraceStale      = "stale"
	TraceMalformed  = "malformed"
	TraceFailed     = "failed"

	// TracePreferences is emitted by the tab, not the syncer, whenever its
	// preferences change.
	TracePreferences = "preferences"
)

// Trace describes one message event on a tab.
type Trace struct {
	At     time.Time         `json:"at"`
	Kind   string            `json:"kind"`
	Type   proto.MessageType `json:"type,omitempty"`
	Detail string            `json:"detail,omitempty"`
}

type Stats struct {
	Sent       int64 `json:"sent"`
	Suppressed int64 `json:"suppressed"`
	Received   int64 `json:"received"`
	Applied    int64 `json:"applied"`
	Ignored    int64 `json:"ignored"`
	Stale      int64 `json:"stale"`
	Malformed  int64 `json:"malformed"`
	Failed     int64 `json:"failed"`
}

type Options struct {
	// Staleness defaults to proto.StalenessWindow.
	Staleness time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
	// Trace, if set, is called for every message event.
	Trace func(Trace)
}

type bindings struct {
	call  CallStore
	prefs PreferencesStore
}

type counters struct {
	sent, suppressed, received, applied, ignored, stale, malformed, failed atomic.Int64
}

// Syncer is one tab's participant in the call-sync protocol.
type Syncer struct {
	tr        transport.Transport
	now       func() time.Time
	staleness time.Duration
	trace     func(Trace)

	// The message handler is registered once; it reads the current stores
	// through this cell so Bind never rebuilds the transport.
	stores atomic.Pointer[bindings]

	// processing is the echo guard: set while an inbound message is being
	// applied, during which outbound broadcasts are dropped.
	processing bool
	closed     bool

	unmirror func()
	stats    counters
}

// New attaches a Syncer to tr and starts handling inbound messages.
func New(tr transport.Transport, call CallStore, prefs PreferencesStore, opts Options) *Syncer {
	if opts.Staleness <= 0 {
		opts.Staleness = proto.StalenessWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Syncer{
		tr:        tr,
		now:       opts.Now,
		staleness: opts.Staleness,
		trace:     opts.Trace,
	}
	s.Bind(call, prefs)
	tr.OnMessage(s.handleRaw)
	return s
}

// Bind swaps the stores the Syncer reads and mutates.
func (s *Syncer) Bind(call CallStore, prefs PreferencesStore) {
	s.stores.Store(&bindings{call: call, prefs: prefs})
}

// TransportKind names the active transport.
func (s *Syncer) TransportKind() string { return s.tr.Kind() }

// Processing reports whether an inbound message is being applied.
func (s *Syncer) Processing() bool { return s.processing }

func (s *Syncer) Stats() Stats {
	return Stats{
		Sent:       s.stats.sent.Load(),
		Suppressed: s.stats.suppressed.Load(),
		Received:   s.stats.received.Load(),
		Applied:    s.stats.applied.Load(),
		Ignored:    s.stats.ignored.Load(),
		Stale:      s.stats.stale.Load(),
		Malformed:  s.stats.malformed.Load(),
		Failed:     s.stats.failed.Load(),
	}
}

// Close stops mirroring and closes the transport. Broadcasts after Close
// do nothing.
func (s *Syncer) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.unmirror != nil {
		s.unmirror()
		s.unmirror = nil
	}
	return s.tr.Close()
}

func (s *Syncer) emit(kind string, typ proto.MessageType, detail string) {
	if s.trace == nil {
		return
	}
	s.trace(Trace{At: s.now(), Kind: kind, Type: typ, Detail: detail})
}

func logf(format string, args ...any) {
	log.Printf("CALLSYNC: "+format, args...)
}
