// Package origin models a same-origin browsing environment: several tabs,
// each with its own event loop, sharing named broadcast channels and one
// key/value storage area.
package origin

import (
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/thorbis/callsync/internal/eventloop"
)

var (
	// ErrUnsupported is returned when the origin lacks a capability,
	// e.g. broadcast channels were disabled.
	ErrUnsupported = errors.New("not supported by this origin")
	// ErrClosed is returned when using a closed channel, tab or origin.
	ErrClosed = errors.New("closed")
)

type Option func(*Origin)

// WithoutBroadcastChannel makes OpenChannel fail, as in an environment
// without the BroadcastChannel primitive.
func WithoutBroadcastChannel() Option {
	return func(o *Origin) { o.noBroadcast = true }
}

// WithBackend sets the storage backend. Defaults to NewMemoryBackend().
func WithBackend(b Backend) Option {
	return func(o *Origin) { o.backend = b }
}

// Origin is the shared medium every tab of one site attaches to.
type Origin struct {
	name        string
	noBroadcast bool
	backend     Backend

	mu       sync.Mutex
	tabs     map[string]*Tab
	channels map[string]map[*Channel]struct{}
	closed   bool

	// serializes storage writes so OldValue/NewValue pairs stay coherent
	writeMu sync.Mutex
}

// New creates an origin. If the backend reports changes made by other
// processes, they are fanned out to every tab.
func New(name string, opts ...Option) *Origin {
	o := &Origin{
		name:     name,
		tabs:     make(map[string]*Tab),
		channels: make(map[string]map[*Channel]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.backend == nil {
		o.backend = NewMemoryBackend()
	}
	if ext, ok := o.backend.(ExternalNotifier); ok {
		ext.NotifyExternal(func(ev StorageEvent) {
			o.dispatchStorage(nil, ev)
		})
	}
	return o
}

func (o *Origin) Name() string { return o.name }

// SupportsBroadcast reports whether OpenChannel can succeed.
func (o *Origin) SupportsBroadcast() bool { return !o.noBroadcast }

// NewTab attaches a new tab with its own event loop.
func (o *Origin) NewTab(opts ...eventloop.Option) (*Tab, error) {
	id := uuid.NewString()
	t := &Tab{
		id:     id,
		origin: o,
		Loop:   eventloop.New("tab-"+id[:8], opts...),
	}
	t.storage = &Storage{tab: t, listeners: make(map[int]func(StorageEvent))}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		t.Loop.Close()
		return nil, ErrClosed
	}
	o.tabs[id] = t
	return t, nil
}

// Tabs returns the currently attached tabs.
func (o *Origin) Tabs() []*Tab {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Tab, 0, len(o.tabs))
	for _, t := range o.tabs {
		out = append(out, t)
	}
	return out
}

// Close detaches every tab and closes the storage backend.
func (o *Origin) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	tabs := make([]*Tab, 0, len(o.tabs))
	for _, t := range o.tabs {
		tabs = append(tabs, t)
	}
	o.mu.Unlock()

	for _, t := range tabs {
		t.Close()
	}
	return o.backend.Close()
}

func (o *Origin) removeTab(t *Tab) {
	o.mu.Lock()
	delete(o.tabs, t.id)
	o.mu.Unlock()
}

// dispatchStorage delivers ev to every tab except the writer, each on its
// own loop. writer is nil for changes made outside this process.
func (o *Origin) dispatchStorage(writer *Tab, ev StorageEvent) {
	o.mu.Lock()
	targets := make([]*Tab, 0, len(o.tabs))
	for _, t := range o.tabs {
		if t != writer {
			targets = append(targets, t)
		}
	}
	o.mu.Unlock()

	for _, t := range targets {
		t := t
		t.Loop.Post(func() { t.storage.emit(ev) })
	}
}

// Tab is one browsing context. Its callbacks all run on Loop.
type Tab struct {
	id      string
	origin  *Origin
	storage *Storage

	Loop *eventloop.Loop

	mu       sync.Mutex
	channels []*Channel
	closed   bool
}

func (t *Tab) ID() string { return t.id }

func (t *Tab) Origin() *Origin { return t.origin }

// Storage returns this tab's view of the shared storage area.
func (t *Tab) Storage() *Storage { return t.storage }

// OpenChannel opens this tab's endpoint on the named broadcast channel.
func (t *Tab) OpenChannel(name string) (*Channel, error) {
	o := t.origin
	if o.noBroadcast {
		return nil, ErrUnsupported
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	c := &Channel{name: name, tab: t}
	t.channels = append(t.channels, c)
	t.mu.Unlock()

	o.mu.Lock()
	peers, ok := o.channels[name]
	if !ok {
		peers = make(map[*Channel]struct{})
		o.channels[name] = peers
	}
	peers[c] = struct{}{}
	o.mu.Unlock()
	return c, nil
}

// Close closes the tab's channels, drops its storage listeners and stops
// its loop.
func (t *Tab) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	chans := t.channels
	t.channels = nil
	t.mu.Unlock()

	for _, c := range chans {
		c.Close()
	}
	t.storage.clearListeners()
	t.origin.removeTab(t)
	t.Loop.Close()
	log.Printf("ORIGIN: tab %s closed", t.id[:8])
}
