// Package transport delivers encoded sync messages to the other tabs of an
// origin. Delivery is best effort: unordered, unacknowledged and possibly
// lost if a tab closes mid-flight.
package transport

import (
	"context"
	"log"

	"github.com/thorbis/callsync/internal/origin"
	"github.com/thorbis/callsync/internal/proto"
)

const (
	ModeAuto      = "auto"
	ModeBroadcast = "broadcast"
	ModeStorage   = "storage"
	ModeGossip    = "gossip"
)

// Transport is one tab's endpoint into the shared medium.
type Transport interface {
	// Send is fire-and-forget. After Close it does nothing.
	Send(msg proto.SyncMessage)
	// OnMessage sets the single receive handler; a later call replaces it.
	// The handler runs on the owning tab's event loop.
	OnMessage(fn func(raw []byte))
	Close() error
	Kind() string
}

type Options struct {
	Mode        string
	Channel     string
	FallbackKey string
	Gossip      GossipOptions
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeAuto
	}
	if o.Channel == "" {
		o.Channel = proto.ChannelName
	}
	if o.FallbackKey == "" {
		o.FallbackKey = proto.FallbackKey
	}
	return o
}

// New picks a transport for tab. A medium that cannot be constructed is a
// degradation, not an error: New logs a warning and falls back to the
// storage transport. A nil tab (no browsing context) yields a no-op
// transport.
func New(ctx context.Context, tab *origin.Tab, opts Options) Transport {
	opts = opts.withDefaults()
	if tab == nil {
		log.Printf("TRANSPORT: no browsing context, cross-tab sync disabled")
		return Noop{}
	}

	switch opts.Mode {
	case ModeStorage:
		return NewStorage(tab, opts.FallbackKey)
	case ModeGossip:
		g, err := NewGossip(ctx, tab.Loop, opts.Channel, opts.Gossip)
		if err == nil {
			return g
		}
		log.Printf("TRANSPORT: WARNING gossip unavailable (%v), trying broadcast channel", err)
	}

	if !tab.Origin().SupportsBroadcast() {
		log.Printf("TRANSPORT: WARNING broadcast channel unsupported, falling back to storage events")
		return NewStorage(tab, opts.FallbackKey)
	}
	b, err := NewBroadcast(tab, opts.Channel)
	if err == nil {
		return b
	}
	log.Printf("TRANSPORT: WARNING broadcast channel unavailable (%v), falling back to storage events", err)
	return NewStorage(tab, opts.FallbackKey)
}

// Noop is used where there is no browsing context.
type Noop struct{}

func (Noop) Send(proto.SyncMessage) {}
func (Noop) OnMessage(func([]byte)) {}
func (Noop) Close() error { return nil }
func (Noop) Kind() string { return "none" }
