package transport

import (
	"log"
	"sync"

	"github.com/thorbis/callsync/internal/origin"
	"github.com/thorbis/callsync/internal/proto"
)

// Broadcast sends over a named origin channel. The channel itself never
// delivers a post back to its sender.
type Broadcast struct {
	ch *origin.Channel

	mu     sync.Mutex
	closed bool
}

func NewBroadcast(tab *origin.Tab, name string) (*Broadcast, error) {
	ch, err := tab.OpenChannel(name)
	if err != nil {
		return nil, err
	}
	return &Broadcast{ch: ch}, nil
}

func (b *Broadcast) Kind() string { return ModeBroadcast }

func (b *Broadcast) Send(msg proto.SyncMessage) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	raw, err := proto.Encode(msg)
	if err != nil {
		log.Printf("TRANSPORT: encode %s: %v", msg.Type, err)
		return
	}
	if err := b.ch.Post(raw); err != nil {
		log.Printf("TRANSPORT: post %s: %v", msg.Type, err)
	}
}

func (b *Broadcast) OnMessage(fn func(raw []byte)) {
	b.ch.OnMessage(fn)
}

func (b *Broadcast) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.ch.Close()
	return nil
}
