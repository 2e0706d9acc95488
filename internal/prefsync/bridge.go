// Package prefsync keeps widget preferences aligned across tabs by watching
// the persisted preferences record in shared storage. It does not use the
// call-sync transport.
package prefsync

import (
	"encoding/json"
	"log"
	"sync/atomic"

	"github.com/thorbis/callsync/internal/origin"
	"github.com/thorbis/callsync/internal/state"
)

// Store is the local preferences store the bridge writes into.
type Store interface {
	Snapshot() state.Preferences
	SetPosition(state.Position)
	SetPopoverWidth(float64)
}

// Watcher delivers storage change events; *origin.Storage implements it.
type Watcher interface {
	OnChange(fn func(origin.StorageEvent)) (cancel func())
}

// record mirrors the persisted layout. Fields are pointers so a record that
// omits one leaves the local value alone.
type record struct {
	State struct {
		Position     *state.Position `json:"position"`
		PopoverWidth *float64        `json:"popoverWidth"`
	} `json:"state"`
}

type Bridge struct {
	key    string
	store  Store
	cancel func()

	applied atomic.Int64
	dropped atomic.Int64
}

// New starts listening for changes to key.
func New(w Watcher, key string, store Store) *Bridge {
	b := &Bridge{key: key, store: store}
	b.cancel = w.OnChange(b.onChange)
	return b
}

func (b *Bridge) onChange(ev origin.StorageEvent) {
	if ev.Key != b.key || ev.Deleted || ev.NewValue == "" {
		return
	}
	var rec record
	if err := json.Unmarshal([]byte(ev.NewValue), &rec); err != nil {
		b.dropped.Add(1)
		log.Printf("PREFS: dropping unreadable %s update: %v", b.key, err)
		return
	}
	cur := b.store.Snapshot()
	if p := rec.State.Position; p != nil && !p.Equal(cur.Position) {
		b.store.SetPosition(*p)
		b.applied.Add(1)
	}
	if w := rec.State.PopoverWidth; w != nil && *w > 0 && *w != cur.PopoverWidth {
		b.store.SetPopoverWidth(*w)
		b.applied.Add(1)
	}
}

// Applied counts fields written into the local store.
func (b *Bridge) Applied() int64 { return b.applied.Load() }

// Dropped counts records that failed to parse.
func (b *Bridge) Dropped() int64 { return b.dropped.Load() }

// Close removes the storage listener. Safe to call more than once.
func (b *Bridge) Close() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}
