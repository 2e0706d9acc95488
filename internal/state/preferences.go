package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

const defaultPositionSentinel = "default"

// Position is either the "default" sentinel (widget docked at its layout
// default) or an explicit top-left coordinate in viewport pixels.
type Position struct {
	Default bool
	X, Y    float64
}

var DefaultPosition = Position{Default: true}

func At(x, y float64) Position { return Position{X: x, Y: y} }

func (p Position) Equal(o Position) bool {
	if p.Default || o.Default {
		return p.Default == o.Default
	}
	return p.X == o.X && p.Y == o.Y
}

func (p Position) String() string {
	if p.Default {
		return defaultPositionSentinel
	}
	return fmt.Sprintf("(%g,%g)", p.X, p.Y)
}

func (p Position) MarshalJSON() ([]byte, error) {
	if p.Default {
		return json.Marshal(defaultPositionSentinel)
	}
	return json.Marshal(struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}{p.X, p.Y})
}

func (p *Position) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s != defaultPositionSentinel {
			return fmt.Errorf("unknown position %q", s)
		}
		*p = DefaultPosition
		return nil
	}
	var xy struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}
	if err := json.Unmarshal(b, &xy); err != nil {
		return err
	}
	if xy.X == nil || xy.Y == nil {
		return fmt.Errorf("position needs x and y")
	}
	*p = Position{X: *xy.X, Y: *xy.Y}
	return nil
}

type Preferences struct {
	Position     Position `json:"position"`
	PopoverWidth float64  `json:"popoverWidth"`
}

// persisted is the stored envelope, shaped like a persisted client store.
type persisted struct {
	State   Preferences `json:"state"`
	Version int         `json:"version"`
}

// KV is the storage a PreferencesStore persists into; origin.Storage
// satisfies it.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// PreferencesStore holds widget placement preferences and writes every
// change through to KV under a single key.
type PreferencesStore struct {
	kv  KV
	key string

	mu        sync.Mutex
	prefs     Preferences
	listeners map[int]func(prev, next Preferences)
	nextID    int
}

// NewPreferencesStore rehydrates from kv, falling back to defaults for a
// missing or unreadable record.
func NewPreferencesStore(kv KV, key string, defaults Preferences) *PreferencesStore {
	s := &PreferencesStore{
		kv:        kv,
		key:       key,
		prefs:     defaults,
		listeners: make(map[int]func(prev, next Preferences)),
	}
	if raw, ok := kv.Get(key); ok {
		var rec persisted
		rec.State = defaults
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Printf("PREFS: ignoring unreadable %s: %v", key, err)
		} else {
			s.prefs = rec.State
		}
	}
	return s
}

func (s *PreferencesStore) Key() string { return s.key }

func (s *PreferencesStore) Snapshot() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

func (s *PreferencesStore) Subscribe(fn func(prev, next Preferences)) (cancel func()) {
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

func (s *PreferencesStore) SetPosition(p Position) {
	s.update(func(prefs *Preferences) bool {
		if prefs.Position.Equal(p) {
			return false
		}
		prefs.Position = p
		return true
	})
}

func (s *PreferencesStore) ResetPosition() {
	s.SetPosition(DefaultPosition)
}

func (s *PreferencesStore) SetPopoverWidth(w float64) {
	s.update(func(prefs *Preferences) bool {
		if prefs.PopoverWidth == w {
			return false
		}
		prefs.PopoverWidth = w
		return true
	})
}

func (s *PreferencesStore) update(mutate func(*Preferences) bool) {
	s.mu.Lock()
	prev := s.prefs
	if !mutate(&s.prefs) {
		s.mu.Unlock()
		return
	}
	next := s.prefs
	fns := make([]func(prev, next Preferences), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.persist(next)
	for _, fn := range fns {
		fn(prev, next)
	}
}

func (s *PreferencesStore) persist(p Preferences) {
	b, err := json.Marshal(persisted{State: p})
	if err != nil {
		log.Printf("PREFS: encode: %v", err)
		return
	}
	if err := s.kv.Set(s.key, string(b)); err != nil {
		log.Printf("PREFS: persist %s: %v", s.key, err)
	}
}
