package origin

import (
	"log"
	"sync"
)

// StorageEvent is fired on every tab except the writer when a key changes.
type StorageEvent struct {
	Key      string `json:"key"`
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value,omitempty"`
	// Deleted is set when the key was removed; NewValue is then empty.
	Deleted bool `json:"deleted,omitempty"`
}

// Backend holds the values shared by every tab of an origin.
type Backend interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	Close() error
}

// ExternalNotifier is implemented by backends that can observe writes made
// by other processes sharing the same underlying store.
type ExternalNotifier interface {
	NotifyExternal(fn func(StorageEvent))
}

// Storage is a tab's view of the shared storage area.
type Storage struct {
	tab *Tab

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(StorageEvent)
}

// Get returns the value for key. Backend errors are logged and reported as
// a missing key.
func (s *Storage) Get(key string) (string, bool) {
	v, ok, err := s.tab.origin.backend.Get(key)
	if err != nil {
		log.Printf("ORIGIN: storage get %q: %v", key, err)
		return "", false
	}
	return v, ok
}

// Set stores value and notifies the other tabs. Writing the current value
// again fires no event.
func (s *Storage) Set(key, value string) error {
	o := s.tab.origin
	o.writeMu.Lock()
	old, had, err := o.backend.Get(key)
	if err != nil {
		o.writeMu.Unlock()
		return err
	}
	if had && old == value {
		o.writeMu.Unlock()
		return nil
	}
	if err := o.backend.Set(key, value); err != nil {
		o.writeMu.Unlock()
		return err
	}
	o.writeMu.Unlock()

	o.dispatchStorage(s.tab, StorageEvent{Key: key, OldValue: old, NewValue: value})
	return nil
}

// Remove deletes key and notifies the other tabs if it existed.
func (s *Storage) Remove(key string) error {
	o := s.tab.origin
	o.writeMu.Lock()
	old, had, err := o.backend.Get(key)
	if err != nil {
		o.writeMu.Unlock()
		return err
	}
	if !had {
		o.writeMu.Unlock()
		return nil
	}
	if err := o.backend.Remove(key); err != nil {
		o.writeMu.Unlock()
		return err
	}
	o.writeMu.Unlock()

	o.dispatchStorage(s.tab, StorageEvent{Key: key, OldValue: old, Deleted: true})
	return nil
}

// OnChange registers fn for storage events from other tabs. fn runs on this
// tab's loop. The returned func removes the listener.
func (s *Storage) OnChange(fn func(StorageEvent)) (cancel func()) {
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

// ListenerCount reports how many OnChange listeners are registered.
func (s *Storage) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *Storage) emit(ev StorageEvent) {
	s.mu.Lock()
	fns := make([]func(StorageEvent), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Storage) clearListeners() {
	s.mu.Lock()
	s.listeners = make(map[int]func(StorageEvent))
	s.mu.Unlock()
}

// MemoryBackend is a volatile backend; values live as long as the origin.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]string)}
}

func (m *MemoryBackend) Get(key string) (string, bool, error) {
	m.mu.RLock()
	v, ok := m.data[key]
	m.mu.RUnlock()
	return v, ok, nil
}

func (m *MemoryBackend) Set(key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Remove(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
