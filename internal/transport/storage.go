package transport

import (
	"log"
	"sync"

	"github.com/thorbis/callsync/internal/origin"
	"github.com/thorbis/callsync/internal/proto"
)

// Storage uses shared storage change events as a broadcast: the sender
// writes the payload under key and removes it at once. Only other tabs see
// the change event. Two tabs writing in the same instant can overwrite each
// other before an observer reads the key; that message is lost.
type Storage struct {
	st  *origin.Storage
	key string

	mu      sync.Mutex
	handler func([]byte)
	cancel  func()
	closed  bool
}

func NewStorage(tab *origin.Tab, key string) *Storage {
	s := &Storage{st: tab.Storage(), key: key}
	s.cancel = s.st.OnChange(s.onStorage)
	return s
}

func (s *Storage) Kind() string { return ModeStorage }

func (s *Storage) onStorage(ev origin.StorageEvent) {
	if ev.Key != s.key || ev.Deleted || ev.NewValue == "" {
		return
	}
	s.mu.Lock()
	fn := s.handler
	closed := s.closed
	s.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn([]byte(ev.NewValue))
}

func (s *Storage) Send(msg proto.SyncMessage) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	raw, err := proto.Encode(msg)
	if err != nil {
		log.Printf("TRANSPORT: encode %s: %v", msg.Type, err)
		return
	}
	if err := s.st.Set(s.key, string(raw)); err != nil {
		log.Printf("TRANSPORT: write %s: %v", s.key, err)
		return
	}
	if err := s.st.Remove(s.key); err != nil {
		log.Printf("TRANSPORT: clear %s: %v", s.key, err)
	}
}

func (s *Storage) OnMessage(fn func(raw []byte)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.handler = nil
	s.cancel()
	return nil
}
