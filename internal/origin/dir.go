package origin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/thorbis/callsync/internal/util"
)

const dirValueExt = ".kv"

// dirRecord is the on-disk form of one key. Writer lets a process
// recognise its own writes when the watcher reports them.
type dirRecord struct {
	Writer string `json:"writer"`
	Value  string `json:"value"`
}

// DirBackend stores one file per key in a directory shared by several
// processes. An fsnotify watcher turns writes made by other processes into
// storage events.
type DirBackend struct {
	dir     string
	writer  string
	watcher *fsnotify.Watcher

	mu          sync.Mutex
	cache       map[string]string
	selfRemoved map[string]int
	notify      func(StorageEvent)

	closed    chan struct{}
	closeOnce sync.Once
}

// OpenDir opens dir as a storage backend and starts watching it.
func OpenDir(dir string) (*DirBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	b := &DirBackend{
		dir:         dir,
		writer:      uuid.NewString(),
		watcher:     watcher,
		cache:       make(map[string]string),
		selfRemoved: make(map[string]int),
		closed:      make(chan struct{}),
	}
	go b.watchLoop()
	return b, nil
}

func (b *DirBackend) Dir() string { return b.dir }

func (b *DirBackend) path(key string) string {
	return filepath.Join(b.dir, url.PathEscape(key)+dirValueExt)
}

func (b *DirBackend) keyOf(path string) (string, bool) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, dirValueExt) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, dirValueExt))
	if err != nil {
		return "", false
	}
	return key, true
}

func (b *DirBackend) read(path string) (dirRecord, error) {
	var rec dirRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

func (b *DirBackend) Get(key string) (string, bool, error) {
	rec, err := b.read(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Value, true, nil
}

func (b *DirBackend) Set(key, value string) error {
	data, err := json.Marshal(dirRecord{Writer: b.writer, Value: value})
	if err != nil {
		return err
	}
	if err := util.WriteFileAtomic(b.path(key), data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	b.mu.Lock()
	b.cache[key] = value
	b.mu.Unlock()
	return nil
}

func (b *DirBackend) Remove(key string) error {
	b.mu.Lock()
	b.selfRemoved[key]++
	delete(b.cache, key)
	b.mu.Unlock()

	err := os.Remove(b.path(key))
	if err == nil {
		return nil
	}
	// no watcher event will follow
	b.mu.Lock()
	if b.selfRemoved[key]--; b.selfRemoved[key] <= 0 {
		delete(b.selfRemoved, key)
	}
	b.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("delete %s: %w", key, err)
}

// NotifyExternal sets the callback for changes made by other processes.
func (b *DirBackend) NotifyExternal(fn func(StorageEvent)) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

func (b *DirBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.watcher.Close()
	})
	return err
}

func (b *DirBackend) watchLoop() {
	for {
		select {
		case <-b.closed:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			key, ok := b.keyOf(event.Name)
			if !ok {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				b.handleWrite(key, event.Name)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				b.handleRemove(key)
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("ORIGIN: storage watcher error: %v", err)
		}
	}
}

func (b *DirBackend) handleWrite(key, path string) {
	rec, err := b.read(path)
	if err != nil {
		// Write-then-delete by another process can remove the file before
		// we read it; that update is lost.
		return
	}

	b.mu.Lock()
	old := b.cache[key]
	b.cache[key] = rec.Value
	fn := b.notify
	b.mu.Unlock()

	if rec.Writer == b.writer || old == rec.Value || fn == nil {
		return
	}
	fn(StorageEvent{Key: key, OldValue: old, NewValue: rec.Value})
}

func (b *DirBackend) handleRemove(key string) {
	b.mu.Lock()
	if b.selfRemoved[key] > 0 {
		b.selfRemoved[key]--
		if b.selfRemoved[key] == 0 {
			delete(b.selfRemoved, key)
		}
		b.mu.Unlock()
		return
	}
	old := b.cache[key]
	delete(b.cache, key)
	fn := b.notify
	b.mu.Unlock()

	if fn != nil {
		fn(StorageEvent{Key: key, OldValue: old, Deleted: true})
	}
}
