package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/thorbis/callsync/internal/config"
	"github.com/thorbis/callsync/internal/monitor"
	"github.com/thorbis/callsync/internal/origin"
	"github.com/thorbis/callsync/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	// Ready, if set, is called with the monitor URL once it is listening.
	Ready func(url string)
}

// Host owns one origin and the tabs open on it.
type Host struct {
	origin *origin.Origin
	cfg    config.Config
	rec    *monitor.Recorder

	mu   sync.Mutex
	tabs []*Tab
}

func NewHost(o *origin.Origin, cfg config.Config, rec *monitor.Recorder) *Host {
	return &Host{origin: o, cfg: cfg, rec: rec}
}

// OpenTab mounts a new tab, recording its message events if the host has
// a recorder.
func (h *Host) OpenTab(ctx context.Context, opts TabOptions) (*Tab, error) {
	if h.rec != nil && opts.Trace == nil {
		opts.Trace = h.rec.Hook
	}
	t, err := Open(ctx, h.origin, h.cfg, opts)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.tabs = append(h.tabs, t)
	h.mu.Unlock()
	return t, nil
}

func (h *Host) Tabs() []*Tab {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Tab(nil), h.tabs...)
}

// TabStatuses implements monitor.Inspector.
func (h *Host) TabStatuses() []monitor.TabStatus {
	tabs := h.Tabs()
	out := make([]monitor.TabStatus, 0, len(tabs))
	for _, t := range tabs {
		out = append(out, t.Status())
	}
	return out
}

// Close closes every tab, then the origin and its storage.
func (h *Host) Close() error {
	h.mu.Lock()
	tabs := h.tabs
	h.tabs = nil
	h.mu.Unlock()
	for _, t := range tabs {
		t.Close()
	}
	return h.origin.Close()
}

// Run hosts cfg.Monitor.Tabs tabs on one origin and serves the monitor
// until ctx is canceled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBuf := monitor.NewLogBuffer(cfg.Monitor.BufferSize)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	logBanner(opt.PeerDir, opt.CfgPath)

	backend, err := OpenBackend(opt.PeerDir, cfg.Storage)
	if err != nil {
		return err
	}
	o := origin.New("callsync", origin.WithBackend(backend))

	rec := monitor.NewRecorder(cfg.Monitor.BufferSize)
	host := NewHost(o, cfg, rec)
	defer func() {
		if err := host.Close(); err != nil {
			log.Printf("CALLSYNC: close origin: %v", err)
		}
	}()

	for i := 0; i < cfg.Monitor.Tabs; i++ {
		if _, err := host.OpenTab(ctx, TabOptions{}); err != nil {
			return fmt.Errorf("tab %d: %w", i, err)
		}
	}

	mux := http.NewServeMux()
	monitor.Register(mux, host, rec, logBuf)

	addr, url, tcpAddr := NormalizeLocalViewer(cfg.Monitor.HTTPAddr)
	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if err := WaitTCP(tcpAddr, util.ShortTimeout); err != nil {
		select {
		case serr := <-errCh:
			return fmt.Errorf("monitor: %w", serr)
		default:
			return fmt.Errorf("monitor: %w", err)
		}
	}
	log.Printf("MONITOR: %s/api/callsync/debug", url)
	if opt.Ready != nil {
		opt.Ready(url)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("monitor: %w", err)
	}

	log.Println("CALLSYNC: context cancelled, closing tabs")
	sctx, cancel := context.WithTimeout(context.Background(), util.DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf("MONITOR: shutdown: %v", err)
	}
	return nil
}
