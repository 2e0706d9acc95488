// internal/app/tab.go
package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/thorbis/callsync/internal/callsync"
	"github.com/thorbis/callsync/internal/config"
	"github.com/thorbis/callsync/internal/drag"
	"github.com/thorbis/callsync/internal/eventloop"
	"github.com/thorbis/callsync/internal/monitor"
	"github.com/thorbis/callsync/internal/origin"
	"github.com/thorbis/callsync/internal/prefsync"
	"github.com/thorbis/callsync/internal/proto"
	"github.com/thorbis/callsync/internal/state"
	"github.com/thorbis/callsync/internal/transport"
)

type TabOptions struct {
	// Trace receives message events, typically Recorder.Hook(tab id).
	Trace func(id string) func(callsync.Trace)
	// Now overrides the clock used for message timestamps.
	Now func() time.Time
	// ManualFrames makes drag frames fire only on Tab.TickFrame.
	ManualFrames bool
	// OnPopOut is told when a drop asks to detach the widget.
	OnPopOut func(drag.Point)
}

// Tab is one browsing context with the call widget mounted: its stores, the
// cross-tab syncer, the preference bridge and the drag coordinator. Every
// method that touches tab state runs on the tab's event loop.
type Tab struct {
	tab    *origin.Tab
	call   *state.CallStore
	prefs  *state.PreferencesStore
	sync   *callsync.Syncer
	bridge *prefsync.Bridge
	drag   *drag.Coordinator

	unwatchPrefs func()
	closeOnce    sync.Once
}

// Open attaches a new tab to o and mounts the widget on it.
func Open(ctx context.Context, o *origin.Origin, cfg config.Config, opts TabOptions) (*Tab, error) {
	loopOpts := []eventloop.Option{eventloop.WithFrameInterval(cfg.FrameInterval())}
	if opts.ManualFrames {
		loopOpts = append(loopOpts, eventloop.WithManualFrames())
	}
	ot, err := o.NewTab(loopOpts...)
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}

	t := &Tab{tab: ot}
	err = ot.Loop.Do(func() { t.mount(ctx, cfg, opts) })
	if err != nil {
		ot.Close()
		return nil, fmt.Errorf("mount tab: %w", err)
	}
	return t, nil
}

func (t *Tab) mount(ctx context.Context, cfg config.Config, opts TabOptions) {
	ot := t.tab
	t.call = state.NewCallStore(cfg.EndedLinger(), ot.Loop.After)
	t.prefs = state.NewPreferencesStore(ot.Storage(), proto.PreferencesKey, state.Preferences{
		Position:     state.DefaultPosition,
		PopoverWidth: cfg.Drag.DefaultWidth,
	})

	tr := transport.New(ctx, ot, transport.Options{
		Mode:        cfg.Transport.Mode,
		Channel:     cfg.Transport.Channel,
		FallbackKey: cfg.Transport.FallbackKey,
		Gossip: transport.GossipOptions{
			ListenAddr: cfg.GossipListenAddr(),
			MdnsTag:    cfg.Transport.MdnsTag,
		},
	})

	so := callsync.Options{Staleness: cfg.Staleness(), Now: opts.Now}
	if opts.Trace != nil {
		so.Trace = opts.Trace(ot.ID())
	}
	t.sync = callsync.New(tr, t.call, t.prefs, so)
	t.sync.MirrorCallStore(t.call)

	t.bridge = prefsync.New(ot.Storage(), proto.PreferencesKey, t.prefs)
	if so.Trace != nil {
		t.watchPrefs(so.Trace, opts.Now)
	}

	t.drag = drag.New(ot.Loop, t.prefs, t.sync, drag.Options{
		Viewport:        drag.Size{Width: cfg.Drag.ViewportW, Height: cfg.Drag.ViewportH},
		WidgetHeight:    cfg.Drag.WidgetHeight,
		SnapThreshold:   cfg.Drag.SnapPx,
		PopOutThreshold: cfg.Drag.PopOutPx,
		TouchSlop:       cfg.Drag.TouchSlopPx,
		MinWidth:        cfg.Drag.MinWidth,
		MaxWidth:        cfg.Drag.MaxWidth,
		DefaultMargin:   cfg.Drag.DefaultMargin,
		OnPopOut:        opts.OnPopOut,
	})

	log.Printf("CALLSYNC: tab %s mounted on %s transport", t.ShortID(), tr.Kind())
}

// watchPrefs reports every preference change, local or from another tab,
// to trace.
func (t *Tab) watchPrefs(trace func(callsync.Trace), now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	key := t.prefs.Key()
	t.unwatchPrefs = t.prefs.Subscribe(func(prev, next state.Preferences) {
		trace(callsync.Trace{
			At:     now(),
			Kind:   callsync.TracePreferences,
			Detail: prefsChange(key, prev, next),
		})
	})
}

func prefsChange(key string, prev, next state.Preferences) string {
	var parts []string
	if !prev.Position.Equal(next.Position) {
		parts = append(parts, fmt.Sprintf("position %s -> %s", prev.Position, next.Position))
	}
	if prev.PopoverWidth != next.PopoverWidth {
		parts = append(parts, fmt.Sprintf("width %.0f -> %.0f", prev.PopoverWidth, next.PopoverWidth))
	}
	return key + ": " + strings.Join(parts, ", ")
}

func (t *Tab) ID() string { return t.tab.ID() }

func (t *Tab) ShortID() string { return t.tab.ID()[:8] }

// Transport names the medium this tab syncs over.
func (t *Tab) Transport() string { return t.sync.TransportKind() }

func (t *Tab) do(fn func()) error { return t.tab.Loop.Do(fn) }

// Ring shows an incoming call on this tab.
func (t *Tab) Ring(caller state.Caller) error {
	return t.do(func() { t.call.SetIncomingCall(caller) })
}

func (t *Tab) Answer() error          { return t.do(t.call.AnswerCall) }
func (t *Tab) End() error             { return t.do(t.call.EndCall) }
func (t *Tab) ToggleMute() error      { return t.do(t.call.ToggleMute) }
func (t *Tab) ToggleHold() error      { return t.do(t.call.ToggleHold) }
func (t *Tab) ToggleRecording() error { return t.do(t.call.ToggleRecording) }

func (t *Tab) PointerDown(ev drag.PointerEvent) (started bool, err error) {
	err = t.do(func() { started = t.drag.PointerDown(ev) })
	return started, err
}

func (t *Tab) PointerMove(ev drag.PointerEvent) error {
	return t.do(func() { t.drag.PointerMove(ev) })
}

func (t *Tab) PointerUp(ev drag.PointerEvent) error {
	return t.do(func() { t.drag.PointerUp(ev) })
}

func (t *Tab) ResizeStart(x float64) error {
	return t.do(func() { t.drag.ResizeStart(x) })
}

func (t *Tab) ResizeMove(x float64) error {
	return t.do(func() { t.drag.ResizeMove(x) })
}

func (t *Tab) ResizeEnd(x float64) error {
	return t.do(func() { t.drag.ResizeEnd(x) })
}

func (t *Tab) ResetPosition() error { return t.do(t.drag.ResetPosition) }

func (t *Tab) SetViewport(vp drag.Size) error {
	return t.do(func() { t.drag.SetViewport(vp) })
}

// View returns the widget placement as currently rendered.
func (t *Tab) View() (v drag.View, err error) {
	err = t.do(func() { v = t.drag.View() })
	return v, err
}

// TickFrame fires pending animation frames; only meaningful with
// TabOptions.ManualFrames.
func (t *Tab) TickFrame() error { return t.tab.Loop.TickFrame() }

// Flush waits for every callback already queued on the tab.
func (t *Tab) Flush() error { return t.tab.Loop.Flush() }

// Status is safe from any goroutine; the stores and counters lock.
func (t *Tab) Status() monitor.TabStatus {
	call := t.call.Snapshot()
	return monitor.TabStatus{
		ID:          t.ID(),
		Transport:   t.Transport(),
		Call:        call,
		Display:     call.DisplayStatus(),
		Preferences: t.prefs.Snapshot(),
		Stats:       t.sync.Stats(),
	}
}

// Close unmounts the widget and closes the tab: the transport, both storage
// listeners and any pending frame are released before the loop stops.
func (t *Tab) Close() {
	t.closeOnce.Do(func() {
		err := t.do(func() {
			if t.unwatchPrefs != nil {
				t.unwatchPrefs()
			}
			t.drag.Close()
			t.bridge.Close()
			if err := t.sync.Close(); err != nil {
				log.Printf("CALLSYNC: tab %s: close transport: %v", t.ShortID(), err)
			}
		})
		if err != nil {
			log.Printf("CALLSYNC: tab %s: unmount: %v", t.ShortID(), err)
		}
		t.tab.Close()
	})
}
