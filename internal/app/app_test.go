package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/thorbis/callsync/internal/callsync"
	"github.com/thorbis/callsync/internal/config"
	"github.com/thorbis/callsync/internal/drag"
	"github.com/thorbis/callsync/internal/monitor"
	"github.com/thorbis/callsync/internal/origin"
	"github.com/thorbis/callsync/internal/state"
	"github.com/thorbis/callsync/internal/transport"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Call.EndedLingerMs = 0
	return cfg
}

func openHost(t *testing.T, n int, opts ...origin.Option) (*Host, []*Tab) {
	t.Helper()
	return openHostConfig(t, testConfig(), n, opts...)
}

func openHostConfig(t *testing.T, cfg config.Config, n int, opts ...origin.Option) (*Host, []*Tab) {
	t.Helper()
	h := NewHost(origin.New("test", opts...), cfg, monitor.NewRecorder(100))
	t.Cleanup(func() { h.Close() })
	for i := 0; i < n; i++ {
		if _, err := h.OpenTab(context.Background(), TabOptions{ManualFrames: true}); err != nil {
			t.Fatal(err)
		}
	}
	return h, h.Tabs()
}

func mustSettle(t *testing.T, tabs []*Tab) {
	t.Helper()
	if err := settle(tabs); err != nil {
		t.Fatal(err)
	}
}

func TestTabsConvergeOnCallState(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []origin.Option
		kind string
	}{
		{"broadcast", nil, transport.ModeBroadcast},
		{"storage fallback", []origin.Option{origin.WithoutBroadcastChannel()}, transport.ModeStorage},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, tabs := openHost(t, 3, tc.opts...)
			for _, tab := range tabs {
				if tab.Transport() != tc.kind {
					t.Fatalf("transport = %s, want %s", tab.Transport(), tc.kind)
				}
			}

			if err := tabs[0].Ring(state.Caller{Number: "+15550100"}); err != nil {
				t.Fatal(err)
			}
			mustSettle(t, tabs)
			if err := tabs[1].Answer(); err != nil {
				t.Fatal(err)
			}
			mustSettle(t, tabs)
			if err := tabs[2].ToggleMute(); err != nil {
				t.Fatal(err)
			}
			mustSettle(t, tabs)

			for i, tab := range tabs {
				c := tab.Status().Call
				if c.Status != state.StatusActive || !c.IsMuted || c.Caller == nil || c.Caller.Number != "+15550100" {
					t.Fatalf("tab %d call = %+v", i, c)
				}
			}
			for i, tab := range tabs {
				if sent := tab.Status().Stats.Sent; sent != 1 {
					t.Fatalf("tab %d sent %d messages, want 1", i, sent)
				}
			}
		})
	}
}

// A call that starts while the previous one is still shown as ended must
// reach every tab, whatever the linger.
func TestSecondCallReachesEveryTab(t *testing.T) {
	for _, linger := range []int{0, 60000} {
		t.Run(fmt.Sprintf("linger %dms", linger), func(t *testing.T) {
			cfg := testConfig()
			cfg.Call.EndedLingerMs = linger
			_, tabs := openHostConfig(t, cfg, 2)
			a := tabs[0]

			step := func(fn func() error) {
				t.Helper()
				if err := fn(); err != nil {
					t.Fatal(err)
				}
				mustSettle(t, tabs)
			}
			step(func() error { return a.Ring(state.Caller{Number: "+15550100"}) })
			step(a.End)

			wantDisplay := state.StatusIdle
			if linger > 0 {
				wantDisplay = state.StatusEnded
			}
			for i, tab := range tabs {
				st := tab.Status()
				if st.Call.Status != state.StatusIdle || st.Display != wantDisplay {
					t.Fatalf("tab %d after end: status=%s display=%s", i, st.Call.Status, st.Display)
				}
			}

			step(func() error { return a.Ring(state.Caller{Number: "+15550111"}) })
			for i, tab := range tabs {
				c := tab.Status().Call
				if c.Status != state.StatusIncoming || c.Caller == nil || c.Caller.Number != "+15550111" {
					t.Fatalf("tab %d after second ring: %+v", i, c)
				}
			}

			step(a.Answer)
			for i, tab := range tabs {
				st := tab.Status()
				if st.Call.Status != state.StatusActive || st.Display != state.StatusActive || st.Call.Ended != nil {
					t.Fatalf("tab %d after answer: %+v", i, st.Call)
				}
			}
		})
	}
}

func TestDraggedPositionReachesOtherTabs(t *testing.T) {
	_, tabs := openHost(t, 2)

	v, err := tabs[0].View()
	if err != nil {
		t.Fatal(err)
	}
	down := drag.PointerEvent{X: v.Position.X + 5, Y: v.Position.Y + 5, OnHandle: true}
	if ok, err := tabs[0].PointerDown(down); err != nil || !ok {
		t.Fatalf("PointerDown = %v, %v", ok, err)
	}
	for i := 1; i <= 20; i++ {
		if err := tabs[0].PointerMove(drag.PointerEvent{X: down.X - float64(i)*10, Y: down.Y}); err != nil {
			t.Fatal(err)
		}
	}
	if err := tabs[0].TickFrame(); err != nil {
		t.Fatal(err)
	}
	if err := tabs[0].PointerUp(drag.PointerEvent{X: down.X - 200, Y: down.Y}); err != nil {
		t.Fatal(err)
	}
	mustSettle(t, tabs)

	want := state.At(v.Position.X-200, v.Position.Y)
	for i, tab := range tabs {
		if got := tab.Status().Preferences.Position; !got.Equal(want) {
			t.Fatalf("tab %d position = %v, want %v", i, got, want)
		}
	}
	if sent := tabs[0].Status().Stats.Sent; sent != 1 {
		t.Fatalf("dragging tab sent %d, want 1", sent)
	}

	if err := tabs[1].ResetPosition(); err != nil {
		t.Fatal(err)
	}
	mustSettle(t, tabs)
	if !tabs[0].Status().Preferences.Position.Default {
		t.Fatal("reset did not propagate through preferences")
	}
}

func TestCloseTearsDownTab(t *testing.T) {
	h, tabs := openHost(t, 2, origin.WithoutBroadcastChannel())
	closing := tabs[0]

	if n := closing.tab.Storage().ListenerCount(); n != 2 {
		t.Fatalf("listeners before close = %d, want 2", n)
	}
	down, err := closing.PointerDown(drag.PointerEvent{X: 900, Y: 300, OnHandle: true})
	if err != nil || !down {
		t.Fatalf("PointerDown = %v, %v", down, err)
	}
	if err := closing.PointerMove(drag.PointerEvent{X: 800, Y: 300}); err != nil {
		t.Fatal(err)
	}
	if closing.tab.Loop.PendingFrames() != 1 {
		t.Fatal("expected a pending frame")
	}

	closing.Close()
	closing.Close()

	if n := closing.tab.Storage().ListenerCount(); n != 0 {
		t.Fatalf("listeners after close = %d", n)
	}
	if closing.tab.Loop.PendingFrames() != 0 {
		t.Fatal("pending frame survived close")
	}
	if err := closing.Answer(); err == nil {
		t.Fatal("closed tab still accepts actions")
	}

	// The survivor keeps working alone.
	if err := tabs[1].Ring(state.Caller{Number: "1"}); err != nil {
		t.Fatal(err)
	}
	if got := len(h.origin.Tabs()); got != 1 {
		t.Fatalf("origin tabs = %d, want 1", got)
	}
}

func TestHostStatusesAndRecorder(t *testing.T) {
	h, tabs := openHost(t, 2)
	if err := tabs[0].Ring(state.Caller{Number: "42"}); err != nil {
		t.Fatal(err)
	}
	mustSettle(t, tabs)

	if got := len(h.TabStatuses()); got != 2 {
		t.Fatalf("statuses = %d", got)
	}
	events := h.rec.Recent(-1)
	var sent, applied int
	for _, e := range events {
		switch e.Kind {
		case "sent":
			sent++
		case "applied":
			applied++
		}
	}
	if sent != 1 || applied != 1 {
		t.Fatalf("sent=%d applied=%d events=%+v", sent, applied, events)
	}
}

func TestPreferenceChangesAreRecorded(t *testing.T) {
	h, tabs := openHost(t, 2)
	if err := tabs[0].ResizeStart(100); err != nil {
		t.Fatal(err)
	}
	if err := tabs[0].ResizeEnd(160); err != nil {
		t.Fatal(err)
	}
	mustSettle(t, tabs)

	perTab := map[string][]string{}
	for _, e := range h.rec.Recent(-1) {
		if e.Kind == callsync.TracePreferences {
			perTab[e.Tab] = append(perTab[e.Tab], e.Detail)
		}
	}
	for i, tab := range tabs {
		got := perTab[tab.ID()]
		if len(got) != 1 || !strings.Contains(got[0], "width 360 -> 420") {
			t.Fatalf("tab %d preference events = %q", i, got)
		}
	}

	// a click on the handle changes nothing and records nothing
	v, err := tabs[1].View()
	if err != nil {
		t.Fatal(err)
	}
	at := drag.PointerEvent{X: v.Position.X + 5, Y: v.Position.Y + 5, OnHandle: true}
	if _, err := tabs[1].PointerDown(at); err != nil {
		t.Fatal(err)
	}
	if err := tabs[1].PointerUp(at); err != nil {
		t.Fatal(err)
	}
	mustSettle(t, tabs)
	for _, e := range h.rec.Recent(-1) {
		if e.Kind == callsync.TracePreferences && strings.Contains(e.Detail, "position") {
			t.Fatalf("click recorded a position change: %+v", e)
		}
	}
	if !tabs[1].Status().Preferences.Position.Default {
		t.Fatal("click replaced the default position")
	}
}

func TestOpenBackend(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"memory", "sqlite", "dir"} {
		t.Run(name, func(t *testing.T) {
			b, err := OpenBackend(dir, config.Storage{Backend: name, Path: filepath.Join(name, "store")})
			if err != nil {
				t.Fatal(err)
			}
			defer b.Close()
			if err := b.Set("k", "v"); err != nil {
				t.Fatal(err)
			}
			if v, ok, err := b.Get("k"); err != nil || !ok || v != "v" {
				t.Fatalf("Get = %q, %v, %v", v, ok, err)
			}
		})
	}
	for _, tc := range []struct{ backend, want string }{
		{"sqlite", config.DefaultSQLitePath},
		{"dir", config.DefaultDirPath},
	} {
		b, err := OpenBackend(dir, config.Storage{Backend: tc.backend})
		if err != nil {
			t.Fatalf("%s with default path: %v", tc.backend, err)
		}
		b.Close()
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(tc.want))); err != nil {
			t.Fatalf("%s default path not used: %v", tc.backend, err)
		}
	}
	if _, err := OpenBackend(dir, config.Storage{Backend: "tape"}); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func TestSimulate(t *testing.T) {
	var out bytes.Buffer
	if err := Simulate(context.Background(), testConfig(), 3, &out); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	if strings.Count(text, "── ") != 7 {
		t.Fatalf("unexpected step count:\n%s", text)
	}
	if !strings.Contains(text, "active") || !strings.Contains(text, "muted,hold") {
		t.Fatalf("simulation did not converge:\n%s", text)
	}
}
