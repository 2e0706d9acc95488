package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/thorbis/callsync/internal/config"
	"github.com/thorbis/callsync/internal/drag"
	"github.com/thorbis/callsync/internal/origin"
	"github.com/thorbis/callsync/internal/state"
)

type simStep struct {
	desc string
	run  func(tabs []*Tab) error
}

// Simulate runs a scripted session across tabs on an in-memory origin and
// writes every tab's state to w after each step.
func Simulate(ctx context.Context, cfg config.Config, tabs int, w io.Writer) error {
	if tabs < 2 {
		tabs = 2
	}
	var oo []origin.Option
	if cfg.Transport.Mode == "storage" {
		oo = append(oo, origin.WithoutBroadcastChannel())
	}
	host := NewHost(origin.New("simulate", oo...), cfg, nil)
	defer host.Close()

	for i := 0; i < tabs; i++ {
		if _, err := host.OpenTab(ctx, TabOptions{}); err != nil {
			return err
		}
	}
	open := host.Tabs()
	last := open[len(open)-1]

	steps := []simStep{
		{"incoming call on tab 1", func(ts []*Tab) error {
			return ts[0].Ring(state.Caller{Number: "+15550100", Name: "Dispatch"})
		}},
		{"answer on tab 2", func(ts []*Tab) error { return ts[1].Answer() }},
		{"mute on last tab", func(ts []*Tab) error { return last.ToggleMute() }},
		{"hold on tab 1", func(ts []*Tab) error { return ts[0].ToggleHold() }},
		{"drag widget on tab 1", func(ts []*Tab) error {
			v, err := ts[0].View()
			if err != nil {
				return err
			}
			from := drag.PointerEvent{X: v.Position.X + 10, Y: v.Position.Y + 10, OnHandle: true}
			if _, err := ts[0].PointerDown(from); err != nil {
				return err
			}
			for i := 1; i <= 10; i++ {
				ev := drag.PointerEvent{X: from.X - float64(i)*40, Y: from.Y - float64(i)*15}
				if err := ts[0].PointerMove(ev); err != nil {
					return err
				}
			}
			return ts[0].PointerUp(drag.PointerEvent{X: from.X - 400, Y: from.Y - 150})
		}},
		{"resize on tab 2", func(ts []*Tab) error {
			if err := ts[1].ResizeStart(0); err != nil {
				return err
			}
			return ts[1].ResizeEnd(80)
		}},
		{"end call on last tab", func(ts []*Tab) error { return last.End() }},
	}

	for i, st := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := st.run(open); err != nil {
			return fmt.Errorf("step %q: %w", st.desc, err)
		}
		if err := settle(open); err != nil {
			return err
		}
		fmt.Fprintf(w, "── %d. %s\n", i+1, st.desc)
		for _, t := range open {
			fmt.Fprintln(w, "   "+describe(t))
		}
	}
	return nil
}

// settle flushes every tab a few rounds so that messages and the storage
// events they cause have been handled everywhere.
func settle(tabs []*Tab) error {
	for round := 0; round < 3; round++ {
		for _, t := range tabs {
			if err := t.Flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func describe(t *Tab) string {
	st := t.Status()
	var flags []string
	if st.Call.IsMuted {
		flags = append(flags, "muted")
	}
	if st.Call.IsOnHold {
		flags = append(flags, "hold")
	}
	if st.Call.IsRecording {
		flags = append(flags, "rec")
	}
	caller := "-"
	switch {
	case st.Call.Caller != nil:
		caller = st.Call.Caller.Number
	case st.Call.Ended != nil:
		caller = st.Call.Ended.Number
	}
	return fmt.Sprintf("tab %s [%s] %-8s caller=%s flags=[%s] pos=%s width=%.0f sent=%d applied=%d",
		t.ShortID(), st.Transport, st.Display, caller, strings.Join(flags, ","),
		st.Preferences.Position, st.Preferences.PopoverWidth, st.Stats.Sent, st.Stats.Applied)
}
