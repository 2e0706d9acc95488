package callsync

import (
	"fmt"
	"runtime/debug"

	"github.com/thorbis/callsync/internal/proto"
	"github.com/thorbis/callsync/internal/state"
)

// handleRaw is the transport's message handler. Nothing it does escapes
// into the caller's event loop.
func (s *Syncer) handleRaw(raw []byte) {
	if s.closed {
		return
	}
	s.stats.received.Add(1)

	msg, err := proto.Decode(raw)
	if err != nil {
		s.stats.malformed.Add(1)
		s.emit(TraceMalformed, "", err.Error())
		logf("dropping malformed message: %v", err)
		return
	}
	s.emit(TraceReceived, msg.Type, string(msg.Data))

	if proto.IsStale(msg, s.now(), s.staleness) {
		s.stats.stale.Add(1)
		s.emit(TraceStale, msg.Type, msg.Age(s.now()).String())
		return
	}

	s.apply(msg)
}

// apply runs the handler with the echo guard engaged. The guard is released
// even if the handler panics.
func (s *Syncer) apply(msg proto.SyncMessage) {
	s.processing = true
	defer func() {
		s.processing = false
		if r := recover(); r != nil {
			s.stats.failed.Add(1)
			s.emit(TraceFailed, msg.Type, fmt.Sprint(r))
			logf("applying %s panicked: %v\n%s", msg.Type, r, debug.Stack())
		}
	}()

	applied, err := s.dispatch(msg)
	switch {
	case err != nil:
		s.stats.malformed.Add(1)
		s.emit(TraceMalformed, msg.Type, err.Error())
		logf("dropping %s: %v", msg.Type, err)
	case applied:
		s.stats.applied.Add(1)
		s.emit(TraceApplied, msg.Type, "")
	default:
		s.stats.ignored.Add(1)
		s.emit(TraceIgnored, msg.Type, "")
	}
}

// dispatch reads the current local state and only mutates when the target
// differs from it, which is what makes redelivery harmless.
func (s *Syncer) dispatch(msg proto.SyncMessage) (bool, error) {
	b := s.stores.Load()

	switch msg.Type {
	case proto.TypeCallIncoming:
		var d proto.IncomingData
		if err := msg.DecodeData(&d); err != nil {
			return false, err
		}
		if d.Caller.Number == "" {
			return false, fmt.Errorf("caller has no number")
		}
		if b.call.Snapshot().Status != state.StatusIdle {
			return false, nil
		}
		b.call.SetIncomingCall(d.Caller)
		return true, nil

	case proto.TypeCallAnswered:
		if b.call.Snapshot().Status != state.StatusIncoming {
			return false, nil
		}
		b.call.AnswerCall()
		return true, nil

	case proto.TypeCallEnded:
		if b.call.Snapshot().Status == state.StatusIdle {
			return false, nil
		}
		b.call.EndCall()
		return true, nil

	case proto.TypeCallAction:
		var d proto.ActionData
		if err := msg.DecodeData(&d); err != nil {
			return false, err
		}
		return s.applyAction(b.call, d.Action)

	case proto.TypePositionUpdate:
		var d proto.PositionData
		if err := msg.DecodeData(&d); err != nil {
			return false, err
		}
		cur := b.prefs.Snapshot().Position
		target := state.At(d.X, d.Y)
		// A tab still on the default sentinel picks the position up from
		// the persisted preferences instead.
		if cur.Default || cur.Equal(target) {
			return false, nil
		}
		b.prefs.SetPosition(target)
		return true, nil

	case proto.TypeSizeUpdate:
		var d proto.SizeData
		if err := msg.DecodeData(&d); err != nil {
			return false, err
		}
		if d.Width <= 0 {
			return false, fmt.Errorf("width %g out of range", d.Width)
		}
		if b.prefs.Snapshot().PopoverWidth == d.Width {
			return false, nil
		}
		b.prefs.SetPopoverWidth(d.Width)
		return true, nil
	}
	return false, fmt.Errorf("unhandled type %s", msg.Type)
}

// applyAction maps an action to the absolute flag value it targets and
// toggles only if the flag is not already there.
func (s *Syncer) applyAction(call CallStore, action proto.Action) (bool, error) {
	var flag func(state.Call) bool
	var toggle func()
	want := false

	switch action {
	case proto.ActionMute, proto.ActionUnmute:
		flag = func(c state.Call) bool { return c.IsMuted }
		toggle, want = call.ToggleMute, action == proto.ActionMute
	case proto.ActionHold, proto.ActionUnhold:
		flag = func(c state.Call) bool { return c.IsOnHold }
		toggle, want = call.ToggleHold, action == proto.ActionHold
	case proto.ActionRecordStart, proto.ActionRecordStop:
		flag = func(c state.Call) bool { return c.IsRecording }
		toggle, want = call.ToggleRecording, action == proto.ActionRecordStart
	default:
		return false, fmt.Errorf("unknown action %q", action)
	}

	if flag(call.Snapshot()) == want {
		return false, nil
	}
	toggle()
	// the store refuses toggles its current status does not allow
	return flag(call.Snapshot()) == want, nil
}
