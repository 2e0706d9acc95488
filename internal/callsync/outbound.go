package callsync

import (
	"github.com/thorbis/callsync/internal/proto"
	"github.com/thorbis/callsync/internal/state"
)

func (s *Syncer) BroadcastIncomingCall(caller state.Caller) {
	s.send(proto.TypeCallIncoming, proto.IncomingData{Caller: caller})
}

func (s *Syncer) BroadcastCallAnswered() {
	s.send(proto.TypeCallAnswered, nil)
}

func (s *Syncer) BroadcastCallEnded() {
	s.send(proto.TypeCallEnded, nil)
}

func (s *Syncer) BroadcastCallAction(action proto.Action) {
	if !action.Valid() {
		logf("refusing to broadcast unknown action %q", action)
		return
	}
	s.send(proto.TypeCallAction, proto.ActionData{Action: action})
}

func (s *Syncer) BroadcastPositionUpdate(x, y float64) {
	s.send(proto.TypePositionUpdate, proto.PositionData{X: x, Y: y})
}

func (s *Syncer) BroadcastSizeUpdate(width float64) {
	s.send(proto.TypeSizeUpdate, proto.SizeData{Width: width})
}

func (s *Syncer) send(typ proto.MessageType, data any) {
	if s.closed {
		return
	}
	if s.processing {
		s.stats.suppressed.Add(1)
		s.emit(TraceSuppressed, typ, "")
		return
	}
	msg, err := proto.New(typ, s.now(), data)
	if err != nil {
		logf("build %s: %v", typ, err)
		return
	}
	s.tr.Send(msg)
	s.stats.sent.Add(1)
	s.emit(TraceSent, typ, string(msg.Data))
}
