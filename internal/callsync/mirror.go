package callsync

import (
	"github.com/thorbis/callsync/internal/proto"
	"github.com/thorbis/callsync/internal/state"
)

// CallSubscriber is a call store that reports its transitions.
type CallSubscriber interface {
	Subscribe(fn func(prev, next state.Call)) (cancel func())
}

// MirrorCallStore broadcasts every transition of store, whoever caused it.
// Transitions caused by an inbound message happen with the echo guard
// engaged and are therefore not re-broadcast.
func (s *Syncer) MirrorCallStore(store CallSubscriber) {
	if s.unmirror != nil {
		s.unmirror()
	}
	s.unmirror = store.Subscribe(s.mirror)
}

func (s *Syncer) mirror(prev, next state.Call) {
	if prev.Status != next.Status {
		switch next.Status {
		case state.StatusIncoming:
			if next.Caller != nil {
				s.BroadcastIncomingCall(*next.Caller)
			}
		case state.StatusActive:
			if prev.Status == state.StatusIncoming {
				s.BroadcastCallAnswered()
			}
		case state.StatusIdle:
			s.BroadcastCallEnded()
		}
		return
	}

	if prev.IsMuted != next.IsMuted {
		s.BroadcastCallAction(pick(next.IsMuted, proto.ActionMute, proto.ActionUnmute))
	}
	if prev.IsOnHold != next.IsOnHold {
		s.BroadcastCallAction(pick(next.IsOnHold, proto.ActionHold, proto.ActionUnhold))
	}
	if prev.IsRecording != next.IsRecording {
		s.BroadcastCallAction(pick(next.IsRecording, proto.ActionRecordStart, proto.ActionRecordStop))
	}
}

func pick(on bool, yes, no proto.Action) proto.Action {
	if on {
		return yes
	}
	return no
}
