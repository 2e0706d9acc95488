package proto

import (
	"testing"
	"time"

	"github.com/thorbis/callsync/internal/state"
)

func TestEncodeDecodeIncoming(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	msg, err := New(TypeCallIncoming, now, IncomingData{Caller: state.Caller{Number: "+15550100", Name: "Ada"}})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"CALL_INCOMING","timestamp":1700000000000,"data":{"caller":{"number":"+15550100","name":"Ada"}}}`
	if string(raw) != want {
		t.Fatalf("wire = %s\nwant  %s", raw, want)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	var data IncomingData
	if err := got.DecodeData(&data); err != nil {
		t.Fatal(err)
	}
	if data.Caller.Number != "+15550100" {
		t.Fatalf("caller = %+v", data.Caller)
	}
}

func TestMessageWithoutDataOmitsField(t *testing.T) {
	msg, _ := New(TypeCallAnswered, time.UnixMilli(5), nil)
	raw, _ := Encode(msg)
	if string(raw) != `{"type":"CALL_ANSWERED","timestamp":5}` {
		t.Fatalf("wire = %s", raw)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":     `{"type":`,
		"unknown type": `{"type":"CALL_TELEPORT","timestamp":1}`,
		"no timestamp": `{"type":"CALL_ENDED"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(raw)); err == nil {
				t.Fatalf("Decode(%s) succeeded", raw)
			}
		})
	}
}

func TestIsStale(t *testing.T) {
	now := time.UnixMilli(100_000)
	cases := []struct {
		ts    int64
		stale bool
	}{
		{100_000, false},
		{95_000, false}, // exactly 5000ms old is still applied
		{94_999, true},
		{101_000, false}, // sender clock ahead of ours
	}
	for _, c := range cases {
		msg := SyncMessage{Type: TypeCallEnded, Timestamp: c.ts}
		if got := IsStale(msg, now, StalenessWindow); got != c.stale {
			t.Fatalf("ts=%d: stale=%v, want %v", c.ts, got, c.stale)
		}
	}
}

func TestActionValid(t *testing.T) {
	for _, a := range []Action{ActionMute, ActionUnmute, ActionHold, ActionUnhold, ActionRecordStart, ActionRecordStop} {
		if !a.Valid() {
			t.Fatalf("%s should be valid", a)
		}
	}
	if Action("explode").Valid() {
		t.Fatal("unknown action accepted")
	}
}
