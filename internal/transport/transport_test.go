package transport

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/thorbis/callsync/internal/eventloop"
	"github.com/thorbis/callsync/internal/origin"
	"github.com/thorbis/callsync/internal/proto"
)

func twoTabs(t *testing.T, opts ...origin.Option) (*origin.Origin, *origin.Tab, *origin.Tab) {
	t.Helper()
	o := origin.New("test", opts...)
	t.Cleanup(func() { o.Close() })
	a, err := o.NewTab()
	if err != nil {
		t.Fatal(err)
	}
	b, err := o.NewTab()
	if err != nil {
		t.Fatal(err)
	}
	return o, a, b
}

func msg(t *testing.T, typ proto.MessageType) proto.SyncMessage {
	t.Helper()
	m, err := proto.New(typ, time.Now(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

type inbox struct {
	got []string
}

func (i *inbox) handle(raw []byte) { i.got = append(i.got, string(raw)) }

func TestNewPrefersBroadcast(t *testing.T) {
	_, a, b := twoTabs(t)
	ta := New(context.Background(), a, Options{})
	tb := New(context.Background(), b, Options{})
	defer ta.Close()
	defer tb.Close()

	if ta.Kind() != ModeBroadcast {
		t.Fatalf("kind = %s, want broadcast", ta.Kind())
	}

	var ia, ib inbox
	ta.OnMessage(ia.handle)
	tb.OnMessage(ib.handle)

	ta.Send(msg(t, proto.TypeCallAnswered))
	a.Loop.Flush()
	b.Loop.Flush()

	if len(ia.got) != 0 {
		t.Fatalf("sender received its own message: %v", ia.got)
	}
	if len(ib.got) != 1 {
		t.Fatalf("receiver got %d messages, want 1", len(ib.got))
	}
	if _, err := proto.Decode([]byte(ib.got[0])); err != nil {
		t.Fatalf("received payload does not decode: %v", err)
	}
}

func TestFallbackWhenBroadcastUnsupported(t *testing.T) {
	_, a, b := twoTabs(t, origin.WithoutBroadcastChannel())
	ta := New(context.Background(), a, Options{Mode: ModeBroadcast})
	tb := New(context.Background(), b, Options{})
	defer ta.Close()
	defer tb.Close()

	if ta.Kind() != ModeStorage || tb.Kind() != ModeStorage {
		t.Fatalf("kinds = %s/%s, want storage", ta.Kind(), tb.Kind())
	}

	var ia, ib inbox
	ta.OnMessage(ia.handle)
	tb.OnMessage(ib.handle)

	ta.Send(msg(t, proto.TypeCallEnded))
	// The write-then-delete sequence is observed within one loop turn.
	b.Loop.Flush()
	a.Loop.Flush()

	if len(ib.got) != 1 {
		t.Fatalf("fallback receiver got %d messages, want 1", len(ib.got))
	}
	if len(ia.got) != 0 {
		t.Fatalf("fallback sender echoed: %v", ia.got)
	}
	if _, ok := a.Storage().Get(proto.FallbackKey); ok {
		t.Fatal("fallback key left behind after send")
	}
}

func TestStorageTransportIgnoresOtherKeys(t *testing.T) {
	_, a, b := twoTabs(t)
	tb := NewStorage(b, proto.FallbackKey)
	defer tb.Close()

	var ib inbox
	tb.OnMessage(ib.handle)

	_ = a.Storage().Set(proto.PreferencesKey, `{"state":{}}`)
	b.Loop.Flush()
	if len(ib.got) != 0 {
		t.Fatalf("storage transport reacted to %s", proto.PreferencesKey)
	}
}

func TestSendAfterCloseIsNoop(t *testing.T) {
	_, a, b := twoTabs(t)
	for _, tr := range []Transport{NewStorage(a, proto.FallbackKey), mustBroadcast(t, a)} {
		var ib inbox
		peer := NewStorage(b, proto.FallbackKey)
		peer.OnMessage(ib.handle)

		if err := tr.Close(); err != nil {
			t.Fatal(err)
		}
		tr.Send(msg(t, proto.TypeCallEnded))
		if err := tr.Close(); err != nil {
			t.Fatalf("second Close: %v", err)
		}
		b.Loop.Flush()
		if len(ib.got) != 0 {
			t.Fatalf("%s delivered after Close", tr.Kind())
		}
		peer.Close()
	}
}

func TestClosedStorageTransportDropsListener(t *testing.T) {
	_, a, _ := twoTabs(t)
	before := a.Storage().ListenerCount()
	tr := NewStorage(a, proto.FallbackKey)
	if a.Storage().ListenerCount() != before+1 {
		t.Fatal("listener not registered")
	}
	tr.Close()
	if a.Storage().ListenerCount() != before {
		t.Fatal("listener not removed on Close")
	}
}

func TestNilTabIsNoop(t *testing.T) {
	tr := New(context.Background(), nil, Options{})
	if tr.Kind() != "none" {
		t.Fatalf("kind = %s", tr.Kind())
	}
	tr.OnMessage(func([]byte) { t.Fatal("noop transport delivered") })
	tr.Send(msg(t, proto.TypeCallEnded))
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
}

func mustBroadcast(t *testing.T, tab *origin.Tab) *Broadcast {
	t.Helper()
	b, err := NewBroadcast(tab, proto.ChannelName)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestGossipDeliversBetweenHosts(t *testing.T) {
	if testing.Short() {
		t.Skip("opens libp2p hosts")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	la := eventloop.New("a")
	lb := eventloop.New("b")
	defer la.Close()
	defer lb.Close()

	opts := GossipOptions{MdnsTag: "callsync-test-" + time.Now().Format("150405.000")}
	ga, err := NewGossip(ctx, la, "callsync-test", opts)
	if err != nil {
		t.Skipf("gossip unavailable here: %v", err)
	}
	defer ga.Close()
	gb, err := NewGossip(ctx, lb, "callsync-test", opts)
	if err != nil {
		t.Skipf("gossip unavailable here: %v", err)
	}
	defer gb.Close()

	if err := gb.host.Connect(ctx, peer.AddrInfo{ID: ga.host.ID(), Addrs: ga.host.Addrs()}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	received := make(chan []byte, 16)
	echoed := make(chan []byte, 16)
	gb.OnMessage(func(raw []byte) { received <- raw })
	ga.OnMessage(func(raw []byte) { echoed <- raw })

	// The mesh needs a heartbeat or two before publishes propagate.
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case raw := <-received:
			if _, err := proto.Decode(raw); err != nil {
				t.Fatalf("decode: %v", err)
			}
			select {
			case <-echoed:
				t.Fatal("gossip sender received its own message")
			default:
			}
			return
		case <-tick.C:
			ga.Send(msg(t, proto.TypeCallAnswered))
		case <-ctx.Done():
			t.Fatal("message never crossed the gossip mesh")
		}
	}
}

func TestGossipDiscoveryDialsEndWithTransport(t *testing.T) {
	if testing.Short() {
		t.Skip("opens libp2p hosts")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	la := eventloop.New("a")
	lb := eventloop.New("b")
	defer la.Close()
	defer lb.Close()

	opts := GossipOptions{MdnsTag: "callsync-dial-" + time.Now().Format("150405.000")}
	ga, err := NewGossip(ctx, la, "callsync-dial", opts)
	if err != nil {
		t.Skipf("gossip unavailable here: %v", err)
	}
	defer ga.Close()
	gb, err := NewGossip(ctx, lb, "callsync-dial", opts)
	if err != nil {
		t.Skipf("gossip unavailable here: %v", err)
	}
	infoA := peer.AddrInfo{ID: ga.host.ID(), Addrs: ga.host.Addrs()}

	found := &mdnsNotifee{ctx: gb.ctx, h: gb.host}
	found.HandlePeerFound(infoA)
	if gb.host.Network().Connectedness(infoA.ID) != network.Connected {
		t.Fatal("discovered peer was not dialed")
	}

	if err := gb.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gb.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if gb.ctx.Err() == nil {
		t.Fatal("Close left the transport context running")
	}
	// must return at once instead of dialing a closed host
	done := make(chan struct{})
	go func() {
		found.HandlePeerFound(infoA)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("discovery dial outlived the transport")
	}
}
