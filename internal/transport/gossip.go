package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/thorbis/callsync/internal/eventloop"
	"github.com/thorbis/callsync/internal/proto"
)

func init() {
	// libp2p subsystems are chatty on stderr by default.
	logging.SetLogLevel("pubsub", "error")
	logging.SetLogLevel("mdns", "warn")
	logging.SetLogLevel("swarm2", "error")
}

type GossipOptions struct {
	// ListenAddr is a multiaddr; empty means a random loopback TCP port.
	ListenAddr string
	// MdnsTag scopes local peer discovery to processes of the same origin.
	MdnsTag string
}

const defaultMdnsTag = "thorbis-call-sync-mdns"

// mdnsNotifee dials discovered peers. Dials stop when ctx, the gossip
// transport's lifetime, ends.
type mdnsNotifee struct {
	ctx context.Context
	h   host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() || n.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, 3*time.Second)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil && n.ctx.Err() == nil {
		log.Printf("TRANSPORT: connect to gossip peer %s: %v", pi.ID.ShortString(), err)
	}
}

// Gossip carries sync messages between processes over a GossipSub topic
// named after the channel, so tabs hosted by different processes of the
// same origin stay in sync. Messages published by this host are dropped
// on receipt.
type Gossip struct {
	loop  *eventloop.Loop
	host  host.Host
	md    mdns.Service
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handler func([]byte)
	closed  bool
}

func NewGossip(ctx context.Context, loop *eventloop.Loop, topicName string, opts GossipOptions) (*Gossip, error) {
	listen := opts.ListenAddr
	if listen == "" {
		listen = "/ip4/127.0.0.1/tcp/0"
	}
	addr, err := ma.NewMultiaddr(listen)
	if err != nil {
		return nil, fmt.Errorf("listen addr %q: %w", listen, err)
	}
	tag := opts.MdnsTag
	if tag == "" {
		tag = defaultMdnsTag
	}

	h, err := libp2p.New(libp2p.ListenAddrs(addr))
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	md := mdns.NewMdnsService(h, tag, &mdnsNotifee{ctx: ctx, h: h})
	if err := md.Start(); err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("start mdns: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		_ = md.Close()
		_ = h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	topic, err := ps.Join(topicName)
	if err != nil {
		cancel()
		_ = md.Close()
		_ = h.Close()
		return nil, fmt.Errorf("join %s: %w", topicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		_ = topic.Close()
		_ = md.Close()
		_ = h.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topicName, err)
	}

	g := &Gossip{
		loop:   loop,
		host:   h,
		md:     md,
		topic:  topic,
		sub:    sub,
		ctx:    ctx,
		cancel: cancel,
	}
	go g.readLoop()

	log.Printf("TRANSPORT: gossip host %s listening on %v", g.PeerID(), h.Addrs())
	return g, nil
}

func (g *Gossip) Kind() string { return ModeGossip }

// PeerID is this process's identity on the gossip mesh.
func (g *Gossip) PeerID() string { return g.host.ID().String() }

func (g *Gossip) Send(msg proto.SyncMessage) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return
	}
	raw, err := proto.Encode(msg)
	if err != nil {
		log.Printf("TRANSPORT: encode %s: %v", msg.Type, err)
		return
	}
	if err := g.topic.Publish(g.ctx, raw); err != nil {
		log.Printf("TRANSPORT: publish %s: %v", msg.Type, err)
	}
}

func (g *Gossip) OnMessage(fn func(raw []byte)) {
	g.mu.Lock()
	g.handler = fn
	g.mu.Unlock()
}

func (g *Gossip) readLoop() {
	self := g.host.ID()
	for {
		m, err := g.sub.Next(g.ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == self {
			continue
		}
		data := m.Data
		g.loop.Post(func() {
			g.mu.Lock()
			fn := g.handler
			closed := g.closed
			g.mu.Unlock()
			if !closed && fn != nil {
				fn(data)
			}
		})
	}
}

func (g *Gossip) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.handler = nil
	g.mu.Unlock()

	// The topic must close before the pubsub context is canceled, or it
	// only reports the cancellation.
	g.sub.Cancel()
	if err := g.topic.Close(); err != nil {
		log.Printf("TRANSPORT: close gossip topic: %v", err)
	}
	g.cancel()
	if err := g.md.Close(); err != nil {
		log.Printf("TRANSPORT: stop mdns: %v", err)
	}
	return g.host.Close()
}
