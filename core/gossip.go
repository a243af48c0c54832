package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// InboundMsg is one message delivered off a subscribed topic.
type InboundMsg struct {
	PeerID string
	Topic  string
	Data   []byte
	Ts     int64
}

// GossipLayer is the libp2p pubsub transport every replica uses to
// exchange PBFT envelopes and mempool announcements. One topic is joined
// per distinct chainparams topic string the node cares about.
type GossipLayer struct {
	host   host.Host
	pubsub *pubsub.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	peerMu sync.RWMutex
	peers  map[peer.ID]struct{}
}

// NewGossipLayer starts a libp2p host listening on listenAddr, joins the
// GossipSub router, and begins mDNS peer discovery tagged discoveryTag.
func NewGossipLayer(listenAddr, discoveryTag string, log *logrus.Logger) (*GossipLayer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("gossip: create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("gossip: create pubsub: %w", err)
	}

	g := &GossipLayer{
		host:   h,
		pubsub: ps,
		ctx:    ctx,
		cancel: cancel,
		log:    log.WithField("component", "gossip"),
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		peers:  make(map[peer.ID]struct{}),
	}

	mdns.NewMdnsService(h, discoveryTag, g)
	return g, nil
}

var _ mdns.Notifee = (*GossipLayer)(nil)

// HandlePeerFound implements mdns.Notifee: dial every peer mDNS surfaces
// on the local network, skipping ourselves and peers we already know.
func (g *GossipLayer) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == g.host.ID() {
		return
	}
	g.peerMu.RLock()
	_, known := g.peers[info.ID]
	g.peerMu.RUnlock()
	if known {
		return
	}
	if err := g.host.Connect(g.ctx, info); err != nil {
		g.log.WithError(err).Warn("connect to discovered peer failed")
		return
	}
	g.peerMu.Lock()
	g.peers[info.ID] = struct{}{}
	g.peerMu.Unlock()
	g.log.WithField("peer", info.ID.String()).Info("connected via mdns")
}

// DialSeed connects to a fixed list of bootstrap multiaddrs, used when
// mDNS discovery is unavailable (replicas on different networks).
func (g *GossipLayer) DialSeed(seeds []string) error {
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			g.log.WithError(err).WithField("addr", addr).Warn("invalid seed address")
			continue
		}
		if err := g.host.Connect(g.ctx, *pi); err != nil {
			g.log.WithError(err).WithField("addr", addr).Warn("dial seed failed")
			continue
		}
		g.peerMu.Lock()
		g.peers[pi.ID] = struct{}{}
		g.peerMu.Unlock()
	}
	return nil
}

func (g *GossipLayer) joinTopic(topic string) (*pubsub.Topic, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.topics[topic]; ok {
		return t, nil
	}
	t, err := g.pubsub.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("gossip: join %s: %w", topic, err)
	}
	g.topics[topic] = t
	return t, nil
}

// Broadcast publishes data on topic, joining it first if this is the
// first time the node has spoken on it.
func (g *GossipLayer) Broadcast(topic string, data []byte) error {
	t, err := g.joinTopic(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(g.ctx, data); err != nil {
		return fmt.Errorf("gossip: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins topic if necessary and returns a channel of inbound
// messages from peers (excluding our own publishes). The channel closes
// when the gossip layer is closed.
func (g *GossipLayer) Subscribe(topic string) (<-chan InboundMsg, error) {
	t, err := g.joinTopic(topic)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	sub, ok := g.subs[topic]
	if !ok {
		var err error
		sub, err = t.Subscribe()
		if err != nil {
			g.mu.Unlock()
			return nil, fmt.Errorf("gossip: subscribe %s: %w", topic, err)
		}
		g.subs[topic] = sub
	}
	g.mu.Unlock()

	out := make(chan InboundMsg, 32)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(g.ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == g.host.ID() {
				continue
			}
			select {
			case out <- InboundMsg{PeerID: msg.ReceivedFrom.String(), Topic: topic, Data: msg.Data, Ts: time.Now().UnixMilli()}:
			case <-g.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// PeerCount returns the number of peers discovered or dialed so far.
func (g *GossipLayer) PeerCount() int {
	g.peerMu.RLock()
	defer g.peerMu.RUnlock()
	return len(g.peers)
}

// ID returns this node's libp2p peer id, used as the PBFT leader
// identifier on pre-prepare broadcasts.
func (g *GossipLayer) ID() string { return g.host.ID().String() }

// Close tears down the pubsub router and host.
func (g *GossipLayer) Close() error {
	g.cancel()
	return g.host.Close()
}
