package p2p

import (
	"context"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/overlay"
)

type GossipOptions struct {
	//DirectPeers are kept as gossipsub direct peers
	DirectPeers []peer.AddrInfo
	//HeartbeatInterval defaults to the gossipsub heartbeat interval
	HeartbeatInterval time.Duration
}

type topicHandler struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

//GossipSub is the overlay.Gossip of a libp2p host
type GossipSub struct {
	logger    *zap.Logger
	host      host.Host
	ps        *pubsub.PubSub
	connector *Connector
	notifee   *network.NotifyBundle

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.RWMutex
	//joined topics stay open for publishing after an unsubscribe
	joined  map[string]*pubsub.Topic
	subs    map[string]*topicHandler
	handler overlay.Handler
}

func NewGossipSub(ctx context.Context, logger *zap.Logger, h host.Host, opts GossipOptions) (*GossipSub, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Debug("creating pubsub")
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
		pubsub.WithDirectPeers(opts.DirectPeers),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating pubsub")
	}

	ctx, cancel := context.WithCancel(ctx)
	g := &GossipSub{
		logger: logger.Named("gossip"),
		host:   h,
		ps:     ps,
		ctx:    ctx,
		cancel: cancel,
		joined: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*topicHandler),
	}
	g.connector = NewConnector(logger, h, g.deliver)

	g.notifee = &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			if h := g.getHandler(); h != nil {
				h.PeerAdded(c.RemotePeer(), c.Stat().Direction, c.RemoteMultiaddr())
			}
		},
		DisconnectedF: func(n network.Network, c network.Conn) {
			//other connections to the same peer may still be open
			if n.Connectedness(c.RemotePeer()) == network.Connected {
				return
			}
			if h := g.getHandler(); h != nil {
				h.PeerRemoved(c.RemotePeer())
			}
		},
	}
	h.Network().Notify(g.notifee)

	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = pubsub.GossipSubHeartbeatInterval
	}
	go g.heartbeat(interval)

	return g, nil
}

func (g *GossipSub) getHandler() overlay.Handler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.handler
}

func (g *GossipSub) SetHandler(h overlay.Handler) {
	g.mu.Lock()
	g.handler = h
	g.mu.Unlock()

	if h == nil {
		return
	}
	//peers connected before the handler was attached
	for _, p := range g.host.Network().Peers() {
		for _, c := range g.host.Network().ConnsToPeer(p) {
			h.PeerAdded(p, c.Stat().Direction, c.RemoteMultiaddr())
			break
		}
	}
}

func (g *GossipSub) deliver(msg overlay.Message) {
	if h := g.getHandler(); h != nil {
		h.HandleMessage(msg)
	}
}

func (g *GossipSub) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			if h := g.getHandler(); h != nil {
				h.Heartbeat()
			}
		}
	}
}

//join must be called with mu held
func (g *GossipSub) join(topic string) (*pubsub.Topic, error) {
	if t, ok := g.joined[topic]; ok {
		return t, nil
	}
	t, err := g.ps.Join(topic)
	if err != nil {
		return nil, errors.Wrap(err, "joining topic")
	}
	g.joined[topic] = t
	return t, nil
}

func (g *GossipSub) Subscribe(topic string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.subs[topic]; ok {
		return nil
	}

	t, err := g.join(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return errors.Wrap(err, "subscribing to topic")
	}

	ctx, cancel := context.WithCancel(g.ctx)
	g.subs[topic] = &topicHandler{sub: sub, cancel: cancel}

	go g.readFromTopic(ctx, topic, sub)
	return nil
}

func (g *GossipSub) readFromTopic(ctx context.Context, topic string, sub *pubsub.Subscription) {
	logger := g.logger.With(zap.String("topic", topic))
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("stopped reading from topic", zap.Error(err))
			}
			return
		}

		//own publications are echoed to local subscriptions
		if msg.ReceivedFrom == g.host.ID() {
			continue
		}

		g.deliver(overlay.Message{
			Topic: topic,
			From:  msg.ReceivedFrom,
			Data:  msg.GetData(),
		})
	}
}

func (g *GossipSub) Unsubscribe(topic string) error {
	g.mu.Lock()
	th, ok := g.subs[topic]
	delete(g.subs, topic)
	g.mu.Unlock()

	if !ok {
		return nil
	}

	th.cancel()
	th.sub.Cancel()
	return nil
}

func (g *GossipSub) Subscribed(topic string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.subs[topic]
	return ok
}

func (g *GossipSub) Publish(ctx context.Context, topic string, data []byte) error {
	g.mu.Lock()
	t, err := g.join(topic)
	g.mu.Unlock()
	if err != nil {
		return err
	}

	if err := t.Publish(ctx, data); err != nil {
		return errors.Wrap(err, "publishing to topic")
	}
	return nil
}

func (g *GossipSub) SendTo(ctx context.Context, p peer.ID, topic string, data []byte) error {
	return g.connector.Send(ctx, p, topic, data)
}

func (g *GossipSub) TopicPeers(topic string) []peer.ID {
	return g.ps.ListPeers(topic)
}

func (g *GossipSub) Peers() []peer.ID {
	return g.host.Network().Peers()
}

//Connect dials every address info, logging failures
func (g *GossipSub) Connect(ctx context.Context, peers []peer.AddrInfo) error {
	var firstErr error
	for _, ai := range peers {
		if ai.ID == g.host.ID() {
			continue
		}
		if err := g.host.Connect(ctx, ai); err != nil {
			g.logger.Warn("couldn't establish connection", zap.Stringer("peer", ai.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "connecting to %s", ai.ID)
			}
			continue
		}
		g.logger.Debug("contact established", zap.Stringer("peer", ai.ID))
	}
	return firstErr
}

//Close stops topic readers and the heartbeat, the host is left open
func (g *GossipSub) Close() {
	g.cancel()
	g.host.Network().StopNotify(g.notifee)
	g.connector.Close()

	g.mu.Lock()
	subs, joined := g.subs, g.joined
	g.subs = make(map[string]*topicHandler)
	g.joined = make(map[string]*pubsub.Topic)
	g.mu.Unlock()

	for _, th := range subs {
		th.cancel()
		th.sub.Cancel()
	}
	for topic, t := range joined {
		if err := t.Close(); err != nil {
			g.logger.Debug("couldn't close topic", zap.String("topic", topic), zap.Error(err))
		}
	}
}

//ParseAddrs turns /p2p multiaddr strings into address infos
func ParseAddrs(addrs []string) ([]peer.AddrInfo, error) {
	mas := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing multiaddr %s", a)
		}
		mas = append(mas, ma)
	}
	infos, err := peer.AddrInfosFromP2pAddrs(mas...)
	if err != nil {
		return nil, errors.Wrap(err, "parsing address info from p2p address")
	}
	return infos, nil
}
