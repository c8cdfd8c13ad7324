package overlay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/cache"
	"github.com/Galeaf11/sdk/events"
	"github.com/Galeaf11/sdk/messages"
	"github.com/Galeaf11/sdk/storage"
	"github.com/Galeaf11/sdk/telemetry"
)

const DefaultConnectDelay = 300 * time.Millisecond

var (
	ErrNoDirectPeers = errors.New("client mode requires at least one direct peer")
	ErrNoStorage     = errors.New("server mode requires a message cache storage")
)

//Transformer decodes the caching relevant part of a raw message
type Transformer func(data []byte) (messages.Envelope, error)

type Options struct {
	IsClient    bool
	DirectPeers []peer.AddrInfo
	//Transformer defaults to messages.DecodeEnvelope
	Transformer Transformer
	//ConnectDelay is the wait between an inbound connection and the replay
	//of cached messages to it
	ConnectDelay time.Duration

	CachePrefix string
	Now         func() time.Time
}

//Overlay decorates a Gossip with forced direct peer delivery (client) or
//message caching and replay on connect (server)
type Overlay struct {
	logger *zap.Logger
	gossip Gossip
	opts   Options
	role   string
	direct map[peer.ID]struct{}
	cache  *cache.MessageCache

	emitter *events.Emitter
	pruning int32

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	known  map[peer.ID]struct{}
	sent   map[peer.ID]map[string]struct{}
	timers map[peer.ID]*time.Timer
	wg     sync.WaitGroup
}

func New(logger *zap.Logger, gossip Gossip, opts Options, store storage.Storage) (*Overlay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gossip == nil {
		return nil, errors.New("overlay requires a gossip transport")
	}
	if opts.IsClient && len(opts.DirectPeers) == 0 {
		return nil, ErrNoDirectPeers
	}
	if opts.Transformer == nil {
		opts.Transformer = messages.DecodeEnvelope
	}
	if opts.ConnectDelay <= 0 {
		opts.ConnectDelay = DefaultConnectDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	role := "server"
	if opts.IsClient {
		role = "client"
	}

	o := &Overlay{
		logger:  logger.Named("overlay").With(zap.String("role", role)),
		gossip:  gossip,
		opts:    opts,
		role:    role,
		direct:  make(map[peer.ID]struct{}, len(opts.DirectPeers)),
		emitter: events.NewEmitter(),
		known:   make(map[peer.ID]struct{}),
		sent:    make(map[peer.ID]map[string]struct{}),
		timers:  make(map[peer.ID]*time.Timer),
	}
	for _, ai := range opts.DirectPeers {
		o.direct[ai.ID] = struct{}{}
	}

	if !opts.IsClient {
		if store == nil {
			return nil, ErrNoStorage
		}
		c, err := cache.New(logger, store, cache.Options{Prefix: opts.CachePrefix, Now: opts.Now})
		if err != nil {
			return nil, errors.Wrap(err, "creating message cache")
		}
		o.cache = c
	}

	return o, nil
}

func (o *Overlay) IsClient() bool {
	return o.opts.IsClient
}

func (o *Overlay) DirectPeers() []peer.AddrInfo {
	return append([]peer.AddrInfo(nil), o.opts.DirectPeers...)
}

//Events subscribes to overlay lifecycle and message events
func (o *Overlay) Events() events.Subscriber {
	return o.emitter.Subscribe()
}

//---------------------------<LIFECYCLE>

func (o *Overlay) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.ctx != nil {
		o.mu.Unlock()
		return errors.New("overlay already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	o.gossip.SetHandler(o)
	o.logger.Info("overlay started", zap.Int("directPeers", len(o.direct)))
	o.emitter.Emit(events.Start{})
	return nil
}

//Stop detaches from the transport and releases timers. Cache operations in
//flight finish against a cancelled context and their results are dropped.
func (o *Overlay) Stop() {
	o.mu.Lock()
	if o.ctx == nil {
		o.mu.Unlock()
		return
	}
	o.cancel()
	o.ctx, o.cancel = nil, nil
	for p, t := range o.timers {
		t.Stop()
		delete(o.timers, p)
	}
	o.mu.Unlock()

	o.gossip.SetHandler(nil)
	o.wg.Wait()

	o.logger.Info("overlay stopped")
	o.emitter.Emit(events.Stop{})
}

//runCtx is nil once the overlay is stopped
func (o *Overlay) runCtx() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctx
}

//---------------------------</LIFECYCLE>
//---------------------------<TOPICS>

func (o *Overlay) Subscribe(topic string) error {
	if err := o.gossip.Subscribe(topic); err != nil {
		return errors.Wrapf(err, "subscribing to topic %s", topic)
	}
	return nil
}

func (o *Overlay) Unsubscribe(topic string) error {
	if err := o.gossip.Unsubscribe(topic); err != nil {
		return errors.Wrapf(err, "unsubscribing from topic %s", topic)
	}
	return nil
}

func (o *Overlay) Subscribed(topic string) bool {
	return o.gossip.Subscribed(topic)
}

//SelectRecipients are the gossip peers of topic plus, in client mode, every
//direct peer whether or not it advertised the topic
func (o *Overlay) SelectRecipients(topic string) []peer.ID {
	peers := o.gossip.TopicPeers(topic)
	if !o.opts.IsClient {
		return peers
	}

	seen := make(map[peer.ID]struct{}, len(peers))
	for _, p := range peers {
		seen[p] = struct{}{}
	}
	for _, ai := range o.opts.DirectPeers {
		if _, ok := seen[ai.ID]; ok {
			continue
		}
		seen[ai.ID] = struct{}{}
		peers = append(peers, ai.ID)
	}
	return peers
}

//Publish broadcasts data on topic. In client mode recipients the mesh does
//not cover are reached point-to-point.
func (o *Overlay) Publish(ctx context.Context, topic string, data []byte) error {
	if err := o.gossip.Publish(ctx, topic, data); err != nil {
		return errors.Wrapf(err, "publishing to topic %s", topic)
	}
	telemetry.OverlayMessages.WithLabelValues(o.role, "published").Inc()

	if !o.opts.IsClient {
		return nil
	}

	covered := make(map[peer.ID]struct{})
	for _, p := range o.gossip.TopicPeers(topic) {
		covered[p] = struct{}{}
	}
	for _, p := range o.SelectRecipients(topic) {
		if _, ok := covered[p]; ok {
			continue
		}
		if err := o.gossip.SendTo(ctx, p, topic, data); err != nil {
			telemetry.OverlayDirectSends.WithLabelValues("forced", "failed").Inc()
			o.logger.Warn("failed pushing message to direct peer",
				zap.Stringer("peer", p), zap.String("topic", topic), zap.Error(err))
			continue
		}
		telemetry.OverlayDirectSends.WithLabelValues("forced", "ok").Inc()
	}
	return nil
}

//---------------------------</TOPICS>
//---------------------------<TRANSPORT CALLBACKS>

func (o *Overlay) HandleMessage(msg Message) {
	ctx := o.runCtx()
	if ctx == nil {
		return
	}

	source := "gossip"
	if msg.Direct {
		source = "direct"
	}
	telemetry.OverlayMessages.WithLabelValues(o.role, source).Inc()

	if !o.opts.IsClient {
		if !o.gossip.Subscribed(msg.Topic) {
			if err := o.gossip.Subscribe(msg.Topic); err != nil {
				o.logger.Error("failed subscribing to new topic", zap.String("topic", msg.Topic), zap.Error(err))
			} else {
				o.logger.Info("subscribed to new topic", zap.String("topic", msg.Topic))
			}
		}

		o.cacheMessage(ctx, msg)

		//pushed messages never went through the mesh
		if msg.Direct {
			if err := o.gossip.Publish(ctx, msg.Topic, msg.Data); err != nil {
				o.logger.Warn("failed relaying pushed message", zap.String("topic", msg.Topic), zap.Error(err))
			}
		}
	}

	o.emitter.Emit(events.Message{Topic: msg.Topic, From: msg.From, Data: msg.Data})
}

func (o *Overlay) cacheMessage(ctx context.Context, msg Message) {
	env, err := o.opts.Transformer(msg.Data)
	if err != nil {
		o.logger.Warn("not caching malformed message", zap.String("topic", msg.Topic), zap.Stringer("from", msg.From), zap.Error(err))
		return
	}
	if messages.Expired(env.Expire, o.opts.Now()) {
		o.logger.Debug("not caching expired message", zap.String("id", env.ID))
		return
	}

	id := cache.MessageID(msg.Data)
	if _, err := o.cache.Set(ctx, id, msg.From, msg.Topic, msg.Data, env.Expire, env.Nonce); err != nil {
		if ctx.Err() != nil {
			return
		}
		o.logger.Error("failed caching message", zap.String("id", id), zap.Error(err))
		return
	}

	//the sender already has it
	o.markSent(msg.From, id)
}

func (o *Overlay) markSent(p peer.ID, id string) {
	if p == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	ids, ok := o.sent[p]
	if !ok {
		ids = make(map[string]struct{})
		o.sent[p] = ids
	}
	ids[id] = struct{}{}
}

func (o *Overlay) wasSent(p peer.ID, id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.sent[p][id]
	return ok
}

func (o *Overlay) PeerAdded(p peer.ID, dir network.Direction, addr multiaddr.Multiaddr) {
	o.mu.Lock()
	if o.ctx == nil {
		o.mu.Unlock()
		return
	}
	_, known := o.known[p]
	o.known[p] = struct{}{}
	telemetry.OverlayPeers.WithLabelValues(o.role).Set(float64(len(o.known)))

	schedule := !known && !o.opts.IsClient && dir == network.DirInbound
	if schedule {
		o.timers[p] = time.AfterFunc(o.opts.ConnectDelay, func() {
			o.peerConnected(p)
		})
	}
	o.mu.Unlock()

	if known {
		return
	}
	fields := []zap.Field{zap.Stringer("peer", p), zap.Stringer("direction", dir)}
	if addr != nil {
		fields = append(fields, zap.Stringer("addr", addr))
	}
	o.logger.Debug("peer added", fields...)
	o.emitter.Emit(events.Connected{Peer: p})
}

//peerConnected replays unexpired cached messages to a freshly connected peer
func (o *Overlay) peerConnected(p peer.ID) {
	o.mu.Lock()
	ctx := o.ctx
	delete(o.timers, p)
	if ctx != nil {
		o.wg.Add(1)
	}
	o.mu.Unlock()
	if ctx == nil {
		return
	}
	defer o.wg.Done()

	if !o.isLive(p) {
		return
	}

	entries, err := o.cache.Get(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("failed reading message cache for replay", zap.Stringer("peer", p), zap.Error(err))
		}
		return
	}
	if ctx.Err() != nil || len(entries) == 0 {
		return
	}

	pushed := 0
	for _, e := range entries {
		if o.wasSent(p, e.ID) {
			continue
		}
		if err := o.gossip.SendTo(ctx, p, e.Topic, e.Data); err != nil {
			telemetry.OverlayDirectSends.WithLabelValues("replay", "failed").Inc()
			o.logger.Warn("failed replaying cached message", zap.Stringer("peer", p), zap.String("id", e.ID), zap.Error(err))
			continue
		}
		telemetry.OverlayDirectSends.WithLabelValues("replay", "ok").Inc()
		o.markSent(p, e.ID)
		pushed++
	}

	o.logger.Debug("replayed cached messages", zap.Stringer("peer", p), zap.Int("count", pushed))
}

func (o *Overlay) isLive(p peer.ID) bool {
	for _, lp := range o.gossip.Peers() {
		if lp == p {
			return true
		}
	}
	return false
}

func (o *Overlay) PeerRemoved(p peer.ID) {
	o.mu.Lock()
	_, known := o.known[p]
	delete(o.known, p)
	delete(o.sent, p)
	if t, ok := o.timers[p]; ok {
		t.Stop()
		delete(o.timers, p)
	}
	telemetry.OverlayPeers.WithLabelValues(o.role).Set(float64(len(o.known)))
	o.mu.Unlock()

	if !known {
		return
	}
	o.logger.Debug("peer removed", zap.Stringer("peer", p))
	o.emitter.Emit(events.Disconnected{Peer: p})
}

//Heartbeat is driven by the transport; the server prunes its cache off the
//heartbeat path
func (o *Overlay) Heartbeat() {
	o.mu.Lock()
	ctx := o.ctx
	prune := ctx != nil && o.cache != nil && atomic.CompareAndSwapInt32(&o.pruning, 0, 1)
	if prune {
		o.wg.Add(1)
	}
	o.mu.Unlock()
	if ctx == nil {
		return
	}

	o.emitter.Emit(events.Heartbeat{})

	if !prune {
		return
	}
	go func() {
		defer o.wg.Done()
		defer atomic.StoreInt32(&o.pruning, 0)
		o.cache.Prune(ctx)
	}()
}

//---------------------------</TRANSPORT CALLBACKS>

//Cached lists the unexpired cached messages, server mode only
func (o *Overlay) Cached(ctx context.Context) ([]cache.Entry, error) {
	if o.cache == nil {
		return nil, errors.New("client overlay has no message cache")
	}
	return o.cache.Get(ctx)
}
