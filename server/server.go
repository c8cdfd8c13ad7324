package server

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/events"
)

//Transport is the overlay capability the coordination server needs
type Transport interface {
	Start(ctx context.Context) error
	Stop()
	Subscribe(topic string) error
	Events() events.Subscriber
}

type Options struct {
	//Topics are subscribed up front. Other topics are picked up as messages
	//arrive on them.
	Topics []string
}

//Stats summarises the traffic seen since Start
type Stats struct {
	Peers    int
	Messages map[string]int
}

//Server runs the overlay in server mode: it relays and caches every message
//and replays the cache to peers as they connect
type Server struct {
	logger    *zap.Logger
	transport Transport
	opts      Options

	mu       sync.Mutex
	peers    map[peer.ID]struct{}
	messages map[string]int
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(logger *zap.Logger, transport Transport, opts Options) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if transport == nil {
		return nil, errors.New("server requires an overlay transport")
	}
	return &Server{
		logger:    logger.Named("server"),
		transport: transport,
		opts:      opts,
		peers:     make(map[peer.ID]struct{}),
		messages:  make(map[string]int),
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	sub := s.transport.Events()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sub.Close()
		events.Listen(runCtx, sub, s.handleEvent)
	}()

	if err := s.transport.Start(runCtx); err != nil {
		s.shutdown()
		return errors.Wrap(err, "starting overlay")
	}
	for _, topic := range s.opts.Topics {
		if err := s.transport.Subscribe(topic); err != nil {
			s.transport.Stop()
			s.shutdown()
			return errors.Wrapf(err, "subscribing to topic %s", topic)
		}
	}

	s.logger.Info("server started", zap.Strings("topics", s.opts.Topics))
	return nil
}

func (s *Server) shutdown() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) Stop() {
	s.mu.Lock()
	started := s.ctx != nil
	s.mu.Unlock()
	if !started {
		return
	}
	s.transport.Stop()
	s.shutdown()
	s.logger.Info("server stopped")
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Peers: len(s.peers), Messages: make(map[string]int, len(s.messages))}
	for topic, n := range s.messages {
		st.Messages[topic] = n
	}
	return st
}

func (s *Server) handleEvent(evt events.Event) {
	switch e := evt.(type) {
	case events.Connected:
		s.mu.Lock()
		s.peers[e.Peer] = struct{}{}
		n := len(s.peers)
		s.mu.Unlock()
		s.logger.Info("peer connected", zap.Stringer("peer", e.Peer), zap.Int("peers", n))
	case events.Disconnected:
		s.mu.Lock()
		delete(s.peers, e.Peer)
		n := len(s.peers)
		s.mu.Unlock()
		s.logger.Info("peer disconnected", zap.Stringer("peer", e.Peer), zap.Int("peers", n))
	case events.Message:
		s.mu.Lock()
		s.messages[e.Topic]++
		s.mu.Unlock()
		s.logger.Debug("message", zap.String("topic", e.Topic), zap.Stringer("from", e.From), zap.Int("size", len(e.Data)))
	case events.Heartbeat:
		s.logger.Debug("heartbeat")
	}
}
