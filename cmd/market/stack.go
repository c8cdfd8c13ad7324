package main

import (
	"context"
	"net"
	"net/http"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/Galeaf11/sdk/api"
	"github.com/Galeaf11/sdk/config"
	"github.com/Galeaf11/sdk/overlay"
	"github.com/Galeaf11/sdk/p2p"
	"github.com/Galeaf11/sdk/storage"
	"github.com/Galeaf11/sdk/telemetry"
)

//stack is the transport, storage and service plumbing shared by every role
type stack struct {
	logger *zap.Logger
	cfg    *config.Config

	host       host.Host
	gossip     *p2p.GossipSub
	kad        *dht.IpfsDHT
	store      storage.Storage
	closeStore func() error
	overlay    *overlay.Overlay

	metrics *http.Server
	api     *grpc.Server
}

func newStack(ctx context.Context, logger *zap.Logger, cfg *config.Config, isClient bool) (*stack, error) {
	s := &stack{logger: logger, cfg: cfg, closeStore: func() error { return nil }}

	if cfg.Metrics.Addr != "" {
		logger.Info("serving metrics", zap.String("address", cfg.Metrics.Addr))
		s.metrics = telemetry.Serve(cfg.Metrics.Addr)
	}

	direct, err := p2p.ParseAddrs(cfg.P2P.DirectPeers)
	if err != nil {
		return nil, errors.Wrap(err, "parsing direct peers")
	}
	bootstrappers, err := p2p.ParseAddrs(cfg.P2P.Bootstrappers)
	if err != nil {
		return nil, errors.Wrap(err, "parsing bootstrappers")
	}

	s.host, err = p2p.NewHost(logger, p2p.HostConfig{
		ListenAddrs:  cfg.P2P.ListenAddrs,
		IdentityFile: cfg.P2P.IdentityFile,
		EnableRelay:  cfg.P2P.EnableRelay,
		EnableNAT:    cfg.P2P.EnableNAT,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	for _, addr := range p2p.FullAddrs(s.host) {
		logger.Info("listening", zap.String("address", addr))
	}

	s.gossip, err = p2p.NewGossipSub(ctx, logger, s.host, p2p.GossipOptions{DirectPeers: direct})
	if err != nil {
		s.Close()
		return nil, err
	}

	s.kad, err = p2p.Bootstrap(ctx, logger, s.host, p2p.DiscoveryConfig{
		Bootstrappers: bootstrappers,
		Namespace:     cfg.P2P.Namespace,
		Interval:      cfg.P2P.DiscoveryInterval.Duration,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	s.store, s.closeStore, err = config.OpenStorage(logger, cfg.Storage)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.overlay, err = overlay.New(logger, s.gossip, overlay.Options{
		IsClient:     isClient,
		DirectPeers:  direct,
		ConnectDelay: cfg.Server.ConnectDelay.Duration,
		CachePrefix:  cfg.Server.CachePrefix,
	}, s.store)
	if err != nil {
		s.Close()
		return nil, err
	}

	if len(direct) > 0 {
		if err := s.gossip.Connect(ctx, direct); err != nil {
			logger.Warn("failed connecting direct peers", zap.Error(err))
		}
	}
	return s, nil
}

//serveAPI exposes backend over gRPC when an api address is configured
func (s *stack) serveAPI(backend api.Backend) error {
	if s.cfg.API.Addr == "" {
		return nil
	}

	s.logger.Info("starting gRPC API server", zap.String("address", s.cfg.API.Addr))
	lis, err := net.Listen("tcp", s.cfg.API.Addr)
	if err != nil {
		return errors.Wrap(err, "listening for api connections")
	}

	s.api = grpc.NewServer()
	api.NewServer(s.logger, backend).Register(s.api)
	go func() {
		if err := s.api.Serve(lis); err != nil {
			s.logger.Error("failed serving gRPC requests", zap.Error(err))
		}
	}()
	return nil
}

func (s *stack) Close() {
	if s.api != nil {
		s.api.GracefulStop()
	}
	if s.kad != nil {
		if err := s.kad.Close(); err != nil {
			s.logger.Warn("failed closing dht", zap.Error(err))
		}
	}
	if s.gossip != nil {
		s.gossip.Close()
	}
	if s.host != nil {
		if err := s.host.Close(); err != nil {
			s.logger.Warn("failed closing host", zap.Error(err))
		}
	}
	if err := s.closeStore(); err != nil {
		s.logger.Warn("failed closing storage", zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.Close()
	}
}
