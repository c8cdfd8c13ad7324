package p2p

import (
	"context"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const DefaultNamespace = "market"

type DiscoveryConfig struct {
	Bootstrappers []peer.AddrInfo
	Namespace     string
	//Interval between peer lookups, defaults to a minute
	Interval time.Duration
}

//Bootstrap starts a routing DHT, advertises the namespace and keeps looking
//for more peers until ctx is done
func Bootstrap(ctx context.Context, logger *zap.Logger, h host.Host, cfg DiscoveryConfig) (*dht.IpfsDHT, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("discovery")
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	logger.Debug("creating routing DHT")
	kadDHT, err := dht.New(
		ctx,
		h,
		dht.BootstrapPeers(cfg.Bootstrappers...),
		dht.ProtocolPrefix(protocol.ID("/"+cfg.Namespace)),
		dht.Mode(dht.ModeAutoServer),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating routing DHT")
	}

	if err := kadDHT.Bootstrap(ctx); err != nil {
		kadDHT.Close()
		return nil, errors.Wrap(err, "bootstrapping DHT")
	}

	for _, pi := range cfg.Bootstrappers {
		if pi.ID == h.ID() {
			continue
		}
		if err := h.Connect(ctx, pi); err != nil {
			logger.Warn("couldn't connect to bootstrap node", zap.Stringer("peer", pi.ID), zap.Error(err))
		}
	}

	if len(cfg.Bootstrappers) == 0 {
		//a bootstrap node only serves the DHT
		return kadDHT, nil
	}

	rd := drouting.NewRoutingDiscovery(kadDHT)
	logger.Info("starting advertising thread", zap.String("namespace", cfg.Namespace))
	dutil.Advertise(ctx, rd, cfg.Namespace)

	go findPeers(ctx, logger, h, rd, cfg)

	return kadDHT, nil
}

func findPeers(ctx context.Context, logger *zap.Logger, h host.Host, rd *drouting.RoutingDiscovery, cfg DiscoveryConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		peersChan, err := rd.FindPeers(ctx, cfg.Namespace, discovery.Limit(100))
		if err != nil {
			logger.Error("failed trying to find peers", zap.Error(err))
		} else {
			found := 0
			//drain the channel so the query doesn't block
			for pi := range peersChan {
				if pi.ID == h.ID() || len(pi.Addrs) == 0 {
					continue
				}
				if err := h.Connect(ctx, pi); err == nil {
					found++
				}
			}
			logger.Debug("done looking for peers", zap.Int("connected", found),
				zap.Int("peerCount", len(h.Network().Peers())))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
