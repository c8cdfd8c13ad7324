package p2p

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type HostConfig struct {
	ListenAddrs []string
	//IdentityFile keeps the host key across restarts, empty means ephemeral
	IdentityFile string
	EnableRelay  bool
	EnableNAT    bool
}

//NewHost creates the libp2p host every role runs on
func NewHost(logger *zap.Logger, cfg HostConfig) (host.Host, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	privKey, err := LoadIdentity(logger, cfg.IdentityFile)
	if err != nil {
		return nil, err
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.Identity(privKey),
	}
	if cfg.EnableNAT {
		opts = append(opts, libp2p.EnableNATService(), libp2p.NATPortMap(), libp2p.EnableHolePunching())
	}
	if cfg.EnableRelay {
		opts = append(opts, libp2p.EnableRelay(), libp2p.EnableRelayService())
	}

	logger.Debug("creating libp2p host")
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating libp2p host")
	}

	logger.Info("started host", zap.Stringer("id", h.ID()), zap.Strings("p2pAddresses", FullAddrs(h)))
	return h, nil
}

//FullAddrs are the listen addresses of h with its /p2p component
func FullAddrs(h host.Host) []string {
	p2pAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/p2p/%s", h.ID()))
	if err != nil {
		return nil
	}

	var out []string
	for _, addr := range h.Addrs() {
		out = append(out, addr.Encapsulate(p2pAddr).String())
	}
	return out
}

//LoadIdentity reads the private key in path, generating and storing a new
//one if the file does not exist
func LoadIdentity(logger *zap.Logger, path string) (crypto.PrivKey, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return generateIdentity(logger)
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Info("no identity private key file found", zap.String("path", path))

		privKey, err := generateIdentity(logger)
		if err != nil {
			return nil, err
		}
		raw, err := crypto.MarshalPrivateKey(privKey)
		if err != nil {
			return nil, errors.Wrap(err, "marshalling identity private key")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, errors.Wrap(err, "creating identity directory")
		}
		if err := os.WriteFile(path, raw, 0600); err != nil {
			return nil, errors.Wrap(err, "writing identity private key to file")
		}
		return privKey, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading identity private key file")
	}

	privKey, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshalling identity private key")
	}

	logger.Info("loaded identity private key from file", zap.String("path", path))
	return privKey, nil
}

func generateIdentity(logger *zap.Logger) (crypto.PrivKey, error) {
	logger.Info("generating identity private key")
	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating identity private key")
	}
	return privKey, nil
}
