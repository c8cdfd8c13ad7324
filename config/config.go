package config

import (
	"math/big"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"github.com/Galeaf11/sdk/entities"
)

//Duration wraps time.Duration for TOML parsing
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Log     LogConfig     `toml:"log"`
	P2P     P2PConfig     `toml:"p2p"`
	Storage StorageConfig `toml:"storage"`
	Server  ServerConfig  `toml:"server"`
	Node    NodeConfig    `toml:"node"`
	Client  ClientConfig  `toml:"client"`
	Chain   ChainConfig   `toml:"chain"`
	API     APIConfig     `toml:"api"`
	Metrics MetricsConfig `toml:"metrics"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

type P2PConfig struct {
	ListenAddrs  []string `toml:"listenAddrs"`
	IdentityFile string   `toml:"identityFile"`
	//Bootstrappers seed the DHT, DirectPeers are the coordination servers
	Bootstrappers     []string `toml:"bootstrappers"`
	DirectPeers       []string `toml:"directPeers"`
	Namespace         string   `toml:"namespace"`
	DiscoveryInterval Duration `toml:"discoveryInterval"`
	EnableRelay       bool     `toml:"enableRelay"`
	EnableNAT         bool     `toml:"enableNAT"`
}

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendEtcd   = "etcd"
)

type StorageConfig struct {
	Backend string `toml:"backend"`
	//Path is the file backend location
	Path        string   `toml:"path"`
	Endpoints   []string `toml:"endpoints"`
	Prefix      string   `toml:"prefix"`
	DialTimeout Duration `toml:"dialTimeout"`
}

type ServerConfig struct {
	Topics       []string `toml:"topics"`
	ConnectDelay Duration `toml:"connectDelay"`
	CachePrefix  string   `toml:"cachePrefix"`
}

type NodeConfig struct {
	Topics     []string `toml:"topics"`
	SupplierID string   `toml:"supplierId"`
	//SignerKey is the hex private key offers are signed with
	SignerKey     string   `toml:"signerKey"`
	NoncePeriod   Duration `toml:"noncePeriod"`
	OfferExpire   Duration `toml:"offerExpire"`
	ClaimInterval Duration `toml:"claimInterval"`
}

type ClientConfig struct {
	Buyer           string   `toml:"buyer"`
	RefreshInterval Duration `toml:"refreshInterval"`
	PruneInterval   Duration `toml:"pruneInterval"`
}

type ChainConfig struct {
	Name              string `toml:"name"`
	Version           string `toml:"version"`
	ChainID           int64  `toml:"chainId"`
	VerifyingContract string `toml:"verifyingContract"`
	//Suppliers maps supplier ids to their signer addresses on the simulated chain
	Suppliers map[string]string `toml:"suppliers"`
}

type APIConfig struct {
	//Addr empty disables the api
	Addr string `toml:"addr"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		P2P: P2PConfig{
			ListenAddrs:       []string{"/ip4/0.0.0.0/tcp/0"},
			Namespace:         "market",
			DiscoveryInterval: Duration{time.Minute},
		},
		Storage: StorageConfig{
			Backend:     BackendMemory,
			Prefix:      "/market/",
			DialTimeout: Duration{5 * time.Second},
		},
		Server: ServerConfig{
			ConnectDelay: Duration{300 * time.Millisecond},
		},
		Node: NodeConfig{
			NoncePeriod:   Duration{10 * time.Minute},
			OfferExpire:   Duration{15 * time.Minute},
			ClaimInterval: Duration{5 * time.Second},
		},
		Client: ClientConfig{
			RefreshInterval: Duration{10 * time.Second},
			PruneInterval:   Duration{time.Second},
		},
		Chain: ChainConfig{
			Name:    "Market",
			Version: "1",
			ChainID: 1,
		},
	}
}

//Load reads the TOML file at path over the defaults. An empty path returns
//the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.Path == "" {
			return errors.New("file storage requires a path")
		}
	case BackendEtcd:
		if len(c.Storage.Endpoints) == 0 {
			return errors.New("etcd storage requires endpoints")
		}
	default:
		return errors.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Node.SupplierID != "" && !isHexHash(c.Node.SupplierID) {
		return errors.Errorf("invalid supplier id %q", c.Node.SupplierID)
	}
	if c.Client.Buyer != "" && !common.IsHexAddress(c.Client.Buyer) {
		return errors.Errorf("invalid buyer address %q", c.Client.Buyer)
	}
	if c.Chain.VerifyingContract != "" && !common.IsHexAddress(c.Chain.VerifyingContract) {
		return errors.Errorf("invalid verifying contract %q", c.Chain.VerifyingContract)
	}
	for id, signer := range c.Chain.Suppliers {
		if !isHexHash(id) || !common.IsHexAddress(signer) {
			return errors.Errorf("invalid supplier entry %s = %q", id, signer)
		}
	}
	return nil
}

func isHexHash(s string) bool {
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}

//Domain is the typed data domain offers are signed under
func (c ChainConfig) Domain() entities.Domain {
	return entities.Domain{
		Name:              c.Name,
		Version:           c.Version,
		ChainID:           big.NewInt(c.ChainID),
		VerifyingContract: common.HexToAddress(c.VerifyingContract),
	}
}
