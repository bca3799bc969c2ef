// Package config loads the devnet configuration: a YAML file merged over
// defaults, then SINGLEID_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"singleid/go-backend/internal/waku"
	"singleid/go-backend/pkg/models"
)

const (
	StoreMemory   = "memory"
	StoreSnapshot = "snapshot"
	StoreSQLite   = "sqlite"
)

var ErrInvalidConfig = errors.New("invalid config")

type ChainConfig struct {
	ID              uint64 `yaml:"id"`
	Name            string `yaml:"name"`
	LzEID           uint32 `yaml:"lzEid"`
	HyperlaneDomain uint32 `yaml:"hyperlaneDomain"`
}

// ExternalPeer is a connector on a chain the devnet does not run, such as a
// program on a non-EVM chain reached over LayerZero. Peer takes 0x-hex or the
// chain's native base58 form.
type ExternalPeer struct {
	ChainID  uint64         `yaml:"chainId"`
	Protocol string         `yaml:"protocol"`
	NativeID uint32         `yaml:"nativeId"`
	Peer     models.Bytes32 `yaml:"peer"`
}

type FeeConfig struct {
	ProtocolFee uint64 `yaml:"protocolFee"`
	GasLimit    uint64 `yaml:"gasLimit"`
	LzBaseFee   uint64 `yaml:"lzBaseFee"`
	LzGasPrice  uint64 `yaml:"lzGasPrice"`
	IGPGasPrice uint64 `yaml:"igpGasPrice"`
	IGPOverhead uint64 `yaml:"igpOverhead"`
}

type RelayConfig struct {
	Interval      time.Duration `yaml:"interval"`
	RatePerSecond float64       `yaml:"ratePerSecond"`
	Burst         int           `yaml:"burst"`
	IdleTTL       time.Duration `yaml:"idleTTL"`
}

type KeyConfig struct {
	File     string `yaml:"file"`
	Password string `yaml:"-"`
	Mnemonic string `yaml:"-"`
}

type StoreConfig struct {
	Backend    string `yaml:"backend"`
	Dir        string `yaml:"dir"`
	Passphrase string `yaml:"-"`
}

type Config struct {
	Network       waku.Config
	Chains        []ChainConfig
	ExternalPeers []ExternalPeer
	Fees          FeeConfig
	Relay         RelayConfig
	Keys          KeyConfig
	Store         StoreConfig
	MetricsAddr   string
	LogLevel      string
}

// File is the on-disk shape. Zero values and nil pointers leave defaults alone.
type File struct {
	Network NetworkSection `yaml:"network"`
	Devnet  DevnetSection  `yaml:"devnet"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

type NetworkSection struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         *bool         `yaml:"enableRelay"`
	EnableStore         *bool         `yaml:"enableStore"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	Redial              *bool         `yaml:"redial"`
	MinPeers            int           `yaml:"minPeers"`
	StorePeers          int           `yaml:"storePeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	PubsubTopic         string        `yaml:"pubsubTopic"`
	ContentTopic        string        `yaml:"contentTopic"`
}

type DevnetSection struct {
	Chains        []ChainConfig  `yaml:"chains"`
	ExternalPeers []ExternalPeer `yaml:"externalPeers"`
	Fees          FeeConfig      `yaml:"fees"`
	Relay         RelayConfig    `yaml:"relay"`
	Keys          KeyConfig      `yaml:"keys"`
	Store         StoreConfig    `yaml:"store"`
}

type envOverrides struct {
	Transport       string  `env:"SINGLEID_NETWORK_TRANSPORT"`
	Redial          *bool   `env:"SINGLEID_NETWORK_REDIAL"`
	StoreBackend    string  `env:"SINGLEID_STORE_BACKEND"`
	StoreDir        string  `env:"SINGLEID_STORE_DIR"`
	StorePassphrase string  `env:"SINGLEID_STORE_PASSPHRASE"`
	KeyFile         string  `env:"SINGLEID_KEY_FILE"`
	KeyPassword     string  `env:"SINGLEID_KEY_PASSWORD"`
	Mnemonic        string  `env:"SINGLEID_MNEMONIC"`
	ProtocolFee     *uint64 `env:"SINGLEID_PROTOCOL_FEE"`
	MetricsAddr     string  `env:"SINGLEID_METRICS_ADDR"`
	LogLevel        string  `env:"SINGLEID_LOG_LEVEL"`
}

func Default() Config {
	return Config{
		Network: waku.DefaultConfig(),
		Chains: []ChainConfig{
			{ID: 1, Name: "chain-a", LzEID: 40101, HyperlaneDomain: 1},
			{ID: 2, Name: "chain-b", LzEID: 40102, HyperlaneDomain: 2},
		},
		Fees: FeeConfig{
			ProtocolFee: 50000,
			GasLimit:    300000,
			LzBaseFee:   1000,
			LzGasPrice:  2,
			IGPGasPrice: 1,
		},
		Relay: RelayConfig{
			Interval:      250 * time.Millisecond,
			RatePerSecond: 50,
			Burst:         10,
			IdleTTL:       10 * time.Minute,
		},
		Keys:        KeyConfig{File: "data/devnet.key"},
		Store:       StoreConfig{Backend: StoreMemory},
		MetricsAddr: "127.0.0.1:9464",
		LogLevel:    "info",
	}
}

// Load reads configPath, or the first default location that exists, and
// applies environment overrides. A missing default file is not an error.
func Load(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{"go-backend/configs/devnet.yaml", "configs/devnet.yaml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed File
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Merge(dst *Config, src File) {
	mergeNetwork(&dst.Network, src.Network)

	d := src.Devnet
	if len(d.Chains) > 0 {
		dst.Chains = append([]ChainConfig(nil), d.Chains...)
	}
	if len(d.ExternalPeers) > 0 {
		dst.ExternalPeers = append([]ExternalPeer(nil), d.ExternalPeers...)
	}
	if d.Fees.ProtocolFee != 0 {
		dst.Fees.ProtocolFee = d.Fees.ProtocolFee
	}
	if d.Fees.GasLimit != 0 {
		dst.Fees.GasLimit = d.Fees.GasLimit
	}
	if d.Fees.LzBaseFee != 0 {
		dst.Fees.LzBaseFee = d.Fees.LzBaseFee
	}
	if d.Fees.LzGasPrice != 0 {
		dst.Fees.LzGasPrice = d.Fees.LzGasPrice
	}
	if d.Fees.IGPGasPrice != 0 {
		dst.Fees.IGPGasPrice = d.Fees.IGPGasPrice
	}
	if d.Fees.IGPOverhead != 0 {
		dst.Fees.IGPOverhead = d.Fees.IGPOverhead
	}
	if d.Relay.Interval != 0 {
		dst.Relay.Interval = d.Relay.Interval
	}
	if d.Relay.RatePerSecond != 0 {
		dst.Relay.RatePerSecond = d.Relay.RatePerSecond
	}
	if d.Relay.Burst != 0 {
		dst.Relay.Burst = d.Relay.Burst
	}
	if d.Relay.IdleTTL != 0 {
		dst.Relay.IdleTTL = d.Relay.IdleTTL
	}
	if d.Keys.File != "" {
		dst.Keys.File = d.Keys.File
	}
	if d.Store.Backend != "" {
		dst.Store.Backend = d.Store.Backend
	}
	if d.Store.Dir != "" {
		dst.Store.Dir = d.Store.Dir
	}
	if src.Metrics.Addr != "" {
		dst.MetricsAddr = src.Metrics.Addr
	}
	if src.Logging.Level != "" {
		dst.LogLevel = src.Logging.Level
	}
}

func mergeNetwork(dst *waku.Config, src NetworkSection) {
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.EnableRelay != nil {
		dst.EnableRelay = *src.EnableRelay
	}
	if src.EnableStore != nil {
		dst.EnableStore = *src.EnableStore
	}
	if src.BootstrapNodes != nil {
		dst.BootstrapNodes = src.BootstrapNodes
	}
	if src.Redial != nil {
		dst.Redial = *src.Redial
	}
	if src.MinPeers != 0 {
		dst.MinPeers = src.MinPeers
	}
	if src.StorePeers != 0 {
		dst.StorePeers = src.StorePeers
	}
	if src.ReconnectInterval != 0 {
		dst.ReconnectInterval = src.ReconnectInterval
	}
	if src.ReconnectBackoffMax != 0 {
		dst.ReconnectBackoffMax = src.ReconnectBackoffMax
	}
	if src.PubsubTopic != "" {
		dst.PubsubTopic = src.PubsubTopic
	}
	if src.ContentTopic != "" {
		dst.ContentTopic = src.ContentTopic
	}
}

// ApplyEnvOverrides layers SINGLEID_* variables over cfg. Secrets are only
// ever read from the environment.
func ApplyEnvOverrides(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if v := strings.TrimSpace(ov.Transport); v != "" {
		cfg.Network.Transport = v
	}
	if ov.Redial != nil {
		cfg.Network.Redial = *ov.Redial
	}
	if v := strings.TrimSpace(ov.StoreBackend); v != "" {
		cfg.Store.Backend = v
	}
	if v := strings.TrimSpace(ov.StoreDir); v != "" {
		cfg.Store.Dir = v
	}
	if ov.StorePassphrase != "" {
		cfg.Store.Passphrase = ov.StorePassphrase
	}
	if v := strings.TrimSpace(ov.KeyFile); v != "" {
		cfg.Keys.File = v
	}
	if ov.KeyPassword != "" {
		cfg.Keys.Password = ov.KeyPassword
	}
	if v := strings.TrimSpace(ov.Mnemonic); v != "" {
		cfg.Keys.Mnemonic = v
	}
	if ov.ProtocolFee != nil {
		cfg.Fees.ProtocolFee = *ov.ProtocolFee
	}
	if v := strings.TrimSpace(ov.MetricsAddr); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(ov.LogLevel); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

func (c Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("%w: at least one chain is required", ErrInvalidConfig)
	}
	ids := make(map[uint64]struct{}, len(c.Chains))
	eids := make(map[uint32]struct{}, len(c.Chains))
	domains := make(map[uint32]struct{}, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ID == 0 || ch.LzEID == 0 || ch.HyperlaneDomain == 0 {
			return fmt.Errorf("%w: chain %q needs id, lzEid and hyperlaneDomain", ErrInvalidConfig, ch.Name)
		}
		if _, dup := ids[ch.ID]; dup {
			return fmt.Errorf("%w: duplicate chain id %d", ErrInvalidConfig, ch.ID)
		}
		if _, dup := eids[ch.LzEID]; dup {
			return fmt.Errorf("%w: duplicate lzEid %d", ErrInvalidConfig, ch.LzEID)
		}
		if _, dup := domains[ch.HyperlaneDomain]; dup {
			return fmt.Errorf("%w: duplicate hyperlaneDomain %d", ErrInvalidConfig, ch.HyperlaneDomain)
		}
		ids[ch.ID] = struct{}{}
		eids[ch.LzEID] = struct{}{}
		domains[ch.HyperlaneDomain] = struct{}{}
	}
	if err := c.validateExternalPeers(ids, eids, domains); err != nil {
		return err
	}
	if c.Fees.GasLimit == 0 {
		return fmt.Errorf("%w: gasLimit must be positive", ErrInvalidConfig)
	}
	if c.Relay.RatePerSecond <= 0 || c.Relay.Burst <= 0 || c.Relay.IdleTTL <= 0 || c.Relay.Interval <= 0 {
		return fmt.Errorf("%w: relay settings must be positive", ErrInvalidConfig)
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StoreSnapshot, StoreSQLite:
		if strings.TrimSpace(c.Store.Dir) == "" {
			return fmt.Errorf("%w: store backend %s needs a dir", ErrInvalidConfig, c.Store.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c Config) validateExternalPeers(ids map[uint64]struct{}, eids, domains map[uint32]struct{}) error {
	type route struct {
		protocol models.ProtocolID
		chainID  uint64
	}
	seen := make(map[route]struct{}, len(c.ExternalPeers))
	for _, p := range c.ExternalPeers {
		proto, err := models.ParseProtocolID(p.Protocol)
		if err != nil {
			return fmt.Errorf("%w: external peer for chain %d: %v", ErrInvalidConfig, p.ChainID, err)
		}
		var native map[uint32]struct{}
		switch proto {
		case models.ProtocolLayerZero:
			native = eids
		case models.ProtocolHyperlane:
			native = domains
		default:
			return fmt.Errorf("%w: external peer for chain %d cannot use %s", ErrInvalidConfig, p.ChainID, proto)
		}
		if p.ChainID == 0 || p.NativeID == 0 || p.Peer.IsZero() {
			return fmt.Errorf("%w: external peer needs chainId, nativeId and peer", ErrInvalidConfig)
		}
		if _, local := ids[p.ChainID]; local {
			return fmt.Errorf("%w: external peer chain %d is a devnet chain", ErrInvalidConfig, p.ChainID)
		}
		if _, taken := native[p.NativeID]; taken {
			return fmt.Errorf("%w: external peer %s id %d is used by a devnet chain", ErrInvalidConfig, proto, p.NativeID)
		}
		key := route{proto, p.ChainID}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate external %s peer for chain %d", ErrInvalidConfig, proto, p.ChainID)
		}
		seen[key] = struct{}{}
	}
	return nil
}
