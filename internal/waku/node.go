// Package waku is the relay network the mailbox transport gossips its
// messages over. The mock transport keeps traffic on an in-memory Bus; builds
// tagged real_waku run a go-waku relay node instead.
package waku

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	DefaultPubsubTopic  = "/waku/2/default-waku/proto"
	DefaultContentTopic = "/singleid/1/mailbox/proto"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	// StateDegraded is a started go-waku node below its peer floor. It keeps
	// accepting traffic; gossip just may not reach anyone yet.
	StateDegraded State = "degraded"
)

var (
	ErrNotConnected      = errors.New("waku not connected")
	ErrIdentityNotSet    = errors.New("identity is not set")
	ErrRecipientRequired = errors.New("recipient is required")
	ErrInvalidBootstrap  = errors.New("invalid bootstrap node address")
	ErrBackendDisabled   = errors.New("go-waku backend is not available in this build")
)

var peerPollInterval = time.Second

type Config struct {
	Transport      string   `yaml:"transport"`
	Port           int      `yaml:"port"`
	EnableRelay    bool     `yaml:"enableRelay"`
	EnableStore    bool     `yaml:"enableStore"`
	BootstrapNodes []string `yaml:"bootstrapNodes"`
	// Redial keeps dialing bootstrap nodes while the node is under MinPeers.
	Redial   bool `yaml:"redial"`
	MinPeers int  `yaml:"minPeers"`
	// StorePeers is how many bootstrap nodes a history query tries before
	// falling back to any connected store peer.
	StorePeers          int           `yaml:"storePeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	PubsubTopic         string        `yaml:"pubsubTopic"`
	ContentTopic        string        `yaml:"contentTopic"`
}

type Status struct {
	State       State
	PeerCount   int
	Transitions int
	LastChange  time.Time
}

// Node is one participant on the relay. A node publishes envelopes to named
// inboxes and, once given an identity, receives the envelopes sent to it.
type Node struct {
	mu       sync.RWMutex
	cfg      Config
	bus      *Bus
	status   Status
	identity string
	gw       backend

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

type backend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	ListenAddresses() []string
	Subscribe(recipient string, handler func(Envelope)) error
	Publish(ctx context.Context, env Envelope) error
	FetchSince(ctx context.Context, recipient string, since time.Time, limit int) ([]Envelope, error)
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		EnableRelay:         true,
		EnableStore:         true,
		Redial:              true,
		MinPeers:            1,
		StorePeers:          3,
		ReconnectInterval:   time.Second,
		ReconnectBackoffMax: 30 * time.Second,
		PubsubTopic:         DefaultPubsubTopic,
		ContentTopic:        DefaultContentTopic,
	}
}

// NewNode returns a node on the process-wide mock bus.
func NewNode(cfg Config) *Node {
	return NewNodeWithBus(cfg, defaultBus)
}

// NewNodeWithBus returns a node whose mock transport is confined to bus.
func NewNodeWithBus(cfg Config, bus *Bus) *Node {
	if bus == nil {
		bus = defaultBus
	}
	return &Node{
		cfg:    normalizeConfig(cfg),
		bus:    bus,
		status: Status{State: StateDisconnected},
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	cfg.Transport = strings.TrimSpace(cfg.Transport)
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	if cfg.StorePeers <= 0 {
		cfg.StorePeers = def.StorePeers
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = max(def.ReconnectBackoffMax, cfg.ReconnectInterval)
	}
	if strings.TrimSpace(cfg.PubsubTopic) == "" {
		cfg.PubsubTopic = def.PubsubTopic
	}
	if strings.TrimSpace(cfg.ContentTopic) == "" {
		cfg.ContentTopic = def.ContentTopic
	}
	return cfg
}

// ValidateBootstrapNodes rejects entries that are not parseable multiaddrs.
func ValidateBootstrapNodes(nodes []string) error {
	for i, raw := range nodes {
		addr := strings.TrimSpace(raw)
		if addr == "" {
			return fmt.Errorf("%w: entry %d is empty", ErrInvalidBootstrap, i)
		}
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidBootstrap, addr, err)
		}
	}
	return nil
}

func (n *Node) Start(ctx context.Context) error {
	if err := ValidateBootstrapNodes(n.cfg.BootstrapNodes); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.cfg.Transport != TransportGoWaku {
		n.mu.Lock()
		n.setStateLocked(StateConnected, 1)
		n.mu.Unlock()
		return nil
	}

	gw := newGoWakuBackend()
	if gw == nil {
		return ErrBackendDisabled
	}
	if err := gw.Start(ctx, n.cfg); err != nil {
		return err
	}
	n.mu.Lock()
	n.gw = gw
	n.setStateLocked(n.stateForPeers(gw.PeerCount()), gw.PeerCount())
	n.mu.Unlock()
	n.startPeerPoll()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopPeerPoll()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gw != nil {
		n.gw.Stop()
		n.gw = nil
	}
	if n.identity != "" {
		n.bus.unsubscribe(n.identity)
	}
	n.setStateLocked(StateDisconnected, 0)
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// SetIdentity names the inbox this node subscribes to.
func (n *Node) SetIdentity(identity string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.identity = strings.TrimSpace(identity)
}

func (n *Node) Subscribe(handler func(Envelope)) error {
	n.mu.RLock()
	online := n.onlineLocked()
	identity := n.identity
	gw := n.gw
	n.mu.RUnlock()
	switch {
	case !online:
		return ErrNotConnected
	case identity == "":
		return ErrIdentityNotSet
	case gw != nil:
		return gw.Subscribe(identity, handler)
	}
	n.bus.subscribe(identity, handler)
	return nil
}

func (n *Node) Publish(ctx context.Context, env Envelope) error {
	n.mu.RLock()
	online := n.onlineLocked()
	identity := n.identity
	gw := n.gw
	n.mu.RUnlock()
	if !online {
		return ErrNotConnected
	}
	if strings.TrimSpace(env.Recipient) == "" {
		return ErrRecipientRequired
	}
	if env.Sender == "" {
		env.Sender = identity
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if gw != nil {
		return gw.Publish(ctx, env)
	}
	n.bus.publish(env)
	return nil
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.gw == nil {
		return nil
	}
	return n.gw.ListenAddresses()
}

// FetchSince returns stored envelopes for recipient. On the mock transport
// that is whatever is still queued on the bus for an absent subscriber.
func (n *Node) FetchSince(ctx context.Context, recipient string, since time.Time, limit int) ([]Envelope, error) {
	n.mu.RLock()
	online := n.onlineLocked()
	gw := n.gw
	n.mu.RUnlock()
	if !online {
		return nil, ErrNotConnected
	}
	if strings.TrimSpace(recipient) == "" {
		return nil, ErrRecipientRequired
	}
	if gw == nil {
		return n.bus.pending(recipient, since, limit), nil
	}
	return gw.FetchSince(ctx, recipient, since, limit)
}

func (n *Node) onlineLocked() bool {
	return n.status.State == StateConnected || n.status.State == StateDegraded
}

func (n *Node) stateForPeers(peers int) State {
	if peers >= min(n.cfg.MinPeers, len(n.cfg.BootstrapNodes)) {
		return StateConnected
	}
	return StateDegraded
}

func (n *Node) setStateLocked(next State, peers int) {
	if n.status.State != next {
		n.status.Transitions++
		n.status.LastChange = time.Now()
	}
	n.status.State = next
	n.status.PeerCount = peers
}

// startPeerPoll tracks the go-waku peer count so Status moves between
// connected and degraded as peers come and go.
func (n *Node) startPeerPoll() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	n.mu.Lock()
	n.pollCancel = cancel
	n.pollDone = done
	n.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(peerPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.refreshPeers()
			}
		}
	}()
}

func (n *Node) stopPeerPoll() {
	n.mu.Lock()
	cancel, done := n.pollCancel, n.pollDone
	n.pollCancel, n.pollDone = nil, nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (n *Node) refreshPeers() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gw == nil || n.status.State == StateDisconnected {
		return
	}
	peers := n.gw.PeerCount()
	n.setStateLocked(n.stateForPeers(peers), peers)
}
