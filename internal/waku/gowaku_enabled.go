//go:build real_waku

package waku

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/waku-org/go-waku/waku/persistence"
	"github.com/waku-org/go-waku/waku/persistence/sqlite"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	legacyStore "github.com/waku-org/go-waku/waku/v2/protocol/legacy_store"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"github.com/waku-org/go-waku/waku/v2/utils"
)

const defaultFetchLimit = 100

var errNodeStopped = errors.New("go-waku node is not running")

// goWakuNode relays envelopes as JSON payloads on one content topic. Every
// node sees every envelope and keeps the ones addressed to its inbox.
type goWakuNode struct {
	mu     sync.RWMutex
	node   *wakuNode.WakuNode
	cfg    Config
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newGoWakuBackend() backend {
	return &goWakuNode{}
}

func (g *goWakuNode) Start(ctx context.Context, cfg Config) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	opts := []wakuNode.WakuNodeOption{wakuNode.WithHostAddress(hostAddr)}
	if cfg.EnableRelay {
		opts = append(opts, wakuNode.WithWakuRelay())
	}
	if cfg.EnableStore {
		provider, err := newMessageProvider()
		if err != nil {
			return err
		}
		opts = append(opts, wakuNode.WithMessageProvider(provider), wakuNode.WithWakuStore())
	}
	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	dialAll(ctx, node, cfg.BootstrapNodes)

	runCtx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.node = node
	g.cfg = cfg
	g.cancel = cancel
	g.mu.Unlock()
	if cfg.Redial && len(cfg.BootstrapNodes) > 0 {
		g.wg.Add(1)
		go g.redialLoop(runCtx)
	}
	return nil
}

func (g *goWakuNode) Stop() {
	g.mu.Lock()
	node, cancel := g.node, g.cancel
	g.node, g.cancel = nil, nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	g.wg.Wait()
	if node != nil {
		node.Stop()
	}
}

func (g *goWakuNode) running() (*wakuNode.WakuNode, Config, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return nil, Config{}, errNodeStopped
	}
	return g.node, g.cfg, nil
}

func (g *goWakuNode) PeerCount() int {
	node, _, err := g.running()
	if err != nil {
		return 0
	}
	return node.PeerCount()
}

func (g *goWakuNode) ListenAddresses() []string {
	node, _, err := g.running()
	if err != nil {
		return nil
	}
	var out []string
	for _, addr := range node.ListenAddresses() {
		out = append(out, addr.String())
	}
	return out
}

func (g *goWakuNode) Subscribe(recipient string, handler func(Envelope)) error {
	node, cfg, err := g.running()
	if err != nil {
		return err
	}
	subs, err := node.Relay().Subscribe(context.Background(), protocol.NewContentFilter(cfg.PubsubTopic, cfg.ContentTopic))
	if err != nil {
		return err
	}
	for _, sub := range subs {
		go func(ch <-chan *protocol.Envelope) {
			for env := range ch {
				if env == nil || env.Message() == nil {
					continue
				}
				msg, ok := decodeEnvelope(env.Message().Payload, recipient)
				if ok {
					handler(msg)
				}
			}
		}(sub.Ch)
	}
	return nil
}

func (g *goWakuNode) Publish(ctx context.Context, env Envelope) error {
	node, cfg, err := g.running()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ts := env.Timestamp.UnixNano()
	_, err = node.Relay().Publish(ctx, &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: cfg.ContentTopic,
		Timestamp:    &ts,
	}, relay.WithPubSubTopic(cfg.PubsubTopic))
	return err
}

// FetchSince asks store peers for the envelopes recipient missed. Up to
// StorePeers bootstrap nodes are tried in order before letting go-waku pick a
// peer itself; the first answering peer wins.
func (g *goWakuNode) FetchSince(ctx context.Context, recipient string, since time.Time, limit int) ([]Envelope, error) {
	node, cfg, err := g.running()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	start, end := since.UnixNano(), time.Now().UnixNano()
	query := legacyStore.Query{
		PubsubTopic:   cfg.PubsubTopic,
		ContentTopics: []string{cfg.ContentTopic},
		StartTime:     &start,
		EndTime:       &end,
	}

	var result *legacyStore.Result
	for _, peer := range storeCandidates(cfg) {
		opts := []legacyStore.HistoryRequestOption{legacyStore.WithPaging(true, uint64(limit))}
		if peer != nil {
			opts = append(opts, legacyStore.WithPeerAddr(peer))
		}
		result, err = node.LegacyStore().Query(ctx, query, opts...)
		if err == nil {
			break
		}
		slog.Warn("relay store query failed", "peer_addr", peerLabel(peer), "reason", err.Error())
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []Envelope
	for {
		for _, wm := range result.Messages {
			if wm == nil {
				continue
			}
			msg, ok := decodeEnvelope(wm.Payload, recipient)
			if !ok {
				continue
			}
			if _, dup := seen[msg.ID]; dup {
				continue
			}
			seen[msg.ID] = struct{}{}
			out = append(out, msg)
		}
		if result.IsComplete() || len(out) >= limit {
			break
		}
		if result, err = node.LegacyStore().Next(ctx, result); err != nil {
			return nil, err
		}
	}

	// Mailbox ids are content hashes, so publish time orders and the id breaks ties.
	slices.SortStableFunc(out, func(a, b Envelope) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// redialLoop dials the bootstrap nodes again whenever the node drops under
// its peer floor, backing off while the dials keep failing.
func (g *goWakuNode) redialLoop(ctx context.Context) {
	defer g.wg.Done()
	cfg := g.cfg
	floor := min(max(cfg.MinPeers, 1), len(cfg.BootstrapNodes))
	backoff := cfg.ReconnectInterval
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		node, _, err := g.running()
		if err != nil {
			return
		}
		if node.PeerCount() >= floor {
			backoff = cfg.ReconnectInterval
		} else if dialAll(ctx, node, shuffled(cfg.BootstrapNodes)) > 0 {
			backoff = cfg.ReconnectInterval
		} else {
			backoff = min(backoff*2, cfg.ReconnectBackoffMax)
		}
		timer.Reset(backoff + rand.N(backoff/2+1))
	}
}

// dialAll dials every address and reports how many answered.
func dialAll(ctx context.Context, node *wakuNode.WakuNode, addrs []string) int {
	ok := 0
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if err := node.DialPeer(ctx, addr); err != nil {
			slog.Warn("bootstrap dial failed", "peer_addr", addr, "reason", err.Error())
			continue
		}
		ok++
	}
	return ok
}

func shuffled(addrs []string) []string {
	out := slices.Clone(addrs)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// storeCandidates lists the peers a history query tries; nil means any peer.
func storeCandidates(cfg Config) []ma.Multiaddr {
	var out []ma.Multiaddr
	for _, raw := range cfg.BootstrapNodes {
		if len(out) >= cfg.StorePeers {
			break
		}
		addr, err := ma.NewMultiaddr(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return append(out, nil)
}

func peerLabel(addr ma.Multiaddr) string {
	if addr == nil {
		return "auto"
	}
	return addr.String()
}

func decodeEnvelope(payload []byte, recipient string) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Debug("dropping undecodable relay payload", "reason", err.Error())
		return Envelope{}, false
	}
	return env, env.Recipient == recipient
}

func newMessageProvider() (*persistence.DBStore, error) {
	db, err := sqlite.NewDB(":memory:", utils.Logger())
	if err != nil {
		return nil, err
	}
	return persistence.NewDBStore(
		prometheus.DefaultRegisterer,
		utils.Logger(),
		persistence.WithDB(db),
		persistence.WithMigrations(sqlite.Migrations),
	)
}
