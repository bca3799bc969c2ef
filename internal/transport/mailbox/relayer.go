package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/metrics"
	"singleid/go-backend/internal/platform/ratelimiter"
	"singleid/go-backend/internal/waku"
)

const (
	transportName = "hyperlane"

	// DefaultSeenCapacity bounds how many queued or failed envelope ids a
	// relayer remembers for deduplication.
	DefaultSeenCapacity = 4096
)

var ErrUnpaid = errors.New("message has no interchain gas payment")

// Node is the relay node a Relayer listens on.
type Node interface {
	SetIdentity(identityID string)
	Subscribe(handler func(waku.Envelope)) error
	FetchSince(ctx context.Context, recipient string, since time.Time, limit int) ([]waku.Envelope, error)
}

type RelayerConfig struct {
	Node        Node
	Destination *Mailbox
	// Submitter is the account paying for Process transactions.
	Submitter common.Address
	// Paymasters, keyed by origin domain, gate delivery on a recorded gas payment.
	Paymasters map[uint32]*InterchainGasPaymaster
	// ChainIDs maps origin domains to canonical chain ids for metric labels.
	ChainIDs     map[uint32]uint64
	SeenCapacity int
	Limiter      *ratelimiter.MapLimiter
	Logger       *slog.Logger
}

type FailedMessage struct {
	ID  common.Hash
	Raw []byte
	Err error
}

// Relayer delivers messages addressed to one destination mailbox.
type Relayer struct {
	mu         sync.Mutex
	node       Node
	dest       *Mailbox
	submitter  common.Address
	paymasters map[uint32]*InterchainGasPaymaster
	chainIDs   map[uint32]uint64
	limiter    *ratelimiter.MapLimiter
	queue      []waku.Envelope
	// seen holds ids that are queued, in flight or failed. Delivered ids
	// leave it since the mailbox rejects replays on its own.
	seen   *lru.Cache[string, struct{}]
	failed []FailedMessage
	notify chan struct{}
	logger *slog.Logger
}

func NewRelayer(cfg RelayerConfig) *Relayer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	paymasters := make(map[uint32]*InterchainGasPaymaster, len(cfg.Paymasters))
	for domain, igp := range cfg.Paymasters {
		paymasters[domain] = igp
	}
	chainIDs := make(map[uint32]uint64, len(cfg.ChainIDs))
	for domain, id := range cfg.ChainIDs {
		chainIDs[domain] = id
	}
	capacity := cfg.SeenCapacity
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	seen, _ := lru.New[string, struct{}](capacity)
	return &Relayer{
		node:       cfg.Node,
		dest:       cfg.Destination,
		submitter:  cfg.Submitter,
		paymasters: paymasters,
		chainIDs:   chainIDs,
		limiter:    cfg.Limiter,
		seen:       seen,
		notify:     make(chan struct{}, 1),
		logger:     logger.With("component", "mailbox_relayer", "domain", cfg.Destination.Domain()),
	}
}

// Start subscribes to the destination inbox on the relay node.
func (r *Relayer) Start() error {
	r.node.SetIdentity(InboxName(r.dest.Domain()))
	return r.node.Subscribe(r.enqueue)
}

// Backfill queues envelopes the relay stored for the inbox since the given time.
func (r *Relayer) Backfill(ctx context.Context, since time.Time) (int, error) {
	envs, err := r.node.FetchSince(ctx, InboxName(r.dest.Domain()), since, 0)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, env := range envs {
		if r.add(env) {
			added++
		}
	}
	return added, nil
}

func (r *Relayer) enqueue(env waku.Envelope) {
	r.add(env)
}

// add queues env unless it is already known or already processed.
func (r *Relayer) add(env waku.Envelope) bool {
	if r.dest.Delivered(common.HexToHash(env.ID)) {
		return false
	}
	r.mu.Lock()
	if known, _ := r.seen.ContainsOrAdd(env.ID, struct{}{}); known {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, env)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return true
}

func (r *Relayer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Tracked reports how many envelope ids the relayer keeps for deduplication.
func (r *Relayer) Tracked() int {
	return r.seen.Len()
}

func (r *Relayer) Failed() []FailedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FailedMessage(nil), r.failed...)
}

// Flush processes queued messages in arrival order and returns how many were delivered.
func (r *Relayer) Flush(ctx context.Context) (int, error) {
	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return delivered, nil
		}
		env := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		if err := r.deliver(ctx, env); err != nil {
			if ctx.Err() != nil {
				r.mu.Lock()
				r.queue = append([]waku.Envelope{env}, r.queue...)
				r.mu.Unlock()
				return delivered, ctx.Err()
			}
			r.mu.Lock()
			r.failed = append(r.failed, FailedMessage{ID: common.HexToHash(env.ID), Raw: env.Payload, Err: err})
			r.mu.Unlock()
			r.logger.Warn("message processing failed", "message_id", env.ID, "reason", err.Error())
			continue
		}
		r.seen.Remove(env.ID)
		delivered++
	}
}

// Run processes messages as they arrive until ctx is done.
func (r *Relayer) Run(ctx context.Context) error {
	for {
		if _, err := r.Flush(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.notify:
		}
	}
}

func (r *Relayer) deliver(ctx context.Context, env waku.Envelope) (err error) {
	started := time.Now()
	var srcChain uint64
	defer func() {
		metrics.RecordRelay(transportName, srcChain, r.dest.Chain().ID(), time.Since(started), err)
	}()

	msg, err := DecodeMessage(env.Payload)
	if err != nil {
		return err
	}
	srcChain = r.chainIDs[msg.Origin]
	if igp, ok := r.paymasters[msg.Origin]; ok && igp.Paid(msg.ID()).IsZero() {
		return fmt.Errorf("%w: %s", ErrUnpaid, msg.ID().Hex())
	}
	if err := r.limiter.Wait(ctx, ratelimiter.Route(transportName, uint64(msg.Origin), uint64(msg.Destination))); err != nil {
		return err
	}
	_, err = r.dest.Chain().Transact(ctx, r.submitter, r.dest.Address(), nil, func(call *chain.Call) error {
		return r.dest.Process(call, env.Payload)
	})
	return err
}
