package lzendpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/metrics"
	"singleid/go-backend/internal/platform/ratelimiter"
)

const transportName = "layerzero"

type NetworkConfig struct {
	// Executor is the account submitting destination transactions.
	Executor common.Address
	Limiter  *ratelimiter.MapLimiter
	Logger   *slog.Logger
}

// FailedPacket records a packet whose execution reverted. It is not retried.
type FailedPacket struct {
	Packet Packet
	Err    error
}

// Network connects endpoints and executes committed packets in FIFO order.
type Network struct {
	mu        sync.Mutex
	endpoints map[uint32]*Endpoint
	queue     []Packet
	failed    []FailedPacket
	notify    chan struct{}
	executor  common.Address
	limiter   *ratelimiter.MapLimiter
	logger    *slog.Logger
}

func NewNetwork(cfg NetworkConfig) *Network {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Network{
		endpoints: make(map[uint32]*Endpoint),
		notify:    make(chan struct{}, 1),
		executor:  cfg.Executor,
		limiter:   cfg.Limiter,
		logger:    logger.With("component", "lz_network"),
	}
}

func (n *Network) Attach(ep *Endpoint) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.endpoints[ep.eid]; exists {
		return fmt.Errorf("eid %d is already attached", ep.eid)
	}
	n.endpoints[ep.eid] = ep
	ep.mu.Lock()
	ep.network = n
	ep.mu.Unlock()
	return nil
}

func (n *Network) endpoint(eid uint32) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[eid]
	return ep, ok
}

func (n *Network) enqueue(p Packet) {
	n.mu.Lock()
	n.queue = append(n.queue, p)
	n.mu.Unlock()
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

func (n *Network) Failed() []FailedPacket {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]FailedPacket(nil), n.failed...)
}

// Flush executes queued packets until the queue is empty, including packets
// committed by the deliveries themselves. It returns how many succeeded.
func (n *Network) Flush(ctx context.Context) (int, error) {
	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return delivered, nil
		}
		p := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()

		if err := n.deliver(ctx, p); err != nil {
			if ctx.Err() != nil {
				n.requeueFront(p)
				return delivered, ctx.Err()
			}
			n.mu.Lock()
			n.failed = append(n.failed, FailedPacket{Packet: p, Err: err})
			n.mu.Unlock()
			n.logger.Warn("packet execution failed", "guid", p.GUID.Hex(), "src_eid", p.Origin.SrcEID, "dst_eid", p.DstEID, "reason", err.Error())
			continue
		}
		delivered++
	}
}

// Run executes packets as they are committed until ctx is done.
func (n *Network) Run(ctx context.Context) error {
	for {
		if _, err := n.Flush(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.notify:
		}
	}
}

func (n *Network) requeueFront(p Packet) {
	n.mu.Lock()
	n.queue = append([]Packet{p}, n.queue...)
	n.mu.Unlock()
}

func (n *Network) deliver(ctx context.Context, p Packet) (err error) {
	started := time.Now()
	var srcChain, dstChain uint64
	defer func() {
		metrics.RecordRelay(transportName, srcChain, dstChain, time.Since(started), err)
	}()

	if src, ok := n.endpoint(p.Origin.SrcEID); ok {
		srcChain = src.ChainID()
	}
	dst, ok := n.endpoint(p.DstEID)
	if !ok {
		return fmt.Errorf("%w %d", ErrUnknownEndpoint, p.DstEID)
	}
	dstChain = dst.ChainID()

	if err := n.limiter.Wait(ctx, ratelimiter.Route(transportName, uint64(p.Origin.SrcEID), uint64(p.DstEID))); err != nil {
		return err
	}
	_, err = dst.chain.Transact(ctx, n.executor, dst.address, nil, func(call *chain.Call) error {
		return dst.receive(call, p)
	})
	return err
}
