// Package connector adapts the router to concrete message transports. Every
// connector accepts outbound payloads only from the router on behalf of the
// configured identifier issuer, and hands inbound payloads to the router
// after checking the transport gateway, the source chain and the remote peer.
package connector

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/pkg/models"
)

// Router is the part of the router a connector delivers into.
type Router interface {
	Address() common.Address
	Deliver(call *chain.Call, protocolID models.ProtocolID, srcChainID uint64, srcPeer models.Bytes32, payload []byte) error
}

type Config struct {
	Address  common.Address
	Admin    common.Address
	Router   Router
	SingleID common.Address
	GasLimit uint64
	Logger   *slog.Logger
}

type base struct {
	mu         sync.RWMutex
	protocolID models.ProtocolID
	address    common.Address
	admin      common.Address
	router     Router
	singleID   common.Address
	gasLimit   uint64
	toNative   map[uint64]uint32
	toCanon    map[uint32]uint64
	peers      map[uint64]models.Bytes32
	logger     *slog.Logger
}

func newBase(protocolID models.ProtocolID, cfg Config) *base {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &base{
		protocolID: protocolID,
		address:    cfg.Address,
		admin:      cfg.Admin,
		router:     cfg.Router,
		singleID:   cfg.SingleID,
		gasLimit:   cfg.GasLimit,
		toNative:   make(map[uint64]uint32),
		toCanon:    make(map[uint32]uint64),
		peers:      make(map[uint64]models.Bytes32),
		logger:     logger.With("component", "connector", "protocol", protocolID.String(), "connector", cfg.Address.Hex()),
	}
}

func (b *base) Address() common.Address {
	return b.address
}

func (b *base) ProtocolID() models.ProtocolID {
	return b.protocolID
}

func (b *base) GasLimit() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gasLimit
}

func (b *base) Peer(canonicalChainID uint64) (models.Bytes32, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	peer, ok := b.peers[canonicalChainID]
	return peer, ok
}

// NativeChainID translates a canonical chain id into the transport's own id.
func (b *base) NativeChainID(canonicalChainID uint64) (uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	native, ok := b.toNative[canonicalChainID]
	if !ok {
		return 0, fmt.Errorf("%w: %s has no native id for chain %d", protocol.ErrUnsupportedChain, b.protocolID, canonicalChainID)
	}
	return native, nil
}

// CanonicalChainID translates a transport id back into the canonical chain id.
func (b *base) CanonicalChainID(native uint32) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	canonical, ok := b.toCanon[native]
	if !ok {
		return 0, fmt.Errorf("%w: %s does not know native id %d", protocol.ErrUnsupportedChain, b.protocolID, native)
	}
	return canonical, nil
}

func (b *base) SetRouter(call *chain.Call, router Router) error {
	if err := b.requireAdmin(call, "set router"); err != nil {
		return err
	}
	b.mu.Lock()
	prev := b.router
	b.router = router
	b.mu.Unlock()
	call.OnRevert(func() {
		b.mu.Lock()
		b.router = prev
		b.mu.Unlock()
	})
	call.Emit("RouterSet", "router", router.Address().Hex())
	return nil
}

// SetSingleID names the issuer contract allowed to send through the router.
func (b *base) SetSingleID(call *chain.Call, singleID common.Address) error {
	if err := b.requireAdmin(call, "set single id"); err != nil {
		return err
	}
	b.mu.Lock()
	prev := b.singleID
	b.singleID = singleID
	b.mu.Unlock()
	call.OnRevert(func() {
		b.mu.Lock()
		b.singleID = prev
		b.mu.Unlock()
	})
	call.Emit("SingleIDSet", "single_id", singleID.Hex())
	return nil
}

// SetChainIDs maps transport-native ids onto canonical chain ids pairwise.
func (b *base) SetChainIDs(call *chain.Call, native []uint32, canonical []uint64) error {
	if err := b.requireAdmin(call, "set chain ids"); err != nil {
		return err
	}
	if len(native) != len(canonical) {
		return fmt.Errorf("%w: %d native ids, %d canonical ids", protocol.ErrLengthMismatch, len(native), len(canonical))
	}
	b.mu.Lock()
	prevNative := cloneMap(b.toNative)
	prevCanon := cloneMap(b.toCanon)
	for i, id := range native {
		b.toNative[canonical[i]] = id
		b.toCanon[id] = canonical[i]
	}
	b.mu.Unlock()
	call.OnRevert(func() {
		b.mu.Lock()
		b.toNative = prevNative
		b.toCanon = prevCanon
		b.mu.Unlock()
	})
	for i, id := range native {
		call.Emit("ChainIDSet", "native_id", id, "chain_id", canonical[i])
	}
	return nil
}

func (b *base) SetPeer(call *chain.Call, canonicalChainID uint64, peer models.Bytes32) error {
	if err := b.requireAdmin(call, "set peer"); err != nil {
		return err
	}
	b.mu.Lock()
	prev, had := b.peers[canonicalChainID]
	b.peers[canonicalChainID] = peer
	b.mu.Unlock()
	call.OnRevert(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if had {
			b.peers[canonicalChainID] = prev
			return
		}
		delete(b.peers, canonicalChainID)
	})
	call.Emit("PeerSet", "chain_id", canonicalChainID, "peer", peer.Hex())
	return nil
}

func (b *base) SetGasLimit(call *chain.Call, gasLimit uint64) error {
	if err := b.requireAdmin(call, "set gas limit"); err != nil {
		return err
	}
	b.mu.Lock()
	prev := b.gasLimit
	b.gasLimit = gasLimit
	b.mu.Unlock()
	call.OnRevert(func() {
		b.mu.Lock()
		b.gasLimit = prev
		b.mu.Unlock()
	})
	call.Emit("GasLimitSet", "gas_limit", gasLimit)
	return nil
}

func (b *base) requireAdmin(call *chain.Call, action string) error {
	if call.Sender != b.admin {
		return fmt.Errorf("%w: %s by %s", protocol.ErrUnauthorized, action, call.Sender.Hex())
	}
	return nil
}

// authorizeSend admits only the router acting on behalf of the issuer.
func (b *base) authorizeSend(call *chain.Call) error {
	b.mu.RLock()
	router := b.router
	singleID := b.singleID
	b.mu.RUnlock()
	if router == nil || call.Sender != router.Address() {
		return fmt.Errorf("%w: send by %s", protocol.ErrUnauthorized, call.Sender.Hex())
	}
	origin, ok := call.Caller()
	if !ok || singleID == (common.Address{}) || origin != singleID {
		return fmt.Errorf("%w: send on behalf of %s", protocol.ErrUnauthorized, origin.Hex())
	}
	return nil
}

// deliver resolves the source and peer of an inbound payload and hands it to the router.
func (b *base) deliver(call *chain.Call, native uint32, sender models.Bytes32, payload []byte) error {
	srcChainID, err := b.CanonicalChainID(native)
	if err != nil {
		return err
	}
	peer, ok := b.Peer(srcChainID)
	if !ok || peer != sender {
		return fmt.Errorf("%w: %s from chain %d", protocol.ErrUnknownPeer, sender.Hex(), srcChainID)
	}
	b.mu.RLock()
	router := b.router
	b.mu.RUnlock()
	if router == nil {
		return fmt.Errorf("%w: router is not configured", protocol.ErrNotFound)
	}
	return call.Invoke(router.Address(), nil, func(sub *chain.Call) error {
		return router.Deliver(sub, b.protocolID, srcChainID, sender, payload)
	})
}

// refundRemainder returns whatever value the connector still holds for this call to the origin.
func refundRemainder(call *chain.Call) error {
	if call.Value == nil || call.Value.IsZero() {
		return nil
	}
	return call.Transfer(call.Origin, call.Value)
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
