// Package lzendpoint is an in-process LayerZero-style messaging endpoint.
// Each chain hosts one Endpoint identified by an endpoint id (eid); a Network
// carries committed packets between endpoints and executes them on the
// destination chain.
package lzendpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/pkg/models"
)

var (
	ErrUnknownEndpoint = fmt.Errorf("%w: no endpoint for eid", protocol.ErrUnsupportedChain)
	ErrNoReceiver      = errors.New("receiver is not registered on the destination endpoint")
	ErrPacketDelivered = fmt.Errorf("%w: packet already delivered", protocol.ErrAlreadyExists)
	ErrNotAttached     = errors.New("endpoint is not attached to a network")
)

// Origin identifies where an inbound packet came from.
type Origin struct {
	SrcEID uint32
	Sender models.Bytes32
	Nonce  uint64
}

// Receiver is implemented by applications that accept packets. The call's
// Sender is the local endpoint address.
type Receiver interface {
	LzReceive(call *chain.Call, origin Origin, guid common.Hash, message []byte) error
}

type MessagingParams struct {
	DstEID   uint32
	Receiver models.Bytes32
	Message  []byte
	GasLimit uint64
}

type MessagingReceipt struct {
	GUID  common.Hash
	Nonce uint64
	Fee   *uint256.Int
}

// Packet is a committed outbound message waiting for execution.
type Packet struct {
	GUID     common.Hash
	Origin   Origin
	DstEID   uint32
	Receiver models.Bytes32
	Message  []byte
	GasLimit uint64
}

type Config struct {
	EID      uint32
	Address  common.Address
	Chain    *chain.Chain
	Treasury common.Address
	BaseFee  *uint256.Int
	GasPrice *uint256.Int
	Logger   *slog.Logger
}

type pathKey struct {
	sender   common.Address
	dstEID   uint32
	receiver models.Bytes32
}

type Endpoint struct {
	mu        sync.RWMutex
	eid       uint32
	address   common.Address
	chain     *chain.Chain
	treasury  common.Address
	baseFee   *uint256.Int
	gasPrice  *uint256.Int
	network   *Network
	receivers map[common.Address]Receiver
	outbound  map[pathKey]uint64
	delivered map[common.Hash]struct{}
	logger    *slog.Logger
}

func New(cfg Config) *Endpoint {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseFee := cfg.BaseFee
	if baseFee == nil {
		baseFee = new(uint256.Int)
	}
	gasPrice := cfg.GasPrice
	if gasPrice == nil {
		gasPrice = new(uint256.Int)
	}
	return &Endpoint{
		eid:       cfg.EID,
		address:   cfg.Address,
		chain:     cfg.Chain,
		treasury:  cfg.Treasury,
		baseFee:   baseFee.Clone(),
		gasPrice:  gasPrice.Clone(),
		receivers: make(map[common.Address]Receiver),
		outbound:  make(map[pathKey]uint64),
		delivered: make(map[common.Hash]struct{}),
		logger:    logger.With("component", "lz_endpoint", "eid", cfg.EID),
	}
}

func (e *Endpoint) EID() uint32 {
	return e.eid
}

func (e *Endpoint) Address() common.Address {
	return e.address
}

func (e *Endpoint) ChainID() uint64 {
	return e.chain.ID()
}

// RegisterReceiver binds the application code living at addr.
func (e *Endpoint) RegisterReceiver(addr common.Address, r Receiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.receivers[addr] = r
}

// Quote returns the native fee for delivering message to dstEID with the given gas limit.
func (e *Endpoint) Quote(dstEID uint32, message []byte, gasLimit uint64) (*uint256.Int, error) {
	e.mu.RLock()
	network := e.network
	e.mu.RUnlock()
	if network == nil {
		return nil, ErrNotAttached
	}
	if _, ok := network.endpoint(dstEID); !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownEndpoint, dstEID)
	}
	fee := new(uint256.Int).Mul(e.gasPrice, uint256.NewInt(gasLimit))
	return fee.Add(fee, e.baseFee), nil
}

// Send commits an outbound packet. call.Sender is the sending application and
// call.Value the payment; the fee goes to the treasury and any excess to refund.
func (e *Endpoint) Send(call *chain.Call, params MessagingParams, refund common.Address) (MessagingReceipt, error) {
	fee, err := e.Quote(params.DstEID, params.Message, params.GasLimit)
	if err != nil {
		return MessagingReceipt{}, err
	}
	paid := call.Value
	if paid == nil {
		paid = new(uint256.Int)
	}
	if paid.Lt(fee) {
		return MessagingReceipt{}, fmt.Errorf("%w: endpoint fee %s, paid %s", protocol.ErrInsufficientPayment, fee.Dec(), paid.Dec())
	}
	if err := call.Transfer(e.treasury, fee); err != nil {
		return MessagingReceipt{}, err
	}
	if excess := new(uint256.Int).Sub(paid, fee); !excess.IsZero() {
		if err := call.Transfer(refund, excess); err != nil {
			return MessagingReceipt{}, err
		}
	}

	key := pathKey{sender: call.Sender, dstEID: params.DstEID, receiver: params.Receiver}
	e.mu.Lock()
	prev := e.outbound[key]
	nonce := prev + 1
	e.outbound[key] = nonce
	network := e.network
	e.mu.Unlock()
	call.OnRevert(func() {
		e.mu.Lock()
		e.outbound[key] = prev
		e.mu.Unlock()
	})

	sender := models.AddressToBytes32(call.Sender)
	packet := Packet{
		GUID:     packetGUID(nonce, e.eid, sender, params.DstEID, params.Receiver),
		Origin:   Origin{SrcEID: e.eid, Sender: sender, Nonce: nonce},
		DstEID:   params.DstEID,
		Receiver: params.Receiver,
		Message:  append([]byte(nil), params.Message...),
		GasLimit: params.GasLimit,
	}
	call.OnCommit(func() { network.enqueue(packet) })
	call.Emit("PacketSent", "guid", packet.GUID.Hex(), "dst_eid", params.DstEID, "nonce", nonce, "fee", fee.Dec())
	return MessagingReceipt{GUID: packet.GUID, Nonce: nonce, Fee: fee}, nil
}

// OutboundNonce is the last nonce used on the (sender, dstEID, receiver) path.
func (e *Endpoint) OutboundNonce(sender common.Address, dstEID uint32, receiver models.Bytes32) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.outbound[pathKey{sender: sender, dstEID: dstEID, receiver: receiver}]
}

func (e *Endpoint) Delivered(guid common.Hash) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.delivered[guid]
	return ok
}

// receive executes p inside a destination-chain transaction whose Self is the endpoint.
func (e *Endpoint) receive(call *chain.Call, p Packet) error {
	receiverAddr := p.Receiver.Address()
	e.mu.Lock()
	if _, done := e.delivered[p.GUID]; done {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPacketDelivered, p.GUID.Hex())
	}
	recv, ok := e.receivers[receiverAddr]
	if !ok || !p.Receiver.IsAddress() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoReceiver, p.Receiver.Hex())
	}
	e.delivered[p.GUID] = struct{}{}
	e.mu.Unlock()
	call.OnRevert(func() {
		e.mu.Lock()
		delete(e.delivered, p.GUID)
		e.mu.Unlock()
	})

	err := call.Invoke(receiverAddr, nil, func(sub *chain.Call) error {
		return recv.LzReceive(sub, p.Origin, p.GUID, p.Message)
	})
	if err != nil {
		return err
	}
	call.Emit("PacketDelivered", "guid", p.GUID.Hex(), "src_eid", p.Origin.SrcEID, "nonce", p.Origin.Nonce)
	return nil
}

// packetGUID is keccak256(nonce | srcEid | sender | dstEid | receiver), tightly packed.
func packetGUID(nonce uint64, srcEID uint32, sender models.Bytes32, dstEID uint32, receiver models.Bytes32) common.Hash {
	buf := make([]byte, 0, 8+4+32+4+32)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = binary.BigEndian.AppendUint32(buf, srcEID)
	buf = append(buf, sender[:]...)
	buf = binary.BigEndian.AppendUint32(buf, dstEID)
	buf = append(buf, receiver[:]...)
	return crypto.Keccak256Hash(buf)
}
