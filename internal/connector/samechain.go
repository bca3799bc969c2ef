package connector

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/pkg/models"
)

// SameChain delivers payloads back into the local router inside the sending
// transaction. It is its own peer.
type SameChain struct {
	*base
	nonce atomic.Uint64
}

func NewSameChain(cfg Config) *SameChain {
	return &SameChain{base: newBase(models.ProtocolSameChain, cfg)}
}

// Self is the peer value the router must record for this connector on the local chain.
func (c *SameChain) Self() models.Bytes32 {
	return models.AddressToBytes32(c.address)
}

func (c *SameChain) Send(call *chain.Call, dstChainID uint64, payload []byte) (models.MessageID, error) {
	if err := c.authorizeSend(call); err != nil {
		return models.MessageID{}, err
	}
	if _, err := c.NativeChainID(dstChainID); err != nil {
		return models.MessageID{}, err
	}
	if dstChainID != call.ChainID() {
		return models.MessageID{}, fmt.Errorf("%w: same-chain connector on %d cannot reach %d", protocol.ErrUnsupportedChain, call.ChainID(), dstChainID)
	}
	if err := refundRemainder(call); err != nil {
		return models.MessageID{}, err
	}

	nonce := c.nonce.Add(1)
	call.OnRevert(func() { c.nonce.Add(^uint64(0)) })
	id := crypto.Keccak256Hash(binary.BigEndian.AppendUint64(c.address.Bytes(), nonce))

	c.mu.RLock()
	router := c.router
	c.mu.RUnlock()
	err := call.Invoke(router.Address(), nil, func(sub *chain.Call) error {
		return router.Deliver(sub, c.protocolID, call.ChainID(), c.Self(), payload)
	})
	if err != nil {
		return models.MessageID{}, err
	}
	call.Emit("MessageSent", "message_id", id.Hex(), "dst_chain_id", dstChainID)
	return id, nil
}

// Quote is always zero: nothing leaves the chain.
func (c *SameChain) Quote(_ uint64, _ []byte) (*uint256.Int, error) {
	return new(uint256.Int), nil
}
