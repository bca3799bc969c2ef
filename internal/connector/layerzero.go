package connector

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/internal/transport/lzendpoint"
	"singleid/go-backend/pkg/models"
)

// Endpoint is the LayerZero-style endpoint the connector sends through.
type Endpoint interface {
	Address() common.Address
	Quote(dstEID uint32, message []byte, gasLimit uint64) (*uint256.Int, error)
	Send(call *chain.Call, params lzendpoint.MessagingParams, refund common.Address) (lzendpoint.MessagingReceipt, error)
}

type LayerZero struct {
	*base
	endpoint Endpoint
}

func NewLayerZero(cfg Config, endpoint Endpoint) *LayerZero {
	return &LayerZero{base: newBase(models.ProtocolLayerZero, cfg), endpoint: endpoint}
}

func (c *LayerZero) Send(call *chain.Call, dstChainID uint64, payload []byte) (models.MessageID, error) {
	if err := c.authorizeSend(call); err != nil {
		return models.MessageID{}, err
	}
	eid, err := c.NativeChainID(dstChainID)
	if err != nil {
		return models.MessageID{}, err
	}
	peer, ok := c.Peer(dstChainID)
	if !ok {
		return models.MessageID{}, fmt.Errorf("%w: no layerzero peer on chain %d", protocol.ErrUnknownPeer, dstChainID)
	}

	var receipt lzendpoint.MessagingReceipt
	err = call.Invoke(c.endpoint.Address(), call.Value, func(sub *chain.Call) error {
		var sendErr error
		receipt, sendErr = c.endpoint.Send(sub, lzendpoint.MessagingParams{
			DstEID:   eid,
			Receiver: peer,
			Message:  payload,
			GasLimit: c.GasLimit(),
		}, call.Origin)
		return sendErr
	})
	if err != nil {
		return models.MessageID{}, err
	}
	call.Emit("MessageSent", "message_id", receipt.GUID.Hex(), "dst_chain_id", dstChainID, "dst_eid", eid, "fee", receipt.Fee.Dec())
	return receipt.GUID, nil
}

func (c *LayerZero) Quote(dstChainID uint64, payload []byte) (*uint256.Int, error) {
	eid, err := c.NativeChainID(dstChainID)
	if err != nil {
		return nil, err
	}
	return c.endpoint.Quote(eid, payload, c.GasLimit())
}

// LzReceive is the endpoint's inbound callback.
func (c *LayerZero) LzReceive(call *chain.Call, origin lzendpoint.Origin, guid common.Hash, message []byte) error {
	if call.Sender != c.endpoint.Address() {
		return fmt.Errorf("%w: lzReceive by %s", protocol.ErrUnauthorized, call.Sender.Hex())
	}
	if err := c.deliver(call, origin.SrcEID, origin.Sender, message); err != nil {
		return err
	}
	call.Emit("MessageReceived", "message_id", guid.Hex(), "src_eid", origin.SrcEID, "nonce", origin.Nonce)
	return nil
}
