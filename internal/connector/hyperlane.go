package connector

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/pkg/models"
)

// Mailbox is the Hyperlane-style mailbox the connector dispatches through.
type Mailbox interface {
	Address() common.Address
	Dispatch(call *chain.Call, destination uint32, recipient models.Bytes32, body []byte) (common.Hash, error)
}

// GasPaymaster sells destination gas for dispatched messages.
type GasPaymaster interface {
	Address() common.Address
	QuoteGasPayment(domain uint32, gasLimit uint64) (*uint256.Int, error)
	PayForGas(call *chain.Call, messageID common.Hash, domain uint32, gasLimit uint64, refund common.Address) error
}

type Hyperlane struct {
	*base
	mailbox Mailbox
	igp     GasPaymaster
}

func NewHyperlane(cfg Config, mailbox Mailbox, igp GasPaymaster) *Hyperlane {
	return &Hyperlane{base: newBase(models.ProtocolHyperlane, cfg), mailbox: mailbox, igp: igp}
}

func (c *Hyperlane) Send(call *chain.Call, dstChainID uint64, payload []byte) (models.MessageID, error) {
	if err := c.authorizeSend(call); err != nil {
		return models.MessageID{}, err
	}
	domain, err := c.NativeChainID(dstChainID)
	if err != nil {
		return models.MessageID{}, err
	}
	peer, ok := c.Peer(dstChainID)
	if !ok {
		return models.MessageID{}, fmt.Errorf("%w: no hyperlane peer on chain %d", protocol.ErrUnknownPeer, dstChainID)
	}

	var id common.Hash
	err = call.Invoke(c.mailbox.Address(), nil, func(sub *chain.Call) error {
		var dispatchErr error
		id, dispatchErr = c.mailbox.Dispatch(sub, domain, peer, payload)
		return dispatchErr
	})
	if err != nil {
		return models.MessageID{}, err
	}
	err = call.Invoke(c.igp.Address(), call.Value, func(sub *chain.Call) error {
		return c.igp.PayForGas(sub, id, domain, c.GasLimit(), call.Origin)
	})
	if err != nil {
		return models.MessageID{}, err
	}
	call.Emit("MessageSent", "message_id", id.Hex(), "dst_chain_id", dstChainID, "domain", domain)
	return id, nil
}

func (c *Hyperlane) Quote(dstChainID uint64, _ []byte) (*uint256.Int, error) {
	domain, err := c.NativeChainID(dstChainID)
	if err != nil {
		return nil, err
	}
	return c.igp.QuoteGasPayment(domain, c.GasLimit())
}

// Handle is the mailbox's inbound callback.
func (c *Hyperlane) Handle(call *chain.Call, origin uint32, sender models.Bytes32, body []byte) error {
	if call.Sender != c.mailbox.Address() {
		return fmt.Errorf("%w: handle by %s", protocol.ErrUnauthorized, call.Sender.Hex())
	}
	if err := c.deliver(call, origin, sender, body); err != nil {
		return err
	}
	call.Emit("MessageReceived", "origin", origin, "sender", sender.Hex())
	return nil
}
