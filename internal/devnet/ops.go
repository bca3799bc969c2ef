package devnet

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/eip712"
	"singleid/go-backend/internal/issuer"
	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/internal/registry"
	"singleid/go-backend/pkg/models"
)

// Operator signs registrations the way the off-chain operator service does.
type Operator struct {
	signer *eip712.Signer
}

func (o *Operator) Address() common.Address {
	return o.signer.Address()
}

// SignSchema authorizes a schema registration on the registry with domain.
func (o *Operator) SignSchema(domain eip712.Domain, params registry.SchemaParams) ([]byte, error) {
	return o.signer.Sign(domain, params)
}

func (o *Operator) SignRegisterWithEmitter(user common.Address, req issuer.RegisterWithEmitterRequest) ([]byte, error) {
	return o.signer.Sign(issuer.Domain, req.Params(user))
}

func (o *Operator) SignRegister(user common.Address, req issuer.RegisterRequest) ([]byte, error) {
	return o.signer.Sign(issuer.Domain, req.Params(user))
}

func (o *Operator) SignUpdate(user common.Address, req issuer.UpdateRequest) ([]byte, error) {
	return o.signer.Sign(issuer.Domain, req.Params(user))
}

func (o *Operator) SignRevoke(user common.Address, req issuer.RevokeRequest) ([]byte, error) {
	return o.signer.Sign(issuer.Domain, req.Params(user))
}

// RegisterSchema signs params with the operator key and submits them to the
// registry on chainID from the emitter's account.
func (d *Devnet) RegisterSchema(ctx context.Context, chainID uint64, params registry.SchemaParams) (common.Hash, error) {
	c, err := d.Chain(chainID)
	if err != nil {
		return common.Hash{}, err
	}
	sig, err := d.operator.SignSchema(c.Registry.Domain(), params)
	if err != nil {
		return common.Hash{}, err
	}
	var id common.Hash
	_, err = c.Ledger.Transact(ctx, params.Emitter, c.Registry.Address(), nil, func(call *chain.Call) error {
		var err error
		id, err = c.Registry.RegisterSchema(call, params, sig)
		return err
	})
	return id, err
}

// RegisterSIDWithEmitter submits req from user to the issuer on srcChainID,
// paying payment.
func (d *Devnet) RegisterSIDWithEmitter(ctx context.Context, srcChainID uint64, user common.Address, req issuer.RegisterWithEmitterRequest, sig []byte, payment *uint256.Int) (models.MessageID, error) {
	return d.submit(ctx, srcChainID, user, payment, func(c *Chain, call *chain.Call) (models.MessageID, error) {
		return c.Issuer.RegisterSIDWithEmitter(call, req, sig)
	})
}

func (d *Devnet) RegisterSID(ctx context.Context, srcChainID uint64, user common.Address, req issuer.RegisterRequest, sig []byte, payment *uint256.Int) (models.MessageID, error) {
	return d.submit(ctx, srcChainID, user, payment, func(c *Chain, call *chain.Call) (models.MessageID, error) {
		return c.Issuer.RegisterSID(call, req, sig)
	})
}

func (d *Devnet) UpdateSID(ctx context.Context, srcChainID uint64, user common.Address, req issuer.UpdateRequest, sig []byte, payment *uint256.Int) (models.MessageID, error) {
	return d.submit(ctx, srcChainID, user, payment, func(c *Chain, call *chain.Call) (models.MessageID, error) {
		return c.Issuer.UpdateSID(call, req, sig)
	})
}

func (d *Devnet) RevokeSID(ctx context.Context, srcChainID uint64, user common.Address, req issuer.RevokeRequest, sig []byte, payment *uint256.Int) (models.MessageID, error) {
	return d.submit(ctx, srcChainID, user, payment, func(c *Chain, call *chain.Call) (models.MessageID, error) {
		return c.Issuer.RevokeSID(call, req, sig)
	})
}

func (d *Devnet) submit(ctx context.Context, srcChainID uint64, user common.Address, payment *uint256.Int, fn func(*Chain, *chain.Call) (models.MessageID, error)) (models.MessageID, error) {
	c, err := d.Chain(srcChainID)
	if err != nil {
		return models.MessageID{}, err
	}
	var id models.MessageID
	_, err = c.Ledger.Transact(ctx, user, c.Issuer.Address(), payment, func(call *chain.Call) error {
		var err error
		id, err = fn(c, call)
		return err
	})
	return id, err
}

// QuoteRegisterWithEmitter is the minimum payment for req submitted by user
// on srcChainID.
func (d *Devnet) QuoteRegisterWithEmitter(srcChainID uint64, user common.Address, req issuer.RegisterWithEmitterRequest) (*uint256.Int, error) {
	c, err := d.Chain(srcChainID)
	if err != nil {
		return nil, err
	}
	raw, err := protocol.EncodePayload(protocol.NewCreatePayload(req.SchemaID, user, req.ExpirationDate, req.Data, req.Metadata))
	if err != nil {
		return nil, err
	}
	return c.Issuer.Quote(req.ProtocolID, req.DstChainID, req.EmitterFee, raw)
}

// QuoteUpdate prices an update under the emitter record req names.
func (d *Devnet) QuoteUpdate(srcChainID uint64, req issuer.UpdateRequest) (*uint256.Int, error) {
	c, err := d.Chain(srcChainID)
	if err != nil {
		return nil, err
	}
	em, err := c.Issuer.Emitter(req.EmitterID)
	if err != nil {
		return nil, err
	}
	raw, err := protocol.EncodePayload(protocol.NewUpdatePayload(em.SchemaID, req.SIDID, req.ExpirationDate, req.Data, req.Metadata))
	if err != nil {
		return nil, err
	}
	return c.Issuer.Quote(req.ProtocolID, em.RegistryChainID, em.Fee, raw)
}

// WithdrawProtocol pays the protocol balance on chainID to recipient.
func (d *Devnet) WithdrawProtocol(ctx context.Context, chainID uint64, recipient common.Address) (*uint256.Int, error) {
	c, err := d.Chain(chainID)
	if err != nil {
		return nil, err
	}
	var amount *uint256.Int
	_, err = c.Ledger.Transact(ctx, d.accounts.Admin, c.Issuer.Address(), nil, func(call *chain.Call) error {
		var err error
		amount, err = c.Issuer.WithdrawProtocol(call, recipient)
		return err
	})
	return amount, err
}

// WithdrawEmitter pays the balance of emitterID to recipient; from must be
// the emitter of record.
func (d *Devnet) WithdrawEmitter(ctx context.Context, chainID uint64, from common.Address, emitterID common.Hash, recipient common.Address) (*uint256.Int, error) {
	c, err := d.Chain(chainID)
	if err != nil {
		return nil, err
	}
	var amount *uint256.Int
	_, err = c.Ledger.Transact(ctx, from, c.Issuer.Address(), nil, func(call *chain.Call) error {
		var err error
		amount, err = c.Issuer.WithdrawEmitter(call, emitterID, recipient)
		return err
	})
	return amount, err
}

// SID reads a SID from the registry on chainID.
func (d *Devnet) SID(ctx context.Context, chainID uint64, sidID common.Hash) (models.SID, error) {
	c, err := d.Chain(chainID)
	if err != nil {
		return models.SID{}, err
	}
	return c.Registry.SID(ctx, sidID)
}
