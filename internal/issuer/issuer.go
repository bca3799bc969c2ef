// Package issuer is the user-facing entry point of the protocol. It checks
// operator signatures, splits each payment into emitter and protocol fees,
// and hands the canonical payload to the router with the remainder as
// transport stipend.
package issuer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/eip712"
	"singleid/go-backend/internal/metrics"
	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/pkg/models"
)

const (
	DomainName    = "Rubyscore_Single_Identifier_Id"
	DomainVersion = "0.0.1"

	feeKindEmitter  = "emitter"
	feeKindProtocol = "protocol"
)

// Domain is chain-agnostic: chain id 0 and no verifying contract, so one
// operator signature format serves every deployment.
var Domain = eip712.Domain{Name: DomainName, Version: DomainVersion}

// Router is the part of the router the issuer dispatches through.
type Router interface {
	Address() common.Address
	Dispatch(call *chain.Call, protocolID models.ProtocolID, dstChainID uint64, payload []byte) (models.MessageID, error)
	Quote(protocolID models.ProtocolID, dstChainID uint64, payload []byte) (*uint256.Int, error)
}

type Config struct {
	Address     common.Address
	Admin       common.Address
	Operator    common.Address
	Router      Router
	ProtocolFee *uint256.Int
	Logger      *slog.Logger
}

type Issuer struct {
	mu          sync.RWMutex
	address     common.Address
	admin       common.Address
	operator    common.Address
	router      Router
	protocolFee *uint256.Int

	emitters        map[common.Hash]models.Emitter
	emitterBalances map[common.Hash]*uint256.Int
	protocolBalance *uint256.Int

	verifier *eip712.Verifier
	logger   *slog.Logger
}

func New(cfg Config) *Issuer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fee := new(uint256.Int)
	if cfg.ProtocolFee != nil {
		fee.Set(cfg.ProtocolFee)
	}
	return &Issuer{
		address:         cfg.Address,
		admin:           cfg.Admin,
		operator:        cfg.Operator,
		router:          cfg.Router,
		protocolFee:     fee,
		emitters:        make(map[common.Hash]models.Emitter),
		emitterBalances: make(map[common.Hash]*uint256.Int),
		protocolBalance: new(uint256.Int),
		verifier:        eip712.NewVerifier(Domain),
		logger:          logger.With("component", "issuer", "issuer", cfg.Address.Hex()),
	}
}

func (i *Issuer) Address() common.Address {
	return i.address
}

func (i *Issuer) ProtocolFee() *uint256.Int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.protocolFee.Clone()
}

func (i *Issuer) ProtocolBalance() *uint256.Int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.protocolBalance.Clone()
}

func (i *Issuer) EmitterBalance(emitterID common.Hash) *uint256.Int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if bal, ok := i.emitterBalances[emitterID]; ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

func (i *Issuer) Emitter(emitterID common.Hash) (models.Emitter, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	em, ok := i.emitters[emitterID]
	if !ok {
		return models.Emitter{}, fmt.Errorf("%w: emitter %s", protocol.ErrNotFound, emitterID.Hex())
	}
	return cloneEmitter(em), nil
}

// Quote is the minimum payment for a registration through protocolID:
// both fees plus what the transport charges for payload.
func (i *Issuer) Quote(protocolID models.ProtocolID, dstChainID uint64, emitterFee *uint256.Int, payload []byte) (*uint256.Int, error) {
	i.mu.RLock()
	router := i.router
	i.mu.RUnlock()
	if router == nil {
		return nil, fmt.Errorf("%w: router is not configured", protocol.ErrNotFound)
	}
	transport, err := router.Quote(protocolID, dstChainID, payload)
	if err != nil {
		return nil, err
	}
	total, err := i.requiredFees(emitterFee)
	if err != nil {
		return nil, err
	}
	if _, overflow := total.AddOverflow(total, transport); overflow {
		return nil, fmt.Errorf("%w: quote overflows", protocol.ErrInsufficientPayment)
	}
	return total, nil
}

// RegisterSIDWithEmitter creates or refreshes the emitter record for
// (schema, destination chain) and registers a SID for the caller there.
func (i *Issuer) RegisterSIDWithEmitter(call *chain.Call, req RegisterWithEmitterRequest, signature []byte) (models.MessageID, error) {
	if err := i.verifier.Verify(req.Params(call.Sender), signature, i.operator); err != nil {
		return models.MessageID{}, err
	}
	if req.EmitterAddress == (common.Address{}) {
		return models.MessageID{}, fmt.Errorf("%w: zero emitter address", protocol.ErrUnauthorized)
	}
	emitterID := req.EmitterID()
	fee := new(uint256.Int)
	if req.EmitterFee != nil {
		fee.Set(req.EmitterFee)
	}

	i.mu.RLock()
	current, exists := i.emitters[emitterID]
	i.mu.RUnlock()
	if exists && current.Address != req.EmitterAddress {
		return models.MessageID{}, fmt.Errorf("%w: emitter %s is bound to %s", protocol.ErrSchemaConflict, emitterID.Hex(), current.Address.Hex())
	}
	i.putEmitter(call, models.Emitter{
		ID:              emitterID,
		SchemaID:        req.SchemaID,
		RegistryChainID: req.DstChainID,
		Address:         req.EmitterAddress,
		Fee:             fee,
		ExpirationDate:  req.ExpirationDate,
	})

	payload := protocol.NewCreatePayload(req.SchemaID, call.Sender, req.ExpirationDate, req.Data, req.Metadata)
	return i.dispatch(call, emitterID, fee, req.ProtocolID, req.DstChainID, payload)
}

// RegisterSID registers a SID for the caller under an existing emitter record.
func (i *Issuer) RegisterSID(call *chain.Call, req RegisterRequest, signature []byte) (models.MessageID, error) {
	if err := i.verifier.Verify(req.Params(call.Sender), signature, i.operator); err != nil {
		return models.MessageID{}, err
	}
	em, err := i.Emitter(req.EmitterID)
	if err != nil {
		return models.MessageID{}, err
	}
	payload := protocol.NewCreatePayload(em.SchemaID, call.Sender, em.ExpirationDate, req.Data, req.Metadata)
	return i.dispatch(call, em.ID, em.Fee, req.ProtocolID, em.RegistryChainID, payload)
}

// UpdateSID refreshes the caller's own SID on the emitter's registry chain.
func (i *Issuer) UpdateSID(call *chain.Call, req UpdateRequest, signature []byte) (models.MessageID, error) {
	if err := i.verifier.Verify(req.Params(call.Sender), signature, i.operator); err != nil {
		return models.MessageID{}, err
	}
	em, err := i.Emitter(req.EmitterID)
	if err != nil {
		return models.MessageID{}, err
	}
	if req.SIDID != protocol.SIDID(em.SchemaID, call.Sender) {
		return models.MessageID{}, fmt.Errorf("%w: sid %s is not owned by %s", protocol.ErrUnauthorized, req.SIDID.Hex(), call.Sender.Hex())
	}
	payload := protocol.NewUpdatePayload(em.SchemaID, req.SIDID, req.ExpirationDate, req.Data, req.Metadata)
	return i.dispatch(call, em.ID, em.Fee, req.ProtocolID, em.RegistryChainID, payload)
}

// RevokeSID may be requested by the SID owner or the emitter of record. No
// fees are taken; the whole payment is transport stipend.
func (i *Issuer) RevokeSID(call *chain.Call, req RevokeRequest, signature []byte) (models.MessageID, error) {
	if err := i.verifier.Verify(req.Params(call.Sender), signature, i.operator); err != nil {
		return models.MessageID{}, err
	}
	em, err := i.Emitter(req.EmitterID)
	if err != nil {
		return models.MessageID{}, err
	}
	if req.SIDID != protocol.SIDID(em.SchemaID, call.Sender) && call.Sender != em.Address {
		return models.MessageID{}, fmt.Errorf("%w: revoke of %s by %s", protocol.ErrUnauthorized, req.SIDID.Hex(), call.Sender.Hex())
	}
	raw, err := protocol.EncodePayload(protocol.NewRevokePayload(em.SchemaID, req.SIDID))
	if err != nil {
		return models.MessageID{}, err
	}
	return i.send(call, req.ProtocolID, em.RegistryChainID, call.Value, raw)
}

// WithdrawProtocol pays the whole protocol balance to recipient. Admin only.
func (i *Issuer) WithdrawProtocol(call *chain.Call, recipient common.Address) (*uint256.Int, error) {
	if call.Sender != i.admin {
		return nil, fmt.Errorf("%w: protocol withdrawal by %s", protocol.ErrUnauthorized, call.Sender.Hex())
	}
	i.mu.Lock()
	amount := i.protocolBalance
	i.protocolBalance = new(uint256.Int)
	i.mu.Unlock()
	call.OnRevert(func() {
		i.mu.Lock()
		i.protocolBalance = amount
		i.mu.Unlock()
	})
	if err := call.Transfer(recipient, amount); err != nil {
		return nil, err
	}
	call.Emit("ProtocolWithdrawn", "recipient", recipient.Hex(), "amount", amount.Dec())
	call.OnCommit(func() { metrics.RecordWithdrawal(call.ChainID(), feeKindProtocol) })
	return amount.Clone(), nil
}

// WithdrawEmitter pays the balance of emitterID to recipient. Only the
// emitter of record may call it.
func (i *Issuer) WithdrawEmitter(call *chain.Call, emitterID common.Hash, recipient common.Address) (*uint256.Int, error) {
	em, err := i.Emitter(emitterID)
	if err != nil {
		return nil, err
	}
	if call.Sender != em.Address {
		return nil, fmt.Errorf("%w: emitter withdrawal of %s by %s", protocol.ErrUnauthorized, emitterID.Hex(), call.Sender.Hex())
	}
	i.mu.Lock()
	amount, had := i.emitterBalances[emitterID]
	if !had {
		amount = new(uint256.Int)
	}
	i.emitterBalances[emitterID] = new(uint256.Int)
	i.mu.Unlock()
	call.OnRevert(func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		if had {
			i.emitterBalances[emitterID] = amount
			return
		}
		delete(i.emitterBalances, emitterID)
	})
	if err := call.Transfer(recipient, amount); err != nil {
		return nil, err
	}
	call.Emit("EmitterWithdrawn", "emitter_id", emitterID.Hex(), "recipient", recipient.Hex(), "amount", amount.Dec())
	call.OnCommit(func() { metrics.RecordWithdrawal(call.ChainID(), feeKindEmitter) })
	return amount.Clone(), nil
}

func (i *Issuer) SetProtocolFee(call *chain.Call, fee *uint256.Int) error {
	if call.Sender != i.admin {
		return fmt.Errorf("%w: set protocol fee by %s", protocol.ErrUnauthorized, call.Sender.Hex())
	}
	next := new(uint256.Int)
	if fee != nil {
		next.Set(fee)
	}
	i.mu.Lock()
	prev := i.protocolFee
	i.protocolFee = next
	i.mu.Unlock()
	call.OnRevert(func() {
		i.mu.Lock()
		i.protocolFee = prev
		i.mu.Unlock()
	})
	call.Emit("ProtocolFeeSet", "fee", next.Dec())
	return nil
}

func (i *Issuer) SetRouter(call *chain.Call, router Router) error {
	if call.Sender != i.admin {
		return fmt.Errorf("%w: set router by %s", protocol.ErrUnauthorized, call.Sender.Hex())
	}
	i.mu.Lock()
	prev := i.router
	i.router = router
	i.mu.Unlock()
	call.OnRevert(func() {
		i.mu.Lock()
		i.router = prev
		i.mu.Unlock()
	})
	call.Emit("RouterSet", "router", router.Address().Hex())
	return nil
}

// UpdateEmitterAddress hands the emitter record, and with it the right to
// withdraw its balance, to a new address. Operator only.
func (i *Issuer) UpdateEmitterAddress(call *chain.Call, emitterID common.Hash, newAddress common.Address) error {
	if call.Sender != i.operator {
		return fmt.Errorf("%w: update emitter by %s", protocol.ErrUnauthorized, call.Sender.Hex())
	}
	if newAddress == (common.Address{}) {
		return fmt.Errorf("%w: zero emitter address", protocol.ErrUnauthorized)
	}
	em, err := i.Emitter(emitterID)
	if err != nil {
		return err
	}
	prev := em.Address
	em.Address = newAddress
	i.putEmitter(call, em)
	call.Emit("EmitterUpdated", "emitter_id", emitterID.Hex(), "old", prev.Hex(), "new", newAddress.Hex())
	return nil
}

// dispatch takes both fees out of the call value and forwards the rest.
func (i *Issuer) dispatch(call *chain.Call, emitterID common.Hash, emitterFee *uint256.Int, protocolID models.ProtocolID, dstChainID uint64, payload protocol.Payload) (models.MessageID, error) {
	raw, err := protocol.EncodePayload(payload)
	if err != nil {
		return models.MessageID{}, err
	}
	required, err := i.requiredFees(emitterFee)
	if err != nil {
		return models.MessageID{}, err
	}
	paid := new(uint256.Int)
	if call.Value != nil {
		paid.Set(call.Value)
	}
	if paid.Lt(required) {
		return models.MessageID{}, fmt.Errorf("%w: paid %s, fees are %s", protocol.ErrInsufficientPayment, paid.Dec(), required.Dec())
	}
	protocolFee := new(uint256.Int).Sub(required, emitterFee)
	stipend := new(uint256.Int).Sub(paid, required)

	i.creditEmitter(call, emitterID, emitterFee)
	i.creditProtocol(call, protocolFee)
	call.OnCommit(func() {
		metrics.RecordFee(call.ChainID(), feeKindEmitter, emitterFee)
		metrics.RecordFee(call.ChainID(), feeKindProtocol, protocolFee)
	})

	id, err := i.send(call, protocolID, dstChainID, stipend, raw)
	if err != nil {
		return models.MessageID{}, err
	}
	call.Emit("SIDRequested",
		"tag", payload.Tag.String(),
		"sid_id", payload.SIDID().Hex(),
		"emitter_id", emitterID.Hex(),
		"dst_chain_id", dstChainID,
		"emitter_fee", emitterFee.Dec(),
		"protocol_fee", protocolFee.Dec(),
	)
	return id, nil
}

func (i *Issuer) send(call *chain.Call, protocolID models.ProtocolID, dstChainID uint64, stipend *uint256.Int, raw []byte) (models.MessageID, error) {
	i.mu.RLock()
	router := i.router
	i.mu.RUnlock()
	if router == nil {
		return models.MessageID{}, fmt.Errorf("%w: router is not configured", protocol.ErrNotFound)
	}
	var id models.MessageID
	err := call.Invoke(router.Address(), stipend, func(sub *chain.Call) error {
		var err error
		id, err = router.Dispatch(sub, protocolID, dstChainID, raw)
		return err
	})
	if err != nil {
		return models.MessageID{}, err
	}
	i.logger.Debug("payload dispatched", "protocol", protocolID.String(), "dst_chain_id", dstChainID, "message_id", id.Hex())
	return id, nil
}

func (i *Issuer) requiredFees(emitterFee *uint256.Int) (*uint256.Int, error) {
	total := i.ProtocolFee()
	if emitterFee == nil {
		return total, nil
	}
	if _, overflow := total.AddOverflow(total, emitterFee); overflow {
		return nil, fmt.Errorf("%w: fees overflow", protocol.ErrInsufficientPayment)
	}
	return total, nil
}

func (i *Issuer) creditProtocol(call *chain.Call, amount *uint256.Int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	prev := i.protocolBalance
	i.protocolBalance = new(uint256.Int).Add(prev, amount)
	call.OnRevert(func() {
		i.mu.Lock()
		i.protocolBalance = prev
		i.mu.Unlock()
	})
}

func (i *Issuer) creditEmitter(call *chain.Call, emitterID common.Hash, amount *uint256.Int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	prev, had := i.emitterBalances[emitterID]
	next := amount.Clone()
	if had {
		next.Add(prev, amount)
	}
	i.emitterBalances[emitterID] = next
	call.OnRevert(func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		if had {
			i.emitterBalances[emitterID] = prev
			return
		}
		delete(i.emitterBalances, emitterID)
	})
}

func (i *Issuer) putEmitter(call *chain.Call, em models.Emitter) {
	i.mu.Lock()
	prev, had := i.emitters[em.ID]
	i.emitters[em.ID] = cloneEmitter(em)
	i.mu.Unlock()
	call.OnRevert(func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		if had {
			i.emitters[em.ID] = prev
			return
		}
		delete(i.emitters, em.ID)
	})
}

func cloneEmitter(em models.Emitter) models.Emitter {
	if em.Fee != nil {
		em.Fee = em.Fee.Clone()
	} else {
		em.Fee = new(uint256.Int)
	}
	return em
}
