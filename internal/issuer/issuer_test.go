package issuer

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/eip712"
	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/pkg/models"
)

const (
	localChain    = 31337
	registryChain = 2
	protocolFee   = 50000
	emitterFee    = 100000
	expiration    = 1732861209
)

var (
	admin     = common.HexToAddress("0x00000000000000000000000000000000000ad000")
	emitter   = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	user      = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	stranger  = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	treasury  = common.HexToAddress("0x000000000000000000000000000000000000f00d")
	routerAdr = common.HexToAddress("0x0000000000000000000000000000000000000123")
	schemaID  = crypto.Keccak256Hash([]byte("schema"))
)

type dispatched struct {
	protocolID models.ProtocolID
	dstChainID uint64
	payload    protocol.Payload
	stipend    *uint256.Int
	sender     common.Address
}

type fakeRouter struct {
	fail error
	sent []dispatched
}

func (r *fakeRouter) Address() common.Address { return routerAdr }

func (r *fakeRouter) Quote(models.ProtocolID, uint64, []byte) (*uint256.Int, error) {
	return uint256.NewInt(601000), nil
}

func (r *fakeRouter) Dispatch(call *chain.Call, protocolID models.ProtocolID, dstChainID uint64, raw []byte) (models.MessageID, error) {
	if r.fail != nil {
		return models.MessageID{}, r.fail
	}
	p, err := protocol.DecodePayload(raw)
	if err != nil {
		return models.MessageID{}, err
	}
	r.sent = append(r.sent, dispatched{
		protocolID: protocolID,
		dstChainID: dstChainID,
		payload:    p,
		stipend:    call.Value.Clone(),
		sender:     call.Sender,
	})
	return crypto.Keccak256Hash(raw), nil
}

type fixture struct {
	chain    *chain.Chain
	issuer   *Issuer
	router   *fakeRouter
	operator *eip712.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	operator, err := eip712.NewSigner(key)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	c := chain.New(localChain, "local", nil)
	router := &fakeRouter{}
	iss := New(Config{
		Address:     c.DeployAddress(admin),
		Admin:       admin,
		Operator:    operator.Address(),
		Router:      router,
		ProtocolFee: uint256.NewInt(protocolFee),
	})
	for _, addr := range []common.Address{user, emitter, stranger} {
		if err := c.Mint(addr, uint256.NewInt(10_000_000)); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}
	return &fixture{chain: c, issuer: iss, router: router, operator: operator}
}

func (f *fixture) exec(from common.Address, value uint64, fn func(*chain.Call) error) error {
	_, err := f.chain.Transact(context.Background(), from, f.issuer.Address(), uint256.NewInt(value), fn)
	return err
}

func (f *fixture) sign(t *testing.T, s eip712.Struct) []byte {
	t.Helper()
	sig, err := f.operator.Sign(Domain, s)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func withEmitterRequest() RegisterWithEmitterRequest {
	return RegisterWithEmitterRequest{
		SchemaID:       schemaID,
		ProtocolID:     models.ProtocolLayerZero,
		ExpirationDate: expiration,
		EmitterFee:     uint256.NewInt(emitterFee),
		DstChainID:     registryChain,
		EmitterAddress: emitter,
		Data:           []byte("custom data"),
		Metadata:       "https://test.com",
	}
}

func (f *fixture) registerWithEmitter(t *testing.T, from common.Address, value uint64, req RegisterWithEmitterRequest, sig []byte) error {
	t.Helper()
	return f.exec(from, value, func(call *chain.Call) error {
		_, err := f.issuer.RegisterSIDWithEmitter(call, req, sig)
		return err
	})
}

func (f *fixture) mustRegister(t *testing.T) common.Hash {
	t.Helper()
	req := withEmitterRequest()
	if err := f.registerWithEmitter(t, user, 1_000_000, req, f.sign(t, req.Params(user))); err != nil {
		t.Fatalf("register with emitter: %v", err)
	}
	return req.EmitterID()
}

func TestRegisterSIDWithEmitterSplitsPayment(t *testing.T) {
	f := newFixture(t)
	emitterID := f.mustRegister(t)

	if emitterID != protocol.EmitterID(schemaID, registryChain) {
		t.Fatalf("unexpected emitter id %s", emitterID.Hex())
	}
	if got := f.issuer.EmitterBalance(emitterID); got.Uint64() != emitterFee {
		t.Fatalf("emitter balance = %s", got.Dec())
	}
	if got := f.issuer.ProtocolBalance(); got.Uint64() != protocolFee {
		t.Fatalf("protocol balance = %s", got.Dec())
	}
	if got := f.chain.BalanceOf(f.issuer.Address()); got.Uint64() != emitterFee+protocolFee {
		t.Fatalf("issuer holds %s", got.Dec())
	}
	if got := f.chain.BalanceOf(routerAdr); got.Uint64() != 1_000_000-emitterFee-protocolFee {
		t.Fatalf("router stipend = %s", got.Dec())
	}

	if len(f.router.sent) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(f.router.sent))
	}
	d := f.router.sent[0]
	if d.protocolID != models.ProtocolLayerZero || d.dstChainID != registryChain || d.sender != f.issuer.Address() {
		t.Fatalf("unexpected dispatch: %+v", d)
	}
	if d.payload.Tag != protocol.TagCreateSID || d.payload.SchemaID != schemaID || d.payload.Owner() != user {
		t.Fatalf("unexpected payload: %+v", d.payload)
	}
	if d.payload.ExpirationDate != expiration || string(d.payload.Data) != "custom data" || d.payload.Metadata != "https://test.com" {
		t.Fatalf("unexpected payload fields: %+v", d.payload)
	}

	em, err := f.issuer.Emitter(emitterID)
	if err != nil {
		t.Fatalf("emitter: %v", err)
	}
	if em.Address != emitter || em.SchemaID != schemaID || em.RegistryChainID != registryChain || em.Fee.Uint64() != emitterFee {
		t.Fatalf("unexpected emitter record: %+v", em)
	}
}

func TestRegisterRejectsUnderpayment(t *testing.T) {
	f := newFixture(t)
	req := withEmitterRequest()
	err := f.registerWithEmitter(t, user, emitterFee+protocolFee-1, req, f.sign(t, req.Params(user)))
	if !errors.Is(err, protocol.ErrInsufficientPayment) {
		t.Fatalf("expected insufficient payment, got %v", err)
	}
	if !f.issuer.ProtocolBalance().IsZero() || !f.issuer.EmitterBalance(req.EmitterID()).IsZero() {
		t.Fatalf("balances must be untouched")
	}
	if _, err := f.issuer.Emitter(req.EmitterID()); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("emitter record must not survive revert, got %v", err)
	}
	if got := f.chain.BalanceOf(user); got.Uint64() != 10_000_000 {
		t.Fatalf("user balance = %s", got.Dec())
	}
}

func TestExactFeesLeaveZeroStipend(t *testing.T) {
	f := newFixture(t)
	req := withEmitterRequest()
	if err := f.registerWithEmitter(t, user, emitterFee+protocolFee, req, f.sign(t, req.Params(user))); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !f.router.sent[0].stipend.IsZero() {
		t.Fatalf("expected zero stipend, got %s", f.router.sent[0].stipend.Dec())
	}
}

func TestSignatureBindsDestinationUserAndOperator(t *testing.T) {
	f := newFixture(t)
	req := withEmitterRequest()
	sig := f.sign(t, req.Params(user))

	replayed := req
	replayed.DstChainID = registryChain + 1
	if err := f.registerWithEmitter(t, user, 1_000_000, replayed, sig); !errors.Is(err, protocol.ErrInvalidSignature) {
		t.Fatalf("replay on another chain: expected invalid signature, got %v", err)
	}

	if err := f.registerWithEmitter(t, stranger, 1_000_000, req, sig); !errors.Is(err, protocol.ErrInvalidSignature) {
		t.Fatalf("foreign submitter: expected invalid signature, got %v", err)
	}

	cheaper := req
	cheaper.EmitterFee = uint256.NewInt(1)
	if err := f.registerWithEmitter(t, user, 1_000_000, cheaper, sig); !errors.Is(err, protocol.ErrInvalidSignature) {
		t.Fatalf("altered fee: expected invalid signature, got %v", err)
	}

	key, _ := crypto.GenerateKey()
	rogue, _ := eip712.NewSigner(key)
	rogueSig, err := rogue.Sign(Domain, req.Params(user))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := f.registerWithEmitter(t, user, 1_000_000, req, rogueSig); !errors.Is(err, protocol.ErrInvalidSignature) {
		t.Fatalf("non-operator signer: expected invalid signature, got %v", err)
	}

	switched := req
	switched.ProtocolID = models.ProtocolHyperlane
	if err := f.registerWithEmitter(t, user, 1_000_000, switched, sig); err != nil {
		t.Fatalf("protocol id is not signed, transport switch must pass: %v", err)
	}
	if len(f.router.sent) != 1 || f.router.sent[0].protocolID != models.ProtocolHyperlane {
		t.Fatalf("unexpected dispatches: %+v", f.router.sent)
	}
}

func TestDispatchFailureRevertsAccounting(t *testing.T) {
	f := newFixture(t)
	f.router.fail = protocol.ErrUnknownPeer
	req := withEmitterRequest()
	err := f.registerWithEmitter(t, user, 1_000_000, req, f.sign(t, req.Params(user)))
	if !errors.Is(err, protocol.ErrUnknownPeer) {
		t.Fatalf("expected unknown peer, got %v", err)
	}
	if !f.issuer.ProtocolBalance().IsZero() || !f.issuer.EmitterBalance(req.EmitterID()).IsZero() {
		t.Fatalf("balances must be untouched")
	}
	if !f.chain.BalanceOf(f.issuer.Address()).IsZero() {
		t.Fatalf("issuer must not keep the payment")
	}
}

func TestEmitterRecordCannotBeRebound(t *testing.T) {
	f := newFixture(t)
	f.mustRegister(t)
	req := withEmitterRequest()
	req.EmitterAddress = stranger
	err := f.registerWithEmitter(t, user, 1_000_000, req, f.sign(t, req.Params(user)))
	if !errors.Is(err, protocol.ErrSchemaConflict) {
		t.Fatalf("expected schema conflict, got %v", err)
	}
}

func TestRegisterSIDUsesEmitterRecord(t *testing.T) {
	f := newFixture(t)
	emitterID := f.mustRegister(t)

	req := RegisterRequest{
		EmitterID:  emitterID,
		ProtocolID: models.ProtocolSameChain,
		Data:       []byte("second"),
		Metadata:   "ipfs://second",
	}
	err := f.exec(stranger, 500_000, func(call *chain.Call) error {
		_, err := f.issuer.RegisterSID(call, req, f.sign(t, req.Params(stranger)))
		return err
	})
	if err != nil {
		t.Fatalf("register sid: %v", err)
	}
	if got := f.issuer.EmitterBalance(emitterID); got.Uint64() != 2*emitterFee {
		t.Fatalf("emitter balance = %s", got.Dec())
	}
	if got := f.issuer.ProtocolBalance(); got.Uint64() != 2*protocolFee {
		t.Fatalf("protocol balance = %s", got.Dec())
	}
	d := f.router.sent[1]
	if d.dstChainID != registryChain || d.payload.Owner() != stranger || d.payload.ExpirationDate != expiration {
		t.Fatalf("unexpected dispatch: %+v", d)
	}

	missing := req
	missing.EmitterID = common.HexToHash("0x01")
	err = f.exec(stranger, 500_000, func(call *chain.Call) error {
		_, err := f.issuer.RegisterSID(call, missing, f.sign(t, missing.Params(stranger)))
		return err
	})
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateSIDRequiresOwnership(t *testing.T) {
	f := newFixture(t)
	emitterID := f.mustRegister(t)
	req := UpdateRequest{
		EmitterID:      emitterID,
		ProtocolID:     models.ProtocolLayerZero,
		SIDID:          protocol.SIDID(schemaID, user),
		ExpirationDate: expiration + 1,
		Data:           []byte("updated"),
		Metadata:       "https://test.com/v2",
	}
	err := f.exec(user, 1_000_000, func(call *chain.Call) error {
		_, err := f.issuer.UpdateSID(call, req, f.sign(t, req.Params(user)))
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	d := f.router.sent[1]
	if d.payload.Tag != protocol.TagUpdateSID || d.payload.SIDID() != req.SIDID || d.payload.ExpirationDate != expiration+1 {
		t.Fatalf("unexpected payload: %+v", d.payload)
	}

	err = f.exec(stranger, 1_000_000, func(call *chain.Call) error {
		_, err := f.issuer.UpdateSID(call, req, f.sign(t, req.Params(stranger)))
		return err
	})
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestRevokeSIDChargesNoFees(t *testing.T) {
	f := newFixture(t)
	emitterID := f.mustRegister(t)
	req := RevokeRequest{EmitterID: emitterID, ProtocolID: models.ProtocolLayerZero, SIDID: protocol.SIDID(schemaID, user)}

	err := f.exec(stranger, 1000, func(call *chain.Call) error {
		_, err := f.issuer.RevokeSID(call, req, f.sign(t, req.Params(stranger)))
		return err
	})
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	err = f.exec(emitter, 1000, func(call *chain.Call) error {
		_, err := f.issuer.RevokeSID(call, req, f.sign(t, req.Params(emitter)))
		return err
	})
	if err != nil {
		t.Fatalf("revoke by emitter: %v", err)
	}
	d := f.router.sent[1]
	if d.payload.Tag != protocol.TagRevoke || d.payload.SIDID() != req.SIDID || d.stipend.Uint64() != 1000 {
		t.Fatalf("unexpected revoke dispatch: %+v", d)
	}
	if got := f.issuer.ProtocolBalance(); got.Uint64() != protocolFee {
		t.Fatalf("revoke must not charge fees, protocol balance = %s", got.Dec())
	}
}

func TestWithdrawProtocolZeroesThenPays(t *testing.T) {
	f := newFixture(t)
	f.mustRegister(t)

	err := f.exec(stranger, 0, func(call *chain.Call) error {
		_, err := f.issuer.WithdrawProtocol(call, stranger)
		return err
	})
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	var paid *uint256.Int
	err = f.exec(admin, 0, func(call *chain.Call) error {
		var err error
		paid, err = f.issuer.WithdrawProtocol(call, treasury)
		return err
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if paid.Uint64() != protocolFee || f.chain.BalanceOf(treasury).Uint64() != protocolFee {
		t.Fatalf("treasury got %s, reported %s", f.chain.BalanceOf(treasury).Dec(), paid.Dec())
	}
	if !f.issuer.ProtocolBalance().IsZero() {
		t.Fatalf("protocol balance must be zero after withdrawal")
	}
	if got := f.chain.BalanceOf(f.issuer.Address()); got.Uint64() != emitterFee {
		t.Fatalf("issuer must still hold the emitter fee, holds %s", got.Dec())
	}
}

func TestProtocolAndEmitterBalancesAreSeparate(t *testing.T) {
	f := newFixture(t)
	var zero common.Hash
	if err := f.exec(admin, 0, func(call *chain.Call) error {
		f.issuer.creditEmitter(call, zero, uint256.NewInt(7))
		f.issuer.creditProtocol(call, uint256.NewInt(11))
		return nil
	}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if got := f.issuer.EmitterBalance(zero).Uint64(); got != 7 {
		t.Fatalf("an all-zero emitter id keeps its own balance, got %d", got)
	}
	if got := f.issuer.ProtocolBalance().Uint64(); got != 11 {
		t.Fatalf("protocol balance must only hold protocol fees, got %d", got)
	}

	boom := errors.New("revert")
	if err := f.exec(admin, 0, func(call *chain.Call) error {
		f.issuer.creditProtocol(call, uint256.NewInt(5))
		f.issuer.creditEmitter(call, zero, uint256.NewInt(5))
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected revert, got %v", err)
	}
	if f.issuer.ProtocolBalance().Uint64() != 11 || f.issuer.EmitterBalance(zero).Uint64() != 7 {
		t.Fatal("reverted credits must be rolled back")
	}
}

func TestWithdrawEmitterFollowsEmitterOfRecord(t *testing.T) {
	f := newFixture(t)
	emitterID := f.mustRegister(t)
	withdraw := func(from common.Address) (*uint256.Int, error) {
		var paid *uint256.Int
		err := f.exec(from, 0, func(call *chain.Call) error {
			var err error
			paid, err = f.issuer.WithdrawEmitter(call, emitterID, from)
			return err
		})
		return paid, err
	}

	if _, err := withdraw(stranger); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	err := f.exec(admin, 0, func(call *chain.Call) error {
		return f.issuer.UpdateEmitterAddress(call, emitterID, stranger)
	})
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("only the operator may rebind, got %v", err)
	}
	err = f.exec(f.operator.Address(), 0, func(call *chain.Call) error {
		return f.issuer.UpdateEmitterAddress(call, emitterID, stranger)
	})
	if err != nil {
		t.Fatalf("update emitter: %v", err)
	}
	if _, err := withdraw(emitter); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("previous emitter must lose access, got %v", err)
	}

	before := f.chain.BalanceOf(stranger).Uint64()
	paid, err := withdraw(stranger)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if paid.Uint64() != emitterFee || f.chain.BalanceOf(stranger).Uint64()-before != emitterFee {
		t.Fatalf("unexpected payout %s", paid.Dec())
	}
	if !f.issuer.EmitterBalance(emitterID).IsZero() {
		t.Fatalf("emitter balance must be zero after withdrawal")
	}

	paid, err = withdraw(stranger)
	if err != nil || !paid.IsZero() {
		t.Fatalf("second withdrawal must pay nothing, got %v %v", paid, err)
	}
}

func TestSetProtocolFee(t *testing.T) {
	f := newFixture(t)
	err := f.exec(stranger, 0, func(call *chain.Call) error {
		return f.issuer.SetProtocolFee(call, uint256.NewInt(1))
	})
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	err = f.exec(admin, 0, func(call *chain.Call) error {
		return f.issuer.SetProtocolFee(call, uint256.NewInt(70000))
	})
	if err != nil {
		t.Fatalf("set fee: %v", err)
	}
	req := withEmitterRequest()
	err = f.registerWithEmitter(t, user, emitterFee+protocolFee, req, f.sign(t, req.Params(user)))
	if !errors.Is(err, protocol.ErrInsufficientPayment) {
		t.Fatalf("raised fee must apply, got %v", err)
	}
	if err := f.registerWithEmitter(t, user, emitterFee+70000, req, f.sign(t, req.Params(user))); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := f.issuer.ProtocolBalance(); got.Uint64() != 70000 {
		t.Fatalf("protocol balance = %s", got.Dec())
	}
}

func TestQuoteAddsFeesToTransport(t *testing.T) {
	f := newFixture(t)
	got, err := f.issuer.Quote(models.ProtocolLayerZero, registryChain, uint256.NewInt(emitterFee), nil)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if got.Uint64() != 601000+emitterFee+protocolFee {
		t.Fatalf("quote = %s", got.Dec())
	}
}
