package router

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
	"singleid/go-backend/internal/registry"
	"singleid/go-backend/internal/storage"
	"singleid/go-backend/pkg/models"
)

const (
	localChain  = 10
	remoteChain = 20
)

var (
	deployer = common.HexToAddress("0x00000000000000000000000000000000000d0001")
	user     = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	emitter  = common.HexToAddress("0x0000000000000000000000000000000000000e01")
)

type stubConnector struct {
	addr common.Address
	pid  models.ProtocolID
	sent [][]byte
	fail error
}

func (s *stubConnector) Address() common.Address { return s.addr }

func (s *stubConnector) ProtocolID() models.ProtocolID { return s.pid }

func (s *stubConnector) Quote(uint64, []byte) (*uint256.Int, error) { return uint256.NewInt(7), nil }

func (s *stubConnector) Send(call *chain.Call, _ uint64, payload []byte) (models.MessageID, error) {
	if s.fail != nil {
		return models.MessageID{}, s.fail
	}
	s.sent = append(s.sent, payload)
	return crypto.Keccak256Hash(payload), nil
}

type fixture struct {
	chain     *chain.Chain
	router    *Router
	registry  *registry.Registry
	operator  *eip712.Signer
	connector *stubConnector
	remote    models.Bytes32
	schemaID  common.Hash
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	operator, _ := eip712.NewSigner(key)
	c := chain.New(localChain, "local", nil)
	reg, err := registry.New(registry.Config{
		Address:  c.DeployAddress(deployer),
		ChainID:  localChain,
		Admin:    deployer,
		Operator: operator.Address(),
		Store:    storage.NewRegistryStore(),
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	r := New(Config{Address: c.DeployAddress(deployer), Operator: operator.Address(), Registry: reg})
	f := &fixture{
		chain:     c,
		router:    r,
		registry:  reg,
		operator:  operator,
		connector: &stubConnector{addr: c.DeployAddress(deployer), pid: models.ProtocolLayerZero},
		remote:    models.AddressToBytes32(common.HexToAddress("0x00000000000000000000000000000000000bee02")),
	}

	f.must(t, deployer, reg.Address(), func(call *chain.Call) error { return reg.SetRouter(call, r.Address()) })
	f.must(t, operator.Address(), r.Address(), func(call *chain.Call) error {
		return r.SetConnectors(call, []models.ProtocolID{models.ProtocolLayerZero}, []Connector{f.connector})
	})
	f.must(t, operator.Address(), r.Address(), func(call *chain.Call) error {
		return r.SetPeers(call, models.ProtocolLayerZero, []uint64{remoteChain}, []models.Bytes32{f.remote})
	})

	params := registry.SchemaParams{Name: "kyc", Description: "d", Schema: "bool ok", Emitter: emitter}
	sig, err := operator.Sign(reg.Domain(), params)
	if err != nil {
		t.Fatalf("sign schema: %v", err)
	}
	f.must(t, emitter, reg.Address(), func(call *chain.Call) error {
		id, err := reg.RegisterSchema(call, params, sig)
		f.schemaID = id
		return err
	})
	return f
}

func (f *fixture) must(t *testing.T, from, to common.Address, fn func(*chain.Call) error) {
	t.Helper()
	if _, err := f.chain.Transact(context.Background(), from, to, nil, fn); err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

func (f *fixture) deliver(from common.Address, pid models.ProtocolID, src uint64, peer models.Bytes32, payload []byte) error {
	_, err := f.chain.Transact(context.Background(), from, f.router.Address(), nil, func(call *chain.Call) error {
		return f.router.Deliver(call, pid, src, peer, payload)
	})
	return err
}

func createPayload(t *testing.T, schemaID common.Hash) []byte {
	t.Helper()
	raw, err := protocol.EncodePayload(protocol.NewCreatePayload(schemaID, user, 1732861209, []byte("custom data"), "https://test.com"))
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return raw
}

func TestDispatchRejectsUnknownProtocolAndPeer(t *testing.T) {
	f := newFixture(t)
	payload := createPayload(t, f.schemaID)
	dispatch := func(pid models.ProtocolID, dst uint64) error {
		_, err := f.chain.Transact(context.Background(), user, f.router.Address(), nil, func(call *chain.Call) error {
			_, err := f.router.Dispatch(call, pid, dst, payload)
			return err
		})
		return err
	}
	if err := dispatch(models.ProtocolHyperlane, remoteChain); !errors.Is(err, protocol.ErrUnknownProtocol) {
		t.Fatalf("expected ErrUnknownProtocol, got %v", err)
	}
	if err := dispatch(models.ProtocolLayerZero, 99); !errors.Is(err, protocol.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	if len(f.connector.sent) != 0 {
		t.Fatalf("connector must not see rejected dispatches")
	}
}

func TestDispatchForwardsPayloadAndValue(t *testing.T) {
	f := newFixture(t)
	if err := f.chain.Mint(user, uint256.NewInt(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	payload := createPayload(t, f.schemaID)
	var id models.MessageID
	_, err := f.chain.Transact(context.Background(), user, f.router.Address(), uint256.NewInt(300), func(call *chain.Call) error {
		var err error
		id, err = f.router.Dispatch(call, models.ProtocolLayerZero, remoteChain, payload)
		return err
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if id != crypto.Keccak256Hash(payload) || len(f.connector.sent) != 1 {
		t.Fatalf("connector did not receive the payload")
	}
	if got := f.chain.BalanceOf(f.connector.Address()).Uint64(); got != 300 {
		t.Fatalf("expected stipend 300 at connector, got %d", got)
	}
	if !f.chain.BalanceOf(f.router.Address()).IsZero() {
		t.Fatalf("router must not retain value")
	}
}

func TestDispatchRevertsValueWhenConnectorFails(t *testing.T) {
	f := newFixture(t)
	_ = f.chain.Mint(user, uint256.NewInt(1000))
	f.connector.fail = protocol.ErrUnsupportedChain
	_, err := f.chain.Transact(context.Background(), user, f.router.Address(), uint256.NewInt(300), func(call *chain.Call) error {
		_, err := f.router.Dispatch(call, models.ProtocolLayerZero, remoteChain, createPayload(t, f.schemaID))
		return err
	})
	if !errors.Is(err, protocol.ErrUnsupportedChain) {
		t.Fatalf("expected ErrUnsupportedChain, got %v", err)
	}
	if f.chain.BalanceOf(user).Uint64() != 1000 {
		t.Fatalf("payment was not refunded by revert")
	}
}

func TestDeliverAuthorization(t *testing.T) {
	f := newFixture(t)
	payload := createPayload(t, f.schemaID)

	if err := f.deliver(user, models.ProtocolLayerZero, remoteChain, f.remote, payload); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign caller, got %v", err)
	}
	if err := f.deliver(f.connector.Address(), models.ProtocolHyperlane, remoteChain, f.remote, payload); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for unbound protocol, got %v", err)
	}
	spoofed := models.AddressToBytes32(user)
	if err := f.deliver(f.connector.Address(), models.ProtocolLayerZero, remoteChain, spoofed, payload); !errors.Is(err, protocol.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer for spoofed peer, got %v", err)
	}
	if err := f.deliver(f.connector.Address(), models.ProtocolLayerZero, 99, f.remote, payload); !errors.Is(err, protocol.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer for unknown chain, got %v", err)
	}
	if err := f.deliver(f.connector.Address(), models.ProtocolLayerZero, remoteChain, f.remote, []byte{1, 2, 3}); !errors.Is(err, protocol.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestDeliverAppliesPayloadToRegistry(t *testing.T) {
	f := newFixture(t)
	if err := f.deliver(f.connector.Address(), models.ProtocolLayerZero, remoteChain, f.remote, createPayload(t, f.schemaID)); err != nil {
		t.Fatalf("deliver create: %v", err)
	}
	sidID := protocol.SIDID(f.schemaID, user)
	ctx := context.Background()
	sid, err := f.registry.SID(ctx, sidID)
	if err != nil {
		t.Fatalf("sid: %v", err)
	}
	if sid.Owner != user || sid.SchemaID != f.schemaID || sid.Revoked {
		t.Fatalf("unexpected sid: %+v", sid)
	}

	revoke, _ := protocol.EncodePayload(protocol.NewRevokePayload(f.schemaID, sidID))
	if err := f.deliver(f.connector.Address(), models.ProtocolLayerZero, remoteChain, f.remote, revoke); err != nil {
		t.Fatalf("deliver revoke: %v", err)
	}
	if state, _ := f.registry.SIDState(ctx, sidID); state != models.SIDRevoked {
		t.Fatalf("expected revoked, got %s", state)
	}
}

func TestAdminOperations(t *testing.T) {
	f := newFixture(t)
	tx := func(from common.Address, fn func(*chain.Call) error) error {
		_, err := f.chain.Transact(context.Background(), from, f.router.Address(), nil, fn)
		return err
	}
	op := f.operator.Address()

	if err := tx(user, func(call *chain.Call) error {
		return f.router.SetPeers(call, models.ProtocolLayerZero, []uint64{1}, []models.Bytes32{{}})
	}); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := tx(op, func(call *chain.Call) error {
		return f.router.SetPeers(call, models.ProtocolLayerZero, []uint64{1, 2}, []models.Bytes32{{}})
	}); !errors.Is(err, protocol.ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch for peers, got %v", err)
	}
	if err := tx(op, func(call *chain.Call) error {
		return f.router.SetConnectors(call, []models.ProtocolID{models.ProtocolSameChain}, nil)
	}); !errors.Is(err, protocol.ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch for connectors, got %v", err)
	}
	if err := tx(op, func(call *chain.Call) error {
		return f.router.SetConnectors(call, []models.ProtocolID{models.ProtocolSameChain}, []Connector{f.connector})
	}); !errors.Is(err, protocol.ErrUnknownProtocol) {
		t.Fatalf("expected ErrUnknownProtocol for mismatched connector, got %v", err)
	}

	boom := errors.New("later step failed")
	newPeer := models.AddressToBytes32(common.HexToAddress("0x0000000000000000000000000000000000000777"))
	if err := tx(op, func(call *chain.Call) error {
		if err := f.router.SetPeers(call, models.ProtocolLayerZero, []uint64{remoteChain}, []models.Bytes32{newPeer}); err != nil {
			return err
		}
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if peer, _ := f.router.Peer(models.ProtocolLayerZero, remoteChain); peer != f.remote {
		t.Fatalf("reverted SetPeers left peer %s", peer.Hex())
	}
}
