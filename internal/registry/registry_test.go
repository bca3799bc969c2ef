package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/eip712"
	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/internal/storage"
	"singleid/go-backend/pkg/models"
)

var (
	admin   = common.HexToAddress("0x00000000000000000000000000000000000ad000")
	router  = common.HexToAddress("0x0000000000000000000000000000000000000123")
	emitter = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	user    = common.HexToAddress("0x0000000000000000000000000000000000000a01")
)

type fixture struct {
	chain    *chain.Chain
	registry *Registry
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
	c := chain.New(31337, "local", nil)
	reg, err := New(Config{
		Address:  c.DeployAddress(admin),
		ChainID:  c.ID(),
		Admin:    admin,
		Operator: operator.Address(),
		Store:    storage.NewRegistryStore(),
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	f := &fixture{chain: c, registry: reg, operator: operator}
	if err := f.exec(admin, func(call *chain.Call) error { return reg.SetRouter(call, router) }); err != nil {
		t.Fatalf("set router: %v", err)
	}
	return f
}

func (f *fixture) exec(from common.Address, fn func(*chain.Call) error) error {
	_, err := f.chain.Transact(context.Background(), from, f.registry.Address(), nil, fn)
	return err
}

func (f *fixture) params() SchemaParams {
	return SchemaParams{
		Name:        "Test register emitter",
		Description: "Test description emitter",
		Schema:      "string metadata",
		Emitter:     emitter,
	}
}

func (f *fixture) register(t *testing.T, params SchemaParams) (common.Hash, error) {
	t.Helper()
	sig, err := f.operator.Sign(f.registry.Domain(), params)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var id common.Hash
	err = f.exec(params.Emitter, func(call *chain.Call) error {
		var err error
		id, err = f.registry.RegisterSchema(call, params, sig)
		return err
	})
	return id, err
}

func (f *fixture) mustSchema(t *testing.T) common.Hash {
	t.Helper()
	id, err := f.register(t, f.params())
	if err != nil {
		t.Fatalf("register schema: %v", err)
	}
	return id
}

func (f *fixture) create(schemaID common.Hash, owner common.Address) (common.Hash, error) {
	var id common.Hash
	err := f.exec(router, func(call *chain.Call) error {
		var err error
		id, err = f.registry.CreateSID(call, schemaID, owner, 1732861209, []byte("custom data"), "https://test.com")
		return err
	})
	return id, err
}

func TestRegisterSchemaStoresAndIndexes(t *testing.T) {
	f := newFixture(t)
	id := f.mustSchema(t)
	if id != f.params().ID() {
		t.Fatalf("unexpected schema id %s", id.Hex())
	}
	ctx := context.Background()
	schema, err := f.registry.Schema(ctx, id)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if schema.Emitter != emitter || schema.SchemaDefinition != "string metadata" {
		t.Fatalf("unexpected schema: %+v", schema)
	}
	owned, err := f.registry.SchemaIDOf(ctx, emitter)
	if err != nil || owned != id {
		t.Fatalf("schema id of emitter = %s, err %v", owned.Hex(), err)
	}
	counters, _ := f.registry.Counters(ctx)
	if counters.Emitters != 1 {
		t.Fatalf("expected emitter counter 1, got %d", counters.Emitters)
	}
}

func TestRegisterSchemaRejectsForeignSignature(t *testing.T) {
	f := newFixture(t)
	key, _ := crypto.GenerateKey()
	stranger, _ := eip712.NewSigner(key)
	sig, err := stranger.Sign(f.registry.Domain(), f.params())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	err = f.exec(emitter, func(call *chain.Call) error {
		_, err := f.registry.RegisterSchema(call, f.params(), sig)
		return err
	})
	if !errors.Is(err, protocol.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	// A signature over another registry's domain must not verify here either.
	other := f.registry.Domain()
	other.VerifyingContract = common.HexToAddress("0x01")
	sig, _ = f.operator.Sign(other, f.params())
	err = f.exec(emitter, func(call *chain.Call) error {
		_, err := f.registry.RegisterSchema(call, f.params(), sig)
		return err
	})
	if !errors.Is(err, protocol.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for foreign domain, got %v", err)
	}
}

func TestRegisterSchemaIdempotentAndConflicting(t *testing.T) {
	f := newFixture(t)
	id := f.mustSchema(t)

	again, err := f.register(t, f.params())
	if err != nil || again != id {
		t.Fatalf("identical re-registration should be a no-op, got %s %v", again.Hex(), err)
	}
	counters, _ := f.registry.Counters(context.Background())
	if counters.Emitters != 1 {
		t.Fatalf("no-op must not bump counter, got %d", counters.Emitters)
	}

	second := f.params()
	second.Name = "another"
	if _, err := f.register(t, second); !errors.Is(err, protocol.ErrSchemaConflict) {
		t.Fatalf("expected ErrSchemaConflict for second schema of one emitter, got %v", err)
	}
}

func TestUpdateSchemaEmitter(t *testing.T) {
	f := newFixture(t)
	id := f.mustSchema(t)
	next := common.HexToAddress("0x0000000000000000000000000000000000000e02")

	err := f.exec(emitter, func(call *chain.Call) error { return f.registry.UpdateSchemaEmitter(call, id, next) })
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	err = f.exec(f.operator.Address(), func(call *chain.Call) error {
		return f.registry.UpdateSchemaEmitter(call, common.HexToHash("0xdead"), next)
	})
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.exec(f.operator.Address(), func(call *chain.Call) error {
		return f.registry.UpdateSchemaEmitter(call, id, next)
	}); err != nil {
		t.Fatalf("update schema emitter: %v", err)
	}

	ctx := context.Background()
	schema, _ := f.registry.Schema(ctx, id)
	if schema.Emitter != next || schema.ID != id {
		t.Fatalf("unexpected schema after update: %+v", schema)
	}
	if _, err := f.registry.SchemaIDOf(ctx, emitter); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("previous emitter must lose its index, got %v", err)
	}
	if _, err := f.register(t, f.params()); !errors.Is(err, protocol.ErrSchemaConflict) {
		t.Fatalf("previous emitter re-registering must conflict, got %v", err)
	}
}

func TestSIDLifecycle(t *testing.T) {
	f := newFixture(t)
	schemaID := f.mustSchema(t)
	ctx := context.Background()

	if _, err := f.create(common.HexToHash("0xbeef"), user); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown schema, got %v", err)
	}

	id, err := f.create(schemaID, user)
	if err != nil {
		t.Fatalf("create sid: %v", err)
	}
	if id != protocol.SIDID(schemaID, user) {
		t.Fatalf("sid id is not derived from (schema, owner)")
	}
	sid, err := f.registry.SID(ctx, id)
	if err != nil {
		t.Fatalf("sid: %v", err)
	}
	if sid.Owner != user || sid.Revoked || sid.Reserved != 1 || sid.Metadata != "https://test.com" {
		t.Fatalf("unexpected sid: %+v", sid)
	}

	if _, err := f.create(schemaID, user); !errors.Is(err, protocol.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if err := f.exec(router, func(call *chain.Call) error {
		return f.registry.UpdateSID(call, schemaID, id, 42, []byte("next"), "meta")
	}); err != nil {
		t.Fatalf("update sid: %v", err)
	}
	sid, _ = f.registry.SID(ctx, id)
	if sid.ExpirationDate != 42 || string(sid.Data) != "next" || sid.Owner != user || sid.Revoked {
		t.Fatalf("unexpected sid after update: %+v", sid)
	}

	if err := f.exec(router, func(call *chain.Call) error { return f.registry.RevokeSID(call, schemaID, id) }); err != nil {
		t.Fatalf("revoke sid: %v", err)
	}
	if state, _ := f.registry.SIDState(ctx, id); state != models.SIDRevoked {
		t.Fatalf("expected revoked state, got %s", state)
	}
	if err := f.exec(router, func(call *chain.Call) error { return f.registry.RevokeSID(call, schemaID, id) }); !errors.Is(err, protocol.ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked on second revoke, got %v", err)
	}
	if err := f.exec(router, func(call *chain.Call) error {
		return f.registry.UpdateSID(call, schemaID, id, 1, nil, "")
	}); !errors.Is(err, protocol.ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked on update, got %v", err)
	}
	if _, err := f.create(schemaID, user); !errors.Is(err, protocol.ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked on re-create, got %v", err)
	}
}

func TestUpdateUnknownSIDFails(t *testing.T) {
	f := newFixture(t)
	schemaID := f.mustSchema(t)
	err := f.exec(router, func(call *chain.Call) error {
		return f.registry.UpdateSID(call, schemaID, protocol.SIDID(schemaID, user), 1, nil, "")
	})
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSIDMutationsRequireRouter(t *testing.T) {
	f := newFixture(t)
	schemaID := f.mustSchema(t)
	err := f.exec(user, func(call *chain.Call) error {
		_, err := f.registry.CreateSID(call, schemaID, user, 1, nil, "")
		return err
	})
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.exec(user, func(call *chain.Call) error { return f.registry.SetRouter(call, user) }); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for set router, got %v", err)
	}
}

func TestFailedTransactionLeavesRegistryUntouched(t *testing.T) {
	f := newFixture(t)
	schemaID := f.mustSchema(t)
	boom := errors.New("downstream failure")
	err := f.exec(router, func(call *chain.Call) error {
		if _, err := f.registry.CreateSID(call, schemaID, user, 1, nil, ""); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected downstream failure, got %v", err)
	}
	ctx := context.Background()
	if state, _ := f.registry.SIDState(ctx, protocol.SIDID(schemaID, user)); state != models.SIDNonExistent {
		t.Fatalf("reverted create left state %s", state)
	}
	if counters, _ := f.registry.Counters(ctx); counters.SIDs != 0 {
		t.Fatalf("reverted create left sid counter %d", counters.SIDs)
	}
	if _, err := f.create(schemaID, user); err != nil {
		t.Fatalf("create after revert: %v", err)
	}
}
