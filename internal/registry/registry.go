// Package registry holds the per-chain store of schemas and Single
// Identifiers. Schemas enter through an operator-signed registration; SIDs
// are only ever mutated by the configured router.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/eip712"
	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/pkg/models"
)

const (
	DomainName    = "Rubyscore_Single_Identifier_Registry"
	DomainVersion = "0.0.1"
)

var ErrStoreRequired = errors.New("registry: store is required")

// Store is the persistence port of the registry. Implementations must be
// safe for concurrent readers; writes are serialized by the owning chain.
type Store interface {
	Schema(ctx context.Context, id common.Hash) (models.Schema, bool, error)
	SchemaIDOf(ctx context.Context, emitter common.Address) (common.Hash, bool, error)
	PutSchema(ctx context.Context, schema models.Schema) error
	DeleteSchema(ctx context.Context, id common.Hash) error
	BindEmitter(ctx context.Context, emitter common.Address, schemaID common.Hash) error
	UnbindEmitter(ctx context.Context, emitter common.Address) error
	SID(ctx context.Context, id common.Hash) (models.SID, bool, error)
	PutSID(ctx context.Context, sid models.SID) error
	DeleteSID(ctx context.Context, id common.Hash) error
	Counters(ctx context.Context) (models.RegistryCounters, error)
	PutCounters(ctx context.Context, counters models.RegistryCounters) error
}

type Config struct {
	Address  common.Address
	ChainID  uint64
	Admin    common.Address
	Operator common.Address
	Store    Store
	Logger   *slog.Logger
}

type Registry struct {
	mu       sync.RWMutex
	address  common.Address
	admin    common.Address
	operator common.Address
	router   common.Address

	store    Store
	verifier *eip712.Verifier
	logger   *slog.Logger
}

func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		address:  cfg.Address,
		admin:    cfg.Admin,
		operator: cfg.Operator,
		store:    cfg.Store,
		verifier: eip712.NewVerifier(eip712.Domain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainID:           cfg.ChainID,
			VerifyingContract: cfg.Address,
		}),
		logger: logger.With("component", "registry", "registry", cfg.Address.Hex()),
	}, nil
}

func (r *Registry) Address() common.Address {
	return r.address
}

// Domain is the separator operators sign schema registrations under.
func (r *Registry) Domain() eip712.Domain {
	return r.verifier.Domain()
}

func (r *Registry) Router() common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.router
}

// SetRouter is admin-only and may be called again to rewire the registry.
func (r *Registry) SetRouter(call *chain.Call, router common.Address) error {
	if call.Sender != r.admin {
		return fmt.Errorf("%w: set router by %s", protocol.ErrUnauthorized, call.Sender.Hex())
	}
	r.mu.Lock()
	prev := r.router
	r.router = router
	r.mu.Unlock()
	call.OnRevert(func() {
		r.mu.Lock()
		r.router = prev
		r.mu.Unlock()
	})
	call.Emit("RouterSet", "router", router.Hex())
	return nil
}

// RegisterSchema stores params as a new schema once the operator signature
// checks out. Registering identical params again from the same emitter is a
// no-op returning the existing id.
func (r *Registry) RegisterSchema(call *chain.Call, params SchemaParams, signature []byte) (common.Hash, error) {
	if err := r.verifier.Verify(params, signature, r.operator); err != nil {
		return common.Hash{}, err
	}
	ctx := call.Context()
	id := params.ID()

	existing, ok, err := r.store.Schema(ctx, id)
	if err != nil {
		return common.Hash{}, err
	}
	if ok {
		if existing.Emitter != params.Emitter {
			return common.Hash{}, fmt.Errorf("%w: schema %s belongs to %s", protocol.ErrSchemaConflict, id.Hex(), existing.Emitter.Hex())
		}
		return id, nil
	}
	owned, ok, err := r.store.SchemaIDOf(ctx, params.Emitter)
	if err != nil {
		return common.Hash{}, err
	}
	if ok && owned != id {
		return common.Hash{}, fmt.Errorf("%w: emitter %s already owns schema %s", protocol.ErrSchemaConflict, params.Emitter.Hex(), owned.Hex())
	}

	if err := r.journalSchema(call, id); err != nil {
		return common.Hash{}, err
	}
	if err := r.journalEmitter(call, params.Emitter); err != nil {
		return common.Hash{}, err
	}
	counters, err := r.journalCounters(call)
	if err != nil {
		return common.Hash{}, err
	}
	schema := models.Schema{
		ID:               id,
		Name:             params.Name,
		Description:      params.Description,
		SchemaDefinition: params.Schema,
		Emitter:          params.Emitter,
	}
	if err := r.store.PutSchema(ctx, schema); err != nil {
		return common.Hash{}, err
	}
	if err := r.store.BindEmitter(ctx, params.Emitter, id); err != nil {
		return common.Hash{}, err
	}
	counters.Emitters++
	if err := r.store.PutCounters(ctx, counters); err != nil {
		return common.Hash{}, err
	}
	call.Emit("SchemaRegistered", "schema_id", id.Hex(), "emitter", params.Emitter.Hex(), "name", params.Name)
	return id, nil
}

// UpdateSchemaEmitter hands a schema to a new emitter; the schema id is kept.
func (r *Registry) UpdateSchemaEmitter(call *chain.Call, schemaID common.Hash, newEmitter common.Address) error {
	if call.Sender != r.operator {
		return fmt.Errorf("%w: update schema emitter by %s", protocol.ErrUnauthorized, call.Sender.Hex())
	}
	ctx := call.Context()
	schema, ok, err := r.store.Schema(ctx, schemaID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: schema %s", protocol.ErrNotFound, schemaID.Hex())
	}
	if schema.Emitter == newEmitter {
		return nil
	}
	owned, ok, err := r.store.SchemaIDOf(ctx, newEmitter)
	if err != nil {
		return err
	}
	if ok && owned != schemaID {
		return fmt.Errorf("%w: emitter %s already owns schema %s", protocol.ErrSchemaConflict, newEmitter.Hex(), owned.Hex())
	}

	prevEmitter := schema.Emitter
	for _, journal := range []func() error{
		func() error { return r.journalSchema(call, schemaID) },
		func() error { return r.journalEmitter(call, prevEmitter) },
		func() error { return r.journalEmitter(call, newEmitter) },
	} {
		if err := journal(); err != nil {
			return err
		}
	}
	schema.Emitter = newEmitter
	if err := r.store.PutSchema(ctx, schema); err != nil {
		return err
	}
	if err := r.store.UnbindEmitter(ctx, prevEmitter); err != nil {
		return err
	}
	if err := r.store.BindEmitter(ctx, newEmitter, schemaID); err != nil {
		return err
	}
	call.Emit("SchemaEmitterUpdated", "schema_id", schemaID.Hex(), "previous", prevEmitter.Hex(), "emitter", newEmitter.Hex())
	return nil
}

// CreateSID registers a fresh identifier for owner under schemaID. A SID that
// already exists is never overwritten: active ones fail ErrAlreadyExists,
// revoked ones ErrAlreadyRevoked.
func (r *Registry) CreateSID(call *chain.Call, schemaID common.Hash, owner common.Address, expirationDate uint64, data []byte, metadata string) (common.Hash, error) {
	if err := r.requireRouter(call); err != nil {
		return common.Hash{}, err
	}
	ctx := call.Context()
	if _, ok, err := r.store.Schema(ctx, schemaID); err != nil {
		return common.Hash{}, err
	} else if !ok {
		return common.Hash{}, fmt.Errorf("%w: schema %s", protocol.ErrNotFound, schemaID.Hex())
	}

	id := protocol.SIDID(schemaID, owner)
	existing, _, err := r.store.SID(ctx, id)
	if err != nil {
		return common.Hash{}, err
	}
	switch existing.State() {
	case models.SIDActive:
		return common.Hash{}, fmt.Errorf("%w: sid %s", protocol.ErrAlreadyExists, id.Hex())
	case models.SIDRevoked:
		return common.Hash{}, fmt.Errorf("%w: sid %s", protocol.ErrAlreadyRevoked, id.Hex())
	}

	if err := r.journalSID(call, id); err != nil {
		return common.Hash{}, err
	}
	counters, err := r.journalCounters(call)
	if err != nil {
		return common.Hash{}, err
	}
	counters.SIDs++
	sid := models.SID{
		ID:             id,
		SchemaID:       schemaID,
		ExpirationDate: expirationDate,
		Reserved:       counters.SIDs,
		Owner:          owner,
		Data:           append([]byte(nil), data...),
		Metadata:       metadata,
	}
	if err := r.store.PutSID(ctx, sid); err != nil {
		return common.Hash{}, err
	}
	if err := r.store.PutCounters(ctx, counters); err != nil {
		return common.Hash{}, err
	}
	call.Emit("SIDCreated", "sid_id", id.Hex(), "schema_id", schemaID.Hex(), "owner", owner.Hex(), "expiration_date", expirationDate)
	return id, nil
}

// UpdateSID refreshes expiration, data and metadata of an active SID.
func (r *Registry) UpdateSID(call *chain.Call, schemaID, sidID common.Hash, expirationDate uint64, data []byte, metadata string) error {
	if err := r.requireRouter(call); err != nil {
		return err
	}
	sid, err := r.activeSID(call.Context(), schemaID, sidID)
	if err != nil {
		return err
	}
	if err := r.journalSID(call, sidID); err != nil {
		return err
	}
	sid.ExpirationDate = expirationDate
	sid.Data = append([]byte(nil), data...)
	sid.Metadata = metadata
	if err := r.store.PutSID(call.Context(), sid); err != nil {
		return err
	}
	call.Emit("SIDUpdated", "sid_id", sidID.Hex(), "schema_id", schemaID.Hex(), "expiration_date", expirationDate)
	return nil
}

// RevokeSID marks an active SID revoked. Revocation is terminal.
func (r *Registry) RevokeSID(call *chain.Call, schemaID, sidID common.Hash) error {
	if err := r.requireRouter(call); err != nil {
		return err
	}
	sid, err := r.activeSID(call.Context(), schemaID, sidID)
	if err != nil {
		return err
	}
	if err := r.journalSID(call, sidID); err != nil {
		return err
	}
	sid.Revoked = true
	if err := r.store.PutSID(call.Context(), sid); err != nil {
		return err
	}
	call.Emit("SIDRevoked", "sid_id", sidID.Hex(), "schema_id", schemaID.Hex())
	return nil
}

func (r *Registry) Schema(ctx context.Context, id common.Hash) (models.Schema, error) {
	schema, ok, err := r.store.Schema(ctx, id)
	if err != nil {
		return models.Schema{}, err
	}
	if !ok {
		return models.Schema{}, fmt.Errorf("%w: schema %s", protocol.ErrNotFound, id.Hex())
	}
	return schema, nil
}

func (r *Registry) SchemaIDOf(ctx context.Context, emitter common.Address) (common.Hash, error) {
	id, ok, err := r.store.SchemaIDOf(ctx, emitter)
	if err != nil {
		return common.Hash{}, err
	}
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: emitter %s has no schema", protocol.ErrNotFound, emitter.Hex())
	}
	return id, nil
}

func (r *Registry) SID(ctx context.Context, id common.Hash) (models.SID, error) {
	sid, ok, err := r.store.SID(ctx, id)
	if err != nil {
		return models.SID{}, err
	}
	if !ok {
		return models.SID{}, fmt.Errorf("%w: sid %s", protocol.ErrNotFound, id.Hex())
	}
	return sid, nil
}

func (r *Registry) SIDState(ctx context.Context, id common.Hash) (models.SIDState, error) {
	sid, _, err := r.store.SID(ctx, id)
	if err != nil {
		return models.SIDNonExistent, err
	}
	return sid.State(), nil
}

func (r *Registry) Counters(ctx context.Context) (models.RegistryCounters, error) {
	return r.store.Counters(ctx)
}

func (r *Registry) requireRouter(call *chain.Call) error {
	router := r.Router()
	if router == (common.Address{}) || call.Sender != router {
		return fmt.Errorf("%w: registry mutation by %s", protocol.ErrUnauthorized, call.Sender.Hex())
	}
	return nil
}

func (r *Registry) activeSID(ctx context.Context, schemaID, sidID common.Hash) (models.SID, error) {
	sid, _, err := r.store.SID(ctx, sidID)
	if err != nil {
		return models.SID{}, err
	}
	switch sid.State() {
	case models.SIDNonExistent:
		return models.SID{}, fmt.Errorf("%w: sid %s", protocol.ErrNotFound, sidID.Hex())
	case models.SIDRevoked:
		return models.SID{}, fmt.Errorf("%w: sid %s", protocol.ErrAlreadyRevoked, sidID.Hex())
	}
	if sid.SchemaID != schemaID {
		return models.SID{}, fmt.Errorf("%w: sid %s is not under schema %s", protocol.ErrNotFound, sidID.Hex(), schemaID.Hex())
	}
	return sid, nil
}
