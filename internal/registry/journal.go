package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/pkg/models"
)

// The journal* helpers capture the current row before a mutation and
// register its restoration with the enclosing transaction.

func (r *Registry) journalSchema(call *chain.Call, id common.Hash) error {
	prev, existed, err := r.store.Schema(call.Context(), id)
	if err != nil {
		return err
	}
	call.OnRevert(func() {
		ctx := context.Background()
		var err error
		if existed {
			err = r.store.PutSchema(ctx, prev)
		} else {
			err = r.store.DeleteSchema(ctx, id)
		}
		r.logRevertFailure("schema", id.Hex(), err)
	})
	return nil
}

func (r *Registry) journalEmitter(call *chain.Call, emitter common.Address) error {
	prev, existed, err := r.store.SchemaIDOf(call.Context(), emitter)
	if err != nil {
		return err
	}
	call.OnRevert(func() {
		ctx := context.Background()
		var err error
		if existed {
			err = r.store.BindEmitter(ctx, emitter, prev)
		} else {
			err = r.store.UnbindEmitter(ctx, emitter)
		}
		r.logRevertFailure("emitter", emitter.Hex(), err)
	})
	return nil
}

func (r *Registry) journalSID(call *chain.Call, id common.Hash) error {
	prev, existed, err := r.store.SID(call.Context(), id)
	if err != nil {
		return err
	}
	call.OnRevert(func() {
		ctx := context.Background()
		var err error
		if existed {
			err = r.store.PutSID(ctx, prev)
		} else {
			err = r.store.DeleteSID(ctx, id)
		}
		r.logRevertFailure("sid", id.Hex(), err)
	})
	return nil
}

func (r *Registry) journalCounters(call *chain.Call) (models.RegistryCounters, error) {
	prev, err := r.store.Counters(call.Context())
	if err != nil {
		return models.RegistryCounters{}, err
	}
	call.OnRevert(func() {
		r.logRevertFailure("counters", "", r.store.PutCounters(context.Background(), prev))
	})
	return prev, nil
}

func (r *Registry) logRevertFailure(kind, key string, err error) {
	if err == nil {
		return
	}
	r.logger.Error("registry revert failed", "row", kind, "key", key, "error", err.Error())
}
