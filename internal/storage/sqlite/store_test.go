package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"singleid/go-backend/pkg/models"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "registry.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestSchemaAndEmitterIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTempStore(t)
	schema := models.Schema{
		ID:               common.HexToHash("0x01"),
		Name:             "kyc",
		Description:      "basic kyc",
		SchemaDefinition: "bool verified",
		Emitter:          common.HexToAddress("0x0000000000000000000000000000000000000e01"),
	}
	if err := store.PutSchema(ctx, schema); err != nil {
		t.Fatalf("put schema: %v", err)
	}
	if err := store.BindEmitter(ctx, schema.Emitter, schema.ID); err != nil {
		t.Fatalf("bind emitter: %v", err)
	}
	got, ok, err := store.Schema(ctx, schema.ID)
	if err != nil || !ok {
		t.Fatalf("get schema: ok=%v err=%v", ok, err)
	}
	if got != schema {
		t.Fatalf("schema = %+v, want %+v", got, schema)
	}
	id, ok, err := store.SchemaIDOf(ctx, schema.Emitter)
	if err != nil || !ok || id != schema.ID {
		t.Fatalf("schema id of emitter = %s ok=%v err=%v", id.Hex(), ok, err)
	}

	if err := store.UnbindEmitter(ctx, schema.Emitter); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if _, ok, _ := store.SchemaIDOf(ctx, schema.Emitter); ok {
		t.Fatal("expected emitter binding to be removed")
	}
	if err := store.DeleteSchema(ctx, schema.ID); err != nil {
		t.Fatalf("delete schema: %v", err)
	}
	if _, ok, _ := store.Schema(ctx, schema.ID); ok {
		t.Fatal("expected schema to be deleted")
	}
}

func TestSIDUpsertAndCounters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTempStore(t)
	sid := models.SID{
		ID:             common.HexToHash("0xabc"),
		SchemaID:       common.HexToHash("0x01"),
		ExpirationDate: 1732861209,
		Reserved:       1,
		Owner:          common.HexToAddress("0x0000000000000000000000000000000000000a01"),
		Data:           []byte("custom data"),
		Metadata:       "https://test.com",
	}
	if err := store.PutSID(ctx, sid); err != nil {
		t.Fatalf("put sid: %v", err)
	}
	sid.Revoked = true
	if err := store.PutSID(ctx, sid); err != nil {
		t.Fatalf("update sid: %v", err)
	}
	got, ok, err := store.SID(ctx, sid.ID)
	if err != nil || !ok {
		t.Fatalf("get sid: ok=%v err=%v", ok, err)
	}
	if !got.Revoked || got.Owner != sid.Owner || string(got.Data) != "custom data" || got.ExpirationDate != sid.ExpirationDate {
		t.Fatalf("unexpected sid row: %+v", got)
	}

	if err := store.PutCounters(ctx, models.RegistryCounters{Emitters: 2, SIDs: 5}); err != nil {
		t.Fatalf("put counters: %v", err)
	}
	counters, err := store.Counters(ctx)
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if counters.Emitters != 2 || counters.SIDs != 5 {
		t.Fatalf("counters = %+v", counters)
	}

	if err := store.DeleteSID(ctx, sid.ID); err != nil {
		t.Fatalf("delete sid: %v", err)
	}
	if _, ok, _ := store.SID(ctx, sid.ID); ok {
		t.Fatal("expected sid to be deleted")
	}
}

func TestReopenKeepsRowsAndSkipsAppliedMigrations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.sqlite")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.PutCounters(ctx, models.RegistryCounters{SIDs: 7}); err != nil {
		t.Fatalf("put counters: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	counters, err := reopened.Counters(ctx)
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if counters.SIDs != 7 {
		t.Fatalf("sids counter = %d, want 7", counters.SIDs)
	}
}
