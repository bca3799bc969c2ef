// Package sqlite provides a SQLite-backed registry storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"singleid/go-backend/internal/storage/sqlite/migrations"
	"singleid/go-backend/pkg/models"
)

const (
	counterEmitters = "emitters"
	counterSIDs     = "sids"
)

// Store persists registry rows in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite registry store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Schema(ctx context.Context, id common.Hash) (models.Schema, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Schema{}, false, err
	}
	var (
		schema  models.Schema
		emitter string
	)
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT name, description, definition, emitter FROM schemas WHERE id = ?`, id.Hex())
	if err := row.Scan(&schema.Name, &schema.Description, &schema.SchemaDefinition, &emitter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Schema{}, false, nil
		}
		return models.Schema{}, false, fmt.Errorf("get schema: %w", err)
	}
	schema.ID = id
	schema.Emitter = common.HexToAddress(emitter)
	return schema, true, nil
}

func (s *Store) SchemaIDOf(ctx context.Context, emitter common.Address) (common.Hash, bool, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, false, err
	}
	var id string
	row := s.sqlDB.QueryRowContext(ctx, `SELECT schema_id FROM emitter_schemas WHERE emitter = ?`, emitter.Hex())
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return common.Hash{}, false, nil
		}
		return common.Hash{}, false, fmt.Errorf("get emitter schema: %w", err)
	}
	return common.HexToHash(id), true, nil
}

func (s *Store) PutSchema(ctx context.Context, schema models.Schema) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if schema.ID == (common.Hash{}) {
		return fmt.Errorf("schema id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO schemas (id, name, description, definition, emitter)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   description = excluded.description,
		   definition = excluded.definition,
		   emitter = excluded.emitter`,
		schema.ID.Hex(), schema.Name, schema.Description, schema.SchemaDefinition, schema.Emitter.Hex())
	if err != nil {
		return fmt.Errorf("put schema: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchema(ctx context.Context, id common.Hash) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM schemas WHERE id = ?`, id.Hex()); err != nil {
		return fmt.Errorf("delete schema: %w", err)
	}
	return nil
}

func (s *Store) BindEmitter(ctx context.Context, emitter common.Address, schemaID common.Hash) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO emitter_schemas (emitter, schema_id) VALUES (?, ?)
		 ON CONFLICT(emitter) DO UPDATE SET schema_id = excluded.schema_id`,
		emitter.Hex(), schemaID.Hex())
	if err != nil {
		return fmt.Errorf("bind emitter: %w", err)
	}
	return nil
}

func (s *Store) UnbindEmitter(ctx context.Context, emitter common.Address) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM emitter_schemas WHERE emitter = ?`, emitter.Hex()); err != nil {
		return fmt.Errorf("unbind emitter: %w", err)
	}
	return nil
}

func (s *Store) SID(ctx context.Context, id common.Hash) (models.SID, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.SID{}, false, err
	}
	var (
		sid        models.SID
		schemaID   string
		owner      string
		expiration int64
		reserved   int64
		revoked    int64
	)
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT schema_id, expiration_date, reserved, revoked, owner, data, metadata FROM sids WHERE id = ?`, id.Hex())
	if err := row.Scan(&schemaID, &expiration, &reserved, &revoked, &owner, &sid.Data, &sid.Metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SID{}, false, nil
		}
		return models.SID{}, false, fmt.Errorf("get sid: %w", err)
	}
	sid.ID = id
	sid.SchemaID = common.HexToHash(schemaID)
	sid.ExpirationDate = uint64(expiration)
	sid.Reserved = uint64(reserved)
	sid.Revoked = revoked != 0
	sid.Owner = common.HexToAddress(owner)
	return sid, true, nil
}

func (s *Store) PutSID(ctx context.Context, sid models.SID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data := sid.Data
	if data == nil {
		data = []byte{}
	}
	revoked := 0
	if sid.Revoked {
		revoked = 1
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO sids (id, schema_id, expiration_date, reserved, revoked, owner, data, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   schema_id = excluded.schema_id,
		   expiration_date = excluded.expiration_date,
		   reserved = excluded.reserved,
		   revoked = excluded.revoked,
		   owner = excluded.owner,
		   data = excluded.data,
		   metadata = excluded.metadata`,
		sid.ID.Hex(), sid.SchemaID.Hex(), int64(sid.ExpirationDate), int64(sid.Reserved), revoked,
		sid.Owner.Hex(), data, sid.Metadata)
	if err != nil {
		return fmt.Errorf("put sid: %w", err)
	}
	return nil
}

func (s *Store) DeleteSID(ctx context.Context, id common.Hash) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sids WHERE id = ?`, id.Hex()); err != nil {
		return fmt.Errorf("delete sid: %w", err)
	}
	return nil
}

func (s *Store) Counters(ctx context.Context) (models.RegistryCounters, error) {
	if err := ctx.Err(); err != nil {
		return models.RegistryCounters{}, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name, value FROM registry_counters`)
	if err != nil {
		return models.RegistryCounters{}, fmt.Errorf("list counters: %w", err)
	}
	defer rows.Close()
	var out models.RegistryCounters
	for rows.Next() {
		var (
			name  string
			value int64
		)
		if err := rows.Scan(&name, &value); err != nil {
			return models.RegistryCounters{}, fmt.Errorf("scan counter: %w", err)
		}
		switch name {
		case counterEmitters:
			out.Emitters = uint64(value)
		case counterSIDs:
			out.SIDs = uint64(value)
		}
	}
	if err := rows.Err(); err != nil {
		return models.RegistryCounters{}, fmt.Errorf("iterate counters: %w", err)
	}
	return out, nil
}

func (s *Store) PutCounters(ctx context.Context, counters models.RegistryCounters) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin counters tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for name, value := range map[string]uint64{counterEmitters: counters.Emitters, counterSIDs: counters.SIDs} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO registry_counters (name, value) VALUES (?, ?)
			 ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, int64(value)); err != nil {
			return fmt.Errorf("put counter %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit counters: %w", err)
	}
	return nil
}

// applyMigrations executes every embedded .sql file at most once, in name order.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	for _, file := range files {
		var applied int
		if err := sqlDB.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, file).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied > 0 {
			continue
		}
		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		tx, err := sqlDB.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, file, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}
