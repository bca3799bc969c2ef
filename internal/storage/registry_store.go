package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"singleid/go-backend/internal/securestore"
	"singleid/go-backend/pkg/models"
)

var ErrSchemaIDConflict = errors.New("schema id conflict")

type registrySnapshot struct {
	Schemas  map[common.Hash]models.Schema  `json:"schemas"`
	Emitters map[common.Address]common.Hash `json:"emitters"`
	SIDs     map[common.Hash]models.SID     `json:"sids"`
	Counters models.RegistryCounters        `json:"counters"`
}

// RegistryStore keeps registry rows in memory and, when a path is set,
// rewrites a (optionally encrypted) JSON snapshot on every mutation. State is
// swapped in only after the snapshot has been written.
type RegistryStore struct {
	mu     sync.RWMutex
	state  registrySnapshot
	path   string
	secret string
}

func NewRegistryStore() *RegistryStore {
	return &RegistryStore{state: emptySnapshot()}
}

func NewPersistentRegistryStore(path string) (*RegistryStore, error) {
	return NewEncryptedPersistentRegistryStore(path, "")
}

func NewEncryptedPersistentRegistryStore(path, passphrase string) (*RegistryStore, error) {
	path, passphrase = securestore.NormalizeStorageConfig(path, passphrase)
	s := &RegistryStore{
		state:  emptySnapshot(),
		path:   path,
		secret: passphrase,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RegistryStore) Schema(_ context.Context, id common.Hash) (models.Schema, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, ok := s.state.Schemas[id]
	return schema, ok, nil
}

func (s *RegistryStore) SchemaIDOf(_ context.Context, emitter common.Address) (common.Hash, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.state.Emitters[emitter]
	return id, ok, nil
}

func (s *RegistryStore) PutSchema(_ context.Context, schema models.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if schema.ID == (common.Hash{}) {
		return ErrSchemaIDConflict
	}
	next := s.cloneLocked()
	next.Schemas[schema.ID] = schema
	return s.commitLocked(next)
}

func (s *RegistryStore) DeleteSchema(_ context.Context, id common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Schemas[id]; !ok {
		return nil
	}
	next := s.cloneLocked()
	delete(next.Schemas, id)
	return s.commitLocked(next)
}

func (s *RegistryStore) BindEmitter(_ context.Context, emitter common.Address, schemaID common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cloneLocked()
	next.Emitters[emitter] = schemaID
	return s.commitLocked(next)
}

func (s *RegistryStore) UnbindEmitter(_ context.Context, emitter common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Emitters[emitter]; !ok {
		return nil
	}
	next := s.cloneLocked()
	delete(next.Emitters, emitter)
	return s.commitLocked(next)
}

func (s *RegistryStore) SID(_ context.Context, id common.Hash) (models.SID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sid, ok := s.state.SIDs[id]
	if !ok {
		return models.SID{}, false, nil
	}
	sid.Data = append([]byte(nil), sid.Data...)
	return sid, true, nil
}

func (s *RegistryStore) PutSID(_ context.Context, sid models.SID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.state.SIDs[sid.ID]; ok && sidsEqual(existing, sid) {
		return nil
	}
	sid.Data = append([]byte(nil), sid.Data...)
	next := s.cloneLocked()
	next.SIDs[sid.ID] = sid
	return s.commitLocked(next)
}

func (s *RegistryStore) DeleteSID(_ context.Context, id common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.SIDs[id]; !ok {
		return nil
	}
	next := s.cloneLocked()
	delete(next.SIDs, id)
	return s.commitLocked(next)
}

func (s *RegistryStore) Counters(context.Context) (models.RegistryCounters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Counters, nil
}

func (s *RegistryStore) PutCounters(_ context.Context, counters models.RegistryCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cloneLocked()
	next.Counters = counters
	return s.commitLocked(next)
}

func (s *RegistryStore) Close() error {
	return nil
}

func (s *RegistryStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			// A fresh store writes its empty snapshot so every opened
			// path exists from the start.
			return s.persistSnapshotLocked(s.cloneLocked())
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	decoded := data
	if s.secret != "" {
		decoded, err = securestore.Decrypt(s.secret, securestore.PurposeRegistrySnapshot, data)
		if err != nil {
			if !errors.Is(err, securestore.ErrLegacyData) {
				return err
			}
			decoded = data
		}
	}
	var snapshot registrySnapshot
	if err := json.Unmarshal(decoded, &snapshot); err != nil {
		return err
	}
	if snapshot.Schemas != nil {
		s.state.Schemas = snapshot.Schemas
	}
	if snapshot.Emitters != nil {
		s.state.Emitters = snapshot.Emitters
	}
	if snapshot.SIDs != nil {
		s.state.SIDs = snapshot.SIDs
	}
	s.state.Counters = snapshot.Counters
	return nil
}

func (s *RegistryStore) commitLocked(next registrySnapshot) error {
	if err := s.persistSnapshotLocked(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *RegistryStore) persistSnapshotLocked(snapshot registrySnapshot) error {
	if s.path == "" {
		return nil
	}
	if s.secret != "" {
		return securestore.WriteEncryptedJSON(s.path, s.secret, securestore.PurposeRegistrySnapshot, snapshot)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *RegistryStore) cloneLocked() registrySnapshot {
	out := registrySnapshot{
		Schemas:  make(map[common.Hash]models.Schema, len(s.state.Schemas)+1),
		Emitters: make(map[common.Address]common.Hash, len(s.state.Emitters)+1),
		SIDs:     make(map[common.Hash]models.SID, len(s.state.SIDs)+1),
		Counters: s.state.Counters,
	}
	for k, v := range s.state.Schemas {
		out.Schemas[k] = v
	}
	for k, v := range s.state.Emitters {
		out.Emitters[k] = v
	}
	for k, v := range s.state.SIDs {
		out.SIDs[k] = v
	}
	return out
}

func emptySnapshot() registrySnapshot {
	return registrySnapshot{
		Schemas:  make(map[common.Hash]models.Schema),
		Emitters: make(map[common.Address]common.Hash),
		SIDs:     make(map[common.Hash]models.SID),
	}
}

func sidsEqual(a, b models.SID) bool {
	return a.ID == b.ID &&
		a.SchemaID == b.SchemaID &&
		a.ExpirationDate == b.ExpirationDate &&
		a.Reserved == b.Reserved &&
		a.Revoked == b.Revoked &&
		a.Owner == b.Owner &&
		bytes.Equal(a.Data, b.Data) &&
		a.Metadata == b.Metadata
}
