package devnet

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"singleid/go-backend/internal/config"
	"singleid/go-backend/internal/registry"
	"singleid/go-backend/internal/securestore"
	"singleid/go-backend/internal/storage"
	"singleid/go-backend/internal/storage/sqlite"
)

type registryStore interface {
	registry.Store
	io.Closer
}

// openRegistryStore opens the registry store of one chain. Persistent
// backends keep one file per chain under cfg.Dir.
func openRegistryStore(cfg config.StoreConfig, chainID uint64) (registryStore, error) {
	switch cfg.Backend {
	case "", config.StoreMemory:
		return storage.NewRegistryStore(), nil
	case config.StoreSnapshot:
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, err
		}
		path := filepath.Join(cfg.Dir, fmt.Sprintf("registry-%d.json", chainID))
		if !securestore.IsStorageConfigured(path, cfg.Passphrase) {
			return storage.NewPersistentRegistryStore(path)
		}
		return storage.NewEncryptedPersistentRegistryStore(path, cfg.Passphrase)
	case config.StoreSQLite:
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, err
		}
		return sqlite.Open(filepath.Join(cfg.Dir, fmt.Sprintf("registry-%d.db", chainID)))
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}
