package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// NormalizeStorageConfig trims persisted path/secret values.
func NormalizeStorageConfig(path, secret string) (string, string) {
	return strings.TrimSpace(path), strings.TrimSpace(secret)
}

// IsStorageConfigured reports whether encrypted persistence is configured.
func IsStorageConfigured(path, secret string) bool {
	return strings.TrimSpace(path) != "" && strings.TrimSpace(secret) != ""
}

// ReadDecryptedFile reads and opens a file sealed for purpose.
func ReadDecryptedFile(path, secret, purpose string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decrypt(secret, purpose, raw)
}

// WriteEncryptedFile seals payload and replaces path through a temp file in
// the same directory.
func WriteEncryptedFile(path, secret, purpose string, payload []byte) error {
	encrypted, err := Encrypt(secret, purpose, payload)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, encrypted)
}

func WriteEncryptedJSON(path, secret, purpose string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteEncryptedFile(path, secret, purpose, payload)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
