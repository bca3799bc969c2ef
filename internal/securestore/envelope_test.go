package securestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	data, err := Encrypt("pass", PurposeKeyFile, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plain, err := Decrypt("pass", PurposeKeyFile, data)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(plain) != "secret" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
}

func TestDecryptTamperedFailsDeterministically(t *testing.T) {
	data, err := Encrypt("pass", PurposeKeyFile, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	data[len(data)-2] ^= 0xFF
	_, err = Decrypt("pass", PurposeKeyFile, data)
	if !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestDecryptRejectsWrongPassphrase(t *testing.T) {
	data, err := Encrypt("pass", PurposeKeyFile, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := Decrypt("other", PurposeKeyFile, data); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestDecryptRejectsForeignPurpose(t *testing.T) {
	data, err := Encrypt("pass", PurposeKeyFile, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := Decrypt("pass", PurposeRegistrySnapshot, data); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestEncryptRequiresPurpose(t *testing.T) {
	if _, err := Encrypt("pass", "  ", []byte("secret")); !errors.Is(err, ErrPurposeMissing) {
		t.Fatalf("expected ErrPurposeMissing, got %v", err)
	}
}

func TestDecryptFlagsLegacyPlaintext(t *testing.T) {
	if _, err := Decrypt("pass", PurposeRegistrySnapshot, []byte(`{"schemas":{}}`)); !errors.Is(err, ErrLegacyData) {
		t.Fatalf("expected ErrLegacyData, got %v", err)
	}
}

func TestWriteEncryptedJSONRoundtripAndMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.enc")
	if err := WriteEncryptedJSON(path, "pass", PurposeRegistrySnapshot, map[string]int{"sids": 2}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected file mode %v", info.Mode().Perm())
	}
	plain, err := ReadDecryptedFile(path, "pass", PurposeRegistrySnapshot)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(plain) != `{"sids":2}` {
		t.Fatalf("unexpected payload %q", plain)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestStorageConfigHelpers(t *testing.T) {
	path, secret := NormalizeStorageConfig(" /tmp/a ", " s ")
	if path != "/tmp/a" || secret != "s" {
		t.Fatalf("unexpected normalize result %q %q", path, secret)
	}
	if IsStorageConfigured("/tmp/a", " ") {
		t.Fatal("blank secret must not count as configured")
	}
	if !IsStorageConfigured("/tmp/a", "s") {
		t.Fatal("expected configured storage")
	}
}
