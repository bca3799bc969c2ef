package keys

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"singleid/go-backend/internal/securestore"
	"singleid/go-backend/internal/testutil/fsperm"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestDerivationIsDeterministicAndRoleScoped(t *testing.T) {
	a, err := FromMnemonic(testMnemonic, "")
	if err != nil {
		t.Fatalf("from mnemonic: %v", err)
	}
	b, err := FromMnemonic("  "+testMnemonic+"\n", "")
	if err != nil {
		t.Fatalf("from mnemonic: %v", err)
	}
	opA, err := a.Address(RoleOperator, 0)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	opB, _ := b.Address(RoleOperator, 0)
	if opA != opB {
		t.Fatalf("derivation is not deterministic: %s vs %s", opA.Hex(), opB.Hex())
	}
	admin, _ := a.Address(RoleAdmin, 0)
	next, _ := a.Address(RoleOperator, 1)
	if admin == opA || next == opA {
		t.Fatal("roles and indices must yield distinct accounts")
	}

	withPass, err := FromMnemonic(testMnemonic, "extra")
	if err != nil {
		t.Fatalf("from mnemonic: %v", err)
	}
	if other, _ := withPass.Address(RoleOperator, 0); other == opA {
		t.Fatal("bip39 passphrase must change the accounts")
	}
}

func TestSignerMatchesDerivedKey(t *testing.T) {
	ring, err := FromMnemonic(testMnemonic, "")
	if err != nil {
		t.Fatalf("from mnemonic: %v", err)
	}
	key, err := ring.Key(RoleDeployer, 3)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	signer, err := ring.Signer(RoleDeployer, 3)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	if signer.Address() != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("signer address does not match key")
	}
}

func TestFromMnemonicRejectsBadInput(t *testing.T) {
	if _, err := FromMnemonic(" ", ""); !errors.Is(err, ErrMnemonicRequired) {
		t.Fatalf("expected ErrMnemonicRequired, got %v", err)
	}
	if _, err := FromMnemonic("abandon abandon abandon", ""); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
	ring, _ := FromMnemonic(testMnemonic, "")
	if _, err := ring.Key("", 0); !errors.Is(err, ErrRoleRequired) {
		t.Fatalf("expected ErrRoleRequired, got %v", err)
	}
}

func TestNewMnemonicIsValid(t *testing.T) {
	m, err := NewMnemonic()
	if err != nil {
		t.Fatalf("new mnemonic: %v", err)
	}
	if !ValidateMnemonic(m) {
		t.Fatalf("generated mnemonic is invalid: %q", m)
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "devnet.key")
	if err := SaveMnemonic(path, "pw", testMnemonic); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw[:8]) != "SIDENC1\n" {
		t.Fatalf("key file is not sealed: %q", raw[:8])
	}
	fsperm.AssertPrivateDirPerm(t, filepath.Dir(path))
	fsperm.AssertPrivateFilePerm(t, path)
	got, err := LoadMnemonic(path, "pw")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != testMnemonic {
		t.Fatalf("unexpected mnemonic %q", got)
	}
	if _, err := LoadMnemonic(path, "wrong"); !errors.Is(err, securestore.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if _, err := LoadMnemonic(path, ""); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
}

func TestLoadOrCreateMnemonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devnet.key")
	first, created, err := LoadOrCreateMnemonic(path, "pw")
	if err != nil || !created {
		t.Fatalf("expected creation, got created=%v err=%v", created, err)
	}
	second, created, err := LoadOrCreateMnemonic(path, "pw")
	if err != nil || created {
		t.Fatalf("expected load, got created=%v err=%v", created, err)
	}
	if first != second {
		t.Fatal("mnemonic changed between runs")
	}
}
