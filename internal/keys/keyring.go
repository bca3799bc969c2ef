// Package keys derives the secp256k1 accounts a devnet deployment runs with
// (deployer, admins, operator, relay executors) from one BIP-39 mnemonic, and
// keeps that mnemonic sealed on disk.
package keys

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"singleid/go-backend/internal/eip712"
	"singleid/go-backend/internal/securestore"
)

const (
	hkdfInfoPrefix = "singleid/account/v1/"
	maxDeriveTries = 16
)

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrMnemonicRequired = errors.New("mnemonic is required")
	ErrPasswordRequired = errors.New("password is required")
	ErrRoleRequired     = errors.New("role is required")
	ErrDeriveFailed     = errors.New("key derivation failed")
)

// Role names a family of accounts; each role has its own index space.
type Role string

const (
	RoleDeployer Role = "deployer"
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleExecutor Role = "executor"
	RoleTreasury Role = "treasury"
	RoleUser     Role = "user"
)

type accountKey struct {
	role  Role
	index uint32
}

type Keyring struct {
	mu    sync.Mutex
	seed  []byte
	cache map[accountKey]*ecdsa.PrivateKey
}

// NewMnemonic returns a fresh 24-word mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(strings.TrimSpace(mnemonic))
}

// FromMnemonic opens a keyring. passphrase is the optional BIP-39 passphrase,
// not the key file password.
func FromMnemonic(mnemonic, passphrase string) (*Keyring, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return &Keyring{
		seed:  bip39.NewSeed(mnemonic, passphrase),
		cache: make(map[accountKey]*ecdsa.PrivateKey),
	}, nil
}

// Key derives the private key for (role, index). Derivation is
// deterministic; the rare out-of-range scalar is skipped by bumping a counter.
func (k *Keyring) Key(role Role, index uint32) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(string(role)) == "" {
		return nil, ErrRoleRequired
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	ak := accountKey{role: role, index: index}
	if key, ok := k.cache[ak]; ok {
		return key, nil
	}
	for counter := uint32(0); counter < maxDeriveTries; counter++ {
		material, err := hkdfExpand(k.seed, deriveInfo(role, index, counter), 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeriveFailed, err)
		}
		key, err := crypto.ToECDSA(material)
		if err != nil {
			continue
		}
		k.cache[ak] = key
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s/%d", ErrDeriveFailed, role, index)
}

func (k *Keyring) Address(role Role, index uint32) (common.Address, error) {
	key, err := k.Key(role, index)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// Signer wraps the (role, index) key for EIP-712 signing.
func (k *Keyring) Signer(role Role, index uint32) (*eip712.Signer, error) {
	key, err := k.Key(role, index)
	if err != nil {
		return nil, err
	}
	return eip712.NewSigner(key)
}

// SaveMnemonic seals mnemonic into path under password.
func SaveMnemonic(path, password, mnemonic string) error {
	path, password = securestore.NormalizeStorageConfig(path, password)
	if password == "" {
		return ErrPasswordRequired
	}
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return ErrInvalidMnemonic
	}
	return securestore.WriteEncryptedFile(path, password, securestore.PurposeKeyFile, []byte(mnemonic))
}

// LoadMnemonic opens a key file written by SaveMnemonic.
func LoadMnemonic(path, password string) (string, error) {
	path, password = securestore.NormalizeStorageConfig(path, password)
	if password == "" {
		return "", ErrPasswordRequired
	}
	plaintext, err := securestore.ReadDecryptedFile(path, password, securestore.PurposeKeyFile)
	if err != nil {
		return "", err
	}
	mnemonic := strings.TrimSpace(string(plaintext))
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", fmt.Errorf("%w: corrupted key file", ErrInvalidMnemonic)
	}
	return mnemonic, nil
}

// LoadOrCreateMnemonic returns the mnemonic in path, creating and sealing a
// new one when the file does not exist yet.
func LoadOrCreateMnemonic(path, password string) (string, bool, error) {
	mnemonic, err := LoadMnemonic(path, password)
	if err == nil {
		return mnemonic, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", false, err
	}
	mnemonic, err = NewMnemonic()
	if err != nil {
		return "", false, err
	}
	if err := SaveMnemonic(path, password, mnemonic); err != nil {
		return "", false, err
	}
	return mnemonic, true, nil
}

func deriveInfo(role Role, index, counter uint32) []byte {
	info := []byte(hkdfInfoPrefix + string(role) + "/")
	info = binary.BigEndian.AppendUint32(info, index)
	return binary.BigEndian.AppendUint32(info, counter)
}

func hkdfExpand(seed []byte, info []byte, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
