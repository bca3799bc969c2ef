// Package eip712 hashes, signs and verifies typed structured data the way
// EVM wallets do, so operator signatures produced off-chain by standard
// tooling verify against the in-process contracts.
package eip712

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"singleid/go-backend/internal/protocol"
)

const SignatureLength = 65

var ErrNilKey = errors.New("eip712: nil private key")

var domainFields = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Domain is the separator bound into every digest. All four fields are
// always encoded, a zero chain id and zero contract included.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

func (d Domain) typed() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(d.ChainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// Struct is one signable message type.
type Struct interface {
	PrimaryType() string
	Fields() []apitypes.Type
	Message() apitypes.TypedDataMessage
}

// Digest returns keccak256("\x19\x01" || domainSeparator || hashStruct(s)).
func Digest(domain Domain, s Struct) (common.Hash, error) {
	data := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":  domainFields,
			s.PrimaryType(): s.Fields(),
		},
		PrimaryType: s.PrimaryType(),
		Domain:      domain.typed(),
		Message:     s.Message(),
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("eip712: hash %s: %w", s.PrimaryType(), err)
	}
	return common.BytesToHash(hash), nil
}

type Verifier struct {
	domain Domain
}

func NewVerifier(domain Domain) *Verifier {
	return &Verifier{domain: domain}
}

func (v *Verifier) Domain() Domain {
	return v.domain
}

// Recover returns the address that produced sig over s. Both 0/1 and 27/28
// recovery ids are accepted; malleable high-s signatures are not.
func (v *Verifier) Recover(s Struct, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", protocol.ErrInvalidSignature, len(sig))
	}
	digest, err := Digest(v.domain, s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", protocol.ErrInvalidSignature, err)
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	r := new(big.Int).SetBytes(normalized[:32])
	sv := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, sv, true) {
		return common.Address{}, fmt.Errorf("%w: malformed signature values", protocol.ErrInvalidSignature)
	}
	pub, err := crypto.SigToPub(digest[:], normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", protocol.ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify fails with protocol.ErrInvalidSignature unless signer produced sig over s.
func (v *Verifier) Verify(s Struct, sig []byte, signer common.Address) error {
	got, err := v.Recover(s, sig)
	if err != nil {
		return err
	}
	if got != signer {
		return fmt.Errorf("%w: recovered %s", protocol.ErrInvalidSignature, got.Hex())
	}
	return nil
}

// Signer produces wallet-compatible signatures (recovery id 27/28).
type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewSigner(key *ecdsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *Signer) Address() common.Address {
	return s.addr
}

func (s *Signer) Sign(domain Domain, msg Struct) ([]byte, error) {
	digest, err := Digest(domain, msg)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, fmt.Errorf("eip712: sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
