package models

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/mr-tron/base58"
)

// ProtocolID selects one cross-chain transport behind the router.
type ProtocolID uint8

const (
	ProtocolSameChain ProtocolID = 0
	ProtocolHyperlane ProtocolID = 1
	ProtocolLayerZero ProtocolID = 2
)

func (p ProtocolID) String() string {
	switch p {
	case ProtocolSameChain:
		return "same-chain"
	case ProtocolHyperlane:
		return "hyperlane"
	case ProtocolLayerZero:
		return "layerzero"
	default:
		return "protocol-" + hex.EncodeToString([]byte{byte(p)})
	}
}

var ErrUnknownProtocol = errors.New("unknown protocol")

// ParseProtocolID accepts the names String returns.
func ParseProtocolID(name string) (ProtocolID, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "same-chain":
		return ProtocolSameChain, nil
	case "hyperlane":
		return ProtocolHyperlane, nil
	case "layerzero":
		return ProtocolLayerZero, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}
}

var ErrInvalidBytes32 = errors.New("invalid bytes32 value")

// Bytes32 is the fixed-width peer identifier. EVM addresses are left-padded
// with zero bytes; 32-byte native addresses of other chains are stored as is.
type Bytes32 [32]byte

func AddressToBytes32(addr common.Address) Bytes32 {
	var out Bytes32
	copy(out[12:], addr.Bytes())
	return out
}

// Address returns the trailing 20 bytes as an EVM address.
func (b Bytes32) Address() common.Address {
	return common.BytesToAddress(b[12:])
}

// IsAddress reports whether the value is a left-padded EVM address.
func (b Bytes32) IsAddress() bool {
	for _, v := range b[:12] {
		if v != 0 {
			return false
		}
	}
	return true
}

func (b Bytes32) IsZero() bool {
	return b == Bytes32{}
}

func (b Bytes32) Hash() common.Hash {
	return common.Hash(b)
}

func (b Bytes32) Hex() string {
	return "0x" + hex.EncodeToString(b[:])
}

func (b Bytes32) String() string {
	return b.Hex()
}

// ParseBytes32 accepts a 0x-prefixed hex value of at most 32 bytes (left-padded)
// or a base58 encoded 32-byte address used by non-EVM chains.
func ParseBytes32(raw string) (Bytes32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Bytes32{}, ErrInvalidBytes32
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		decoded, err := hex.DecodeString(raw[2:])
		if err != nil || len(decoded) > 32 {
			return Bytes32{}, ErrInvalidBytes32
		}
		var out Bytes32
		copy(out[32-len(decoded):], decoded)
		return out, nil
	}
	decoded, err := base58.Decode(raw)
	if err != nil || len(decoded) != 32 {
		return Bytes32{}, ErrInvalidBytes32
	}
	var out Bytes32
	copy(out[:], decoded)
	return out, nil
}

// Base58 renders the value the way non-EVM chains print their addresses.
func (b Bytes32) Base58() string {
	return base58.Encode(b[:])
}

func (b Bytes32) MarshalText() ([]byte, error) {
	return []byte(b.Hex()), nil
}

func (b *Bytes32) UnmarshalText(text []byte) error {
	parsed, err := ParseBytes32(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

type Schema struct {
	ID               common.Hash    `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	SchemaDefinition string         `json:"schema"`
	Emitter          common.Address `json:"emitter"`
}

// SIDState is the lifecycle tag of one (schema, owner) identifier.
type SIDState uint8

const (
	SIDNonExistent SIDState = iota
	SIDActive
	SIDRevoked
)

func (s SIDState) String() string {
	switch s {
	case SIDActive:
		return "active"
	case SIDRevoked:
		return "revoked"
	default:
		return "non-existent"
	}
}

type SID struct {
	ID             common.Hash    `json:"id"`
	SchemaID       common.Hash    `json:"schema_id"`
	ExpirationDate uint64         `json:"expiration_date"`
	Reserved       uint64         `json:"reserved"`
	Revoked        bool           `json:"revoked"`
	Owner          common.Address `json:"owner"`
	Data           []byte         `json:"data"`
	Metadata       string         `json:"metadata"`
}

func (s SID) State() SIDState {
	if s.ID == (common.Hash{}) {
		return SIDNonExistent
	}
	if s.Revoked {
		return SIDRevoked
	}
	return SIDActive
}

type RegistryCounters struct {
	Emitters uint64 `json:"emitters"`
	SIDs     uint64 `json:"sids"`
}

// Emitter is the issuer-side record binding a schema to its registry chain.
type Emitter struct {
	ID              common.Hash    `json:"id"`
	SchemaID        common.Hash    `json:"schema_id"`
	RegistryChainID uint64         `json:"registry_chain_id"`
	Address         common.Address `json:"address"`
	Fee             *uint256.Int   `json:"fee"`
	ExpirationDate  uint64         `json:"expiration_date"`
}

// MessageID identifies one outbound transport message.
type MessageID = common.Hash
