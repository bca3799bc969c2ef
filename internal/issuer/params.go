package issuer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"

	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/pkg/models"
)

// RegisterWithEmitterRequest is what a user submits to register a SID while
// binding (or refreshing) the emitter record for the destination chain.
type RegisterWithEmitterRequest struct {
	SchemaID       common.Hash
	ProtocolID     models.ProtocolID
	ExpirationDate uint64
	EmitterFee     *uint256.Int
	DstChainID     uint64
	EmitterAddress common.Address
	Data           []byte
	Metadata       string
}

// Params is the operator-signed form of the request for user.
func (r RegisterWithEmitterRequest) Params(user common.Address) RegisterWithEmitterParams {
	return RegisterWithEmitterParams{
		SchemaID:        r.SchemaID,
		EmitterAddress:  r.EmitterAddress,
		EmitterFee:      r.EmitterFee,
		RegistryChainID: r.DstChainID,
		ExpirationDate:  r.ExpirationDate,
		User:            user,
		Data:            r.Data,
		Metadata:        r.Metadata,
	}
}

// RegisterWithEmitterParams leaves the protocol id out; transport choice is
// the caller's.
type RegisterWithEmitterParams struct {
	SchemaID        common.Hash
	EmitterAddress  common.Address
	EmitterFee      *uint256.Int
	RegistryChainID uint64
	ExpirationDate  uint64
	User            common.Address
	Data            []byte
	Metadata        string
}

func (RegisterWithEmitterParams) PrimaryType() string {
	return "SendWithRegistryParams"
}

func (RegisterWithEmitterParams) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "schemaId", Type: "bytes32"},
		{Name: "emitterAddress", Type: "address"},
		{Name: "emitterFee", Type: "uint256"},
		{Name: "registryChainId", Type: "uint256"},
		{Name: "expirationDate", Type: "uint64"},
		{Name: "user", Type: "address"},
		{Name: "data", Type: "bytes"},
		{Name: "metadata", Type: "string"},
	}
}

func (p RegisterWithEmitterParams) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"schemaId":        p.SchemaID.Bytes(),
		"emitterAddress":  p.EmitterAddress.Hex(),
		"emitterFee":      bigOf(p.EmitterFee),
		"registryChainId": new(big.Int).SetUint64(p.RegistryChainID),
		"expirationDate":  new(big.Int).SetUint64(p.ExpirationDate),
		"user":            p.User.Hex(),
		"data":            bytesOf(p.Data),
		"metadata":        p.Metadata,
	}
}

// EmitterID is the emitter record and balance key the request credits.
func (r RegisterWithEmitterRequest) EmitterID() common.Hash {
	return protocol.EmitterID(r.SchemaID, r.DstChainID)
}

// RegisterRequest registers a SID against an existing emitter record, which
// supplies schema, destination chain, fee and expiration.
type RegisterRequest struct {
	EmitterID  common.Hash
	ProtocolID models.ProtocolID
	Data       []byte
	Metadata   string
}

func (r RegisterRequest) Params(user common.Address) RegisterParams {
	return RegisterParams{EmitterID: r.EmitterID, User: user, Data: r.Data, Metadata: r.Metadata}
}

type RegisterParams struct {
	EmitterID common.Hash
	User      common.Address
	Data      []byte
	Metadata  string
}

func (RegisterParams) PrimaryType() string {
	return "SendParams"
}

func (RegisterParams) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "emitterId", Type: "bytes32"},
		{Name: "user", Type: "address"},
		{Name: "data", Type: "bytes"},
		{Name: "metadata", Type: "string"},
	}
}

func (p RegisterParams) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"emitterId": p.EmitterID.Bytes(),
		"user":      p.User.Hex(),
		"data":      bytesOf(p.Data),
		"metadata":  p.Metadata,
	}
}

type UpdateRequest struct {
	EmitterID      common.Hash
	ProtocolID     models.ProtocolID
	SIDID          common.Hash
	ExpirationDate uint64
	Data           []byte
	Metadata       string
}

func (r UpdateRequest) Params(user common.Address) UpdateParams {
	return UpdateParams{
		EmitterID:      r.EmitterID,
		User:           user,
		SIDID:          r.SIDID,
		ExpirationDate: r.ExpirationDate,
		Data:           r.Data,
		Metadata:       r.Metadata,
	}
}

type UpdateParams struct {
	EmitterID      common.Hash
	User           common.Address
	SIDID          common.Hash
	ExpirationDate uint64
	Data           []byte
	Metadata       string
}

func (UpdateParams) PrimaryType() string {
	return "UpdateParams"
}

func (UpdateParams) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "emitterId", Type: "bytes32"},
		{Name: "user", Type: "address"},
		{Name: "sidId", Type: "bytes32"},
		{Name: "expirationDate", Type: "uint64"},
		{Name: "data", Type: "bytes"},
		{Name: "metadata", Type: "string"},
	}
}

func (p UpdateParams) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"emitterId":      p.EmitterID.Bytes(),
		"user":           p.User.Hex(),
		"sidId":          p.SIDID.Bytes(),
		"expirationDate": new(big.Int).SetUint64(p.ExpirationDate),
		"data":           bytesOf(p.Data),
		"metadata":       p.Metadata,
	}
}

type RevokeRequest struct {
	EmitterID  common.Hash
	ProtocolID models.ProtocolID
	SIDID      common.Hash
}

func (r RevokeRequest) Params(user common.Address) RevokeParams {
	return RevokeParams{EmitterID: r.EmitterID, User: user, SIDID: r.SIDID}
}

type RevokeParams struct {
	EmitterID common.Hash
	User      common.Address
	SIDID     common.Hash
}

func (RevokeParams) PrimaryType() string {
	return "RevokeParams"
}

func (RevokeParams) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "emitterId", Type: "bytes32"},
		{Name: "user", Type: "address"},
		{Name: "sidId", Type: "bytes32"},
	}
}

func (p RevokeParams) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"emitterId": p.EmitterID.Bytes(),
		"user":      p.User.Hex(),
		"sidId":     p.SIDID.Bytes(),
	}
}

func bigOf(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

func bytesOf(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
