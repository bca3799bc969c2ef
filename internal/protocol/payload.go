package protocol

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"singleid/go-backend/pkg/models"
)

// Tag selects the registry mutation carried by a payload.
type Tag uint8

const (
	TagCreateSID Tag = 0
	TagUpdateSID Tag = 1
	TagRevoke    Tag = 2
)

func (t Tag) String() string {
	switch t {
	case TagCreateSID:
		return "create_sid"
	case TagUpdateSID:
		return "update_sid"
	case TagRevoke:
		return "revoke"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

var payloadArgs = abi.Arguments{
	{Type: typeUint8},
	{Type: typeBytes32},
	{Type: typeBytes32},
	{Type: typeUint64},
	{Type: typeBytes},
	{Type: typeString},
}

// Payload is the transport-agnostic registration message. Subject is the
// padded owner address for TagCreateSID and the SID id otherwise.
type Payload struct {
	Tag            Tag
	SchemaID       common.Hash
	Subject        models.Bytes32
	ExpirationDate uint64
	Data           []byte
	Metadata       string
}

func NewCreatePayload(schemaID common.Hash, owner common.Address, expirationDate uint64, data []byte, metadata string) Payload {
	return Payload{
		Tag:            TagCreateSID,
		SchemaID:       schemaID,
		Subject:        models.AddressToBytes32(owner),
		ExpirationDate: expirationDate,
		Data:           append([]byte(nil), data...),
		Metadata:       metadata,
	}
}

func NewUpdatePayload(schemaID, sidID common.Hash, expirationDate uint64, data []byte, metadata string) Payload {
	return Payload{
		Tag:            TagUpdateSID,
		SchemaID:       schemaID,
		Subject:        models.Bytes32(sidID),
		ExpirationDate: expirationDate,
		Data:           append([]byte(nil), data...),
		Metadata:       metadata,
	}
}

func NewRevokePayload(schemaID, sidID common.Hash) Payload {
	return Payload{
		Tag:      TagRevoke,
		SchemaID: schemaID,
		Subject:  models.Bytes32(sidID),
	}
}

// Owner is only meaningful for TagCreateSID payloads.
func (p Payload) Owner() common.Address {
	return p.Subject.Address()
}

func (p Payload) SIDID() common.Hash {
	if p.Tag == TagCreateSID {
		return SIDID(p.SchemaID, p.Owner())
	}
	return p.Subject.Hash()
}

func EncodePayload(p Payload) ([]byte, error) {
	if p.Tag > TagRevoke {
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformedPayload, p.Tag)
	}
	data := p.Data
	if data == nil {
		data = []byte{}
	}
	return payloadArgs.Pack(uint8(p.Tag), [32]byte(p.SchemaID), [32]byte(p.Subject), p.ExpirationDate, data, p.Metadata)
}

func DecodePayload(raw []byte) (Payload, error) {
	values, err := payloadArgs.Unpack(raw)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(values) != len(payloadArgs) {
		return Payload{}, ErrMalformedPayload
	}
	tag, ok := values[0].(uint8)
	if !ok || Tag(tag) > TagRevoke {
		return Payload{}, ErrMalformedPayload
	}
	schemaID, ok := values[1].([32]byte)
	if !ok {
		return Payload{}, ErrMalformedPayload
	}
	subject, ok := values[2].([32]byte)
	if !ok {
		return Payload{}, ErrMalformedPayload
	}
	expiration, ok := values[3].(uint64)
	if !ok {
		return Payload{}, ErrMalformedPayload
	}
	data, ok := values[4].([]byte)
	if !ok {
		return Payload{}, ErrMalformedPayload
	}
	metadata, ok := values[5].(string)
	if !ok {
		return Payload{}, ErrMalformedPayload
	}
	return Payload{
		Tag:            Tag(tag),
		SchemaID:       common.Hash(schemaID),
		Subject:        models.Bytes32(subject),
		ExpirationDate: expiration,
		Data:           append([]byte(nil), data...),
		Metadata:       metadata,
	}, nil
}
