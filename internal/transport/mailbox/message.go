package mailbox

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/pkg/models"
)

const (
	MessageVersion uint8 = 3

	headerLen = 1 + 4 + 4 + 32 + 4 + 32
)

var ErrMalformedMessage = fmt.Errorf("%w: mailbox message", protocol.ErrMalformedPayload)

// Message is the packed mailbox message:
// version(1) | nonce(4) | origin(4) | sender(32) | destination(4) | recipient(32) | body.
type Message struct {
	Version     uint8
	Nonce       uint32
	Origin      uint32
	Sender      models.Bytes32
	Destination uint32
	Recipient   models.Bytes32
	Body        []byte
}

func (m Message) Encode() []byte {
	out := make([]byte, 0, headerLen+len(m.Body))
	out = append(out, m.Version)
	out = binary.BigEndian.AppendUint32(out, m.Nonce)
	out = binary.BigEndian.AppendUint32(out, m.Origin)
	out = append(out, m.Sender[:]...)
	out = binary.BigEndian.AppendUint32(out, m.Destination)
	out = append(out, m.Recipient[:]...)
	return append(out, m.Body...)
}

// ID is keccak256 of the packed message.
func (m Message) ID() common.Hash {
	return crypto.Keccak256Hash(m.Encode())
}

func DecodeMessage(raw []byte) (Message, error) {
	if len(raw) < headerLen {
		return Message{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedMessage, len(raw), headerLen)
	}
	var m Message
	m.Version = raw[0]
	m.Nonce = binary.BigEndian.Uint32(raw[1:5])
	m.Origin = binary.BigEndian.Uint32(raw[5:9])
	copy(m.Sender[:], raw[9:41])
	m.Destination = binary.BigEndian.Uint32(raw[41:45])
	copy(m.Recipient[:], raw[45:77])
	m.Body = append([]byte(nil), raw[headerLen:]...)
	return m, nil
}
