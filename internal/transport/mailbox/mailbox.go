// Package mailbox is an in-process Hyperlane-style messaging layer: a
// Mailbox per chain dispatches and processes packed messages, an
// InterchainGasPaymaster sells destination gas, and a Relayer moves messages
// between domains over the waku relay.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/internal/waku"
	"singleid/go-backend/pkg/models"
)

var (
	ErrWrongDestination = fmt.Errorf("%w: message is not for this domain", protocol.ErrUnsupportedChain)
	ErrWrongVersion     = fmt.Errorf("%w: unsupported message version", protocol.ErrMalformedPayload)
	ErrAlreadyProcessed = fmt.Errorf("%w: message already processed", protocol.ErrAlreadyExists)
	ErrNoRecipient      = errors.New("recipient is not registered on the destination mailbox")
)

// Recipient is implemented by applications receiving mailbox messages. The
// call's Sender is the local mailbox address.
type Recipient interface {
	Handle(call *chain.Call, origin uint32, sender models.Bytes32, body []byte) error
}

// Publisher carries committed messages to relayers.
type Publisher interface {
	Publish(ctx context.Context, env waku.Envelope) error
}

type Config struct {
	Domain    uint32
	Address   common.Address
	Chain     *chain.Chain
	Publisher Publisher
	Logger    *slog.Logger
}

type Mailbox struct {
	mu         sync.RWMutex
	domain     uint32
	address    common.Address
	chain      *chain.Chain
	publisher  Publisher
	nonce      uint32
	recipients map[common.Address]Recipient
	processed  map[common.Hash]struct{}
	logger     *slog.Logger
}

func New(cfg Config) *Mailbox {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{
		domain:     cfg.Domain,
		address:    cfg.Address,
		chain:      cfg.Chain,
		publisher:  cfg.Publisher,
		recipients: make(map[common.Address]Recipient),
		processed:  make(map[common.Hash]struct{}),
		logger:     logger.With("component", "mailbox", "domain", cfg.Domain),
	}
}

// InboxName is the relay recipient that carries messages destined to domain.
func InboxName(domain uint32) string {
	return "mailbox/" + strconv.FormatUint(uint64(domain), 10)
}

func (m *Mailbox) Domain() uint32 {
	return m.domain
}

func (m *Mailbox) Address() common.Address {
	return m.address
}

func (m *Mailbox) Chain() *chain.Chain {
	return m.chain
}

func (m *Mailbox) RegisterRecipient(addr common.Address, r Recipient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients[addr] = r
}

// Count is the number of messages dispatched so far.
func (m *Mailbox) Count() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nonce
}

func (m *Mailbox) Delivered(id common.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[id]
	return ok
}

// Dispatch commits a message from call.Sender to recipient on destination.
// The message is published once the enclosing transaction commits.
func (m *Mailbox) Dispatch(call *chain.Call, destination uint32, recipient models.Bytes32, body []byte) (common.Hash, error) {
	m.mu.Lock()
	nonce := m.nonce
	m.nonce++
	m.mu.Unlock()
	call.OnRevert(func() {
		m.mu.Lock()
		m.nonce = nonce
		m.mu.Unlock()
	})

	msg := Message{
		Version:     MessageVersion,
		Nonce:       nonce,
		Origin:      m.domain,
		Sender:      models.AddressToBytes32(call.Sender),
		Destination: destination,
		Recipient:   recipient,
		Body:        append([]byte(nil), body...),
	}
	id := msg.ID()
	raw := msg.Encode()
	ctx := call.Context()
	call.OnCommit(func() {
		if m.publisher == nil {
			m.logger.Warn("no publisher configured, message stays local", "message_id", id.Hex())
			return
		}
		env := waku.Envelope{ID: id.Hex(), Recipient: InboxName(destination), Payload: raw}
		if err := m.publisher.Publish(ctx, env); err != nil {
			m.logger.Error("publish dispatched message failed", "message_id", id.Hex(), "destination", destination, "reason", err.Error())
		}
	})
	call.Emit("Dispatch", "message_id", id.Hex(), "destination", destination, "nonce", nonce, "recipient", recipient.Hex())
	return id, nil
}

// Process delivers a relayed message. call.Self must be this mailbox.
func (m *Mailbox) Process(call *chain.Call, raw []byte) error {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return err
	}
	if msg.Version != MessageVersion {
		return fmt.Errorf("%w: %d", ErrWrongVersion, msg.Version)
	}
	if msg.Destination != m.domain {
		return fmt.Errorf("%w: destination %d, local %d", ErrWrongDestination, msg.Destination, m.domain)
	}
	id := msg.ID()
	recipientAddr := msg.Recipient.Address()

	m.mu.Lock()
	if _, done := m.processed[id]; done {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, id.Hex())
	}
	recipient, ok := m.recipients[recipientAddr]
	if !ok || !msg.Recipient.IsAddress() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoRecipient, msg.Recipient.Hex())
	}
	m.processed[id] = struct{}{}
	m.mu.Unlock()
	call.OnRevert(func() {
		m.mu.Lock()
		delete(m.processed, id)
		m.mu.Unlock()
	})

	err = call.Invoke(recipientAddr, nil, func(sub *chain.Call) error {
		return recipient.Handle(sub, msg.Origin, msg.Sender, msg.Body)
	})
	if err != nil {
		return err
	}
	call.Emit("Process", "message_id", id.Hex(), "origin", msg.Origin, "nonce", msg.Nonce)
	return nil
}
