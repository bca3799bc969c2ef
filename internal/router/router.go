// Package router maps protocol ids to transport connectors and guards the
// inbound path into the registry with a peer table.
package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/metrics"
	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/pkg/models"
)

// Connector is one transport adapter as seen by the router.
type Connector interface {
	Address() common.Address
	ProtocolID() models.ProtocolID
	Send(call *chain.Call, dstChainID uint64, payload []byte) (models.MessageID, error)
	Quote(dstChainID uint64, payload []byte) (*uint256.Int, error)
}

// Registry is the subset of the registry the router delivers into.
type Registry interface {
	Address() common.Address
	CreateSID(call *chain.Call, schemaID common.Hash, owner common.Address, expirationDate uint64, data []byte, metadata string) (common.Hash, error)
	UpdateSID(call *chain.Call, schemaID, sidID common.Hash, expirationDate uint64, data []byte, metadata string) error
	RevokeSID(call *chain.Call, schemaID, sidID common.Hash) error
}

type peerKey struct {
	protocol models.ProtocolID
	chainID  uint64
}

type Config struct {
	Address  common.Address
	Operator common.Address
	Registry Registry
	Logger   *slog.Logger
}

type Router struct {
	mu         sync.RWMutex
	address    common.Address
	operator   common.Address
	registry   Registry
	connectors map[models.ProtocolID]Connector
	peers      map[peerKey]models.Bytes32
	logger     *slog.Logger
}

func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		address:    cfg.Address,
		operator:   cfg.Operator,
		registry:   cfg.Registry,
		connectors: make(map[models.ProtocolID]Connector),
		peers:      make(map[peerKey]models.Bytes32),
		logger:     logger.With("component", "router", "router", cfg.Address.Hex()),
	}
}

func (r *Router) Address() common.Address {
	return r.address
}

// Dispatch hands payload to the connector registered for protocolID, passing
// along the value the call carries as transport stipend.
func (r *Router) Dispatch(call *chain.Call, protocolID models.ProtocolID, dstChainID uint64, payload []byte) (id models.MessageID, err error) {
	defer func() {
		metrics.RecordDispatch(call.ChainID(), protocolID.String(), dstChainID, err)
	}()
	conn, err := r.route(protocolID, dstChainID)
	if err != nil {
		return models.MessageID{}, err
	}
	err = call.Invoke(conn.Address(), call.Value, func(sub *chain.Call) error {
		var sendErr error
		id, sendErr = conn.Send(sub, dstChainID, payload)
		return sendErr
	})
	if err != nil {
		return models.MessageID{}, err
	}
	call.Emit("Dispatched", "protocol", protocolID.String(), "dst_chain_id", dstChainID, "message_id", id.Hex())
	return id, nil
}

// Quote returns the transport fee the connector for protocolID charges for payload.
func (r *Router) Quote(protocolID models.ProtocolID, dstChainID uint64, payload []byte) (*uint256.Int, error) {
	conn, err := r.route(protocolID, dstChainID)
	if err != nil {
		return nil, err
	}
	return conn.Quote(dstChainID, payload)
}

// Deliver applies an inbound payload. Only the connector registered for
// protocolID may call it, and srcPeer must be the peer recorded for
// (protocolID, srcChainID).
func (r *Router) Deliver(call *chain.Call, protocolID models.ProtocolID, srcChainID uint64, srcPeer models.Bytes32, payload []byte) (err error) {
	tag := "unknown"
	defer func() {
		metrics.RecordDelivery(call.ChainID(), protocolID.String(), srcChainID, tag, err)
	}()

	r.mu.RLock()
	conn, connOK := r.connectors[protocolID]
	peer, peerOK := r.peers[peerKey{protocol: protocolID, chainID: srcChainID}]
	registry := r.registry
	r.mu.RUnlock()

	if !connOK || call.Sender != conn.Address() {
		return fmt.Errorf("%w: deliver for %s by %s", protocol.ErrUnauthorized, protocolID, call.Sender.Hex())
	}
	if !peerOK || peer != srcPeer {
		return fmt.Errorf("%w: %s on chain %d from %s", protocol.ErrUnknownPeer, protocolID, srcChainID, srcPeer.Hex())
	}
	if registry == nil {
		return fmt.Errorf("%w: registry is not configured", protocol.ErrNotFound)
	}
	msg, err := protocol.DecodePayload(payload)
	if err != nil {
		return err
	}
	tag = msg.Tag.String()

	err = call.Invoke(registry.Address(), nil, func(sub *chain.Call) error {
		switch msg.Tag {
		case protocol.TagCreateSID:
			_, err := registry.CreateSID(sub, msg.SchemaID, msg.Owner(), msg.ExpirationDate, msg.Data, msg.Metadata)
			return err
		case protocol.TagUpdateSID:
			return registry.UpdateSID(sub, msg.SchemaID, msg.SIDID(), msg.ExpirationDate, msg.Data, msg.Metadata)
		case protocol.TagRevoke:
			return registry.RevokeSID(sub, msg.SchemaID, msg.SIDID())
		default:
			return fmt.Errorf("%w: tag %d", protocol.ErrMalformedPayload, msg.Tag)
		}
	})
	if err != nil {
		return err
	}
	call.Emit("Delivered", "protocol", protocolID.String(), "src_chain_id", srcChainID, "tag", tag, "sid_id", msg.SIDID().Hex())
	return nil
}

func (r *Router) route(protocolID models.ProtocolID, dstChainID uint64) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connectors[protocolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownProtocol, protocolID)
	}
	if _, ok := r.peers[peerKey{protocol: protocolID, chainID: dstChainID}]; !ok {
		return nil, fmt.Errorf("%w: %s has no peer on chain %d", protocol.ErrUnknownPeer, protocolID, dstChainID)
	}
	return conn, nil
}
