package router

import (
	"fmt"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/pkg/models"
)

// SetConnectors binds each protocol id to a connector instance. A connector
// can only be bound under the protocol id it reports itself.
func (r *Router) SetConnectors(call *chain.Call, ids []models.ProtocolID, connectors []Connector) error {
	if err := r.requireOperator(call, "set connectors"); err != nil {
		return err
	}
	if len(ids) != len(connectors) {
		return fmt.Errorf("%w: %d protocol ids, %d connectors", protocol.ErrLengthMismatch, len(ids), len(connectors))
	}
	for i, conn := range connectors {
		if conn == nil || conn.ProtocolID() != ids[i] {
			return fmt.Errorf("%w: connector at %d does not serve %s", protocol.ErrUnknownProtocol, i, ids[i])
		}
	}

	r.mu.Lock()
	prev := make(map[models.ProtocolID]Connector, len(r.connectors))
	for k, v := range r.connectors {
		prev[k] = v
	}
	for i, id := range ids {
		r.connectors[id] = connectors[i]
	}
	r.mu.Unlock()
	call.OnRevert(func() {
		r.mu.Lock()
		r.connectors = prev
		r.mu.Unlock()
	})
	for i, id := range ids {
		call.Emit("ConnectorSet", "protocol", id.String(), "connector", connectors[i].Address().Hex())
	}
	return nil
}

// SetPeers records the remote connector of protocolID on each chain.
func (r *Router) SetPeers(call *chain.Call, protocolID models.ProtocolID, chainIDs []uint64, peers []models.Bytes32) error {
	if err := r.requireOperator(call, "set peers"); err != nil {
		return err
	}
	if len(chainIDs) != len(peers) {
		return fmt.Errorf("%w: %d chain ids, %d peers", protocol.ErrLengthMismatch, len(chainIDs), len(peers))
	}

	r.mu.Lock()
	prev := make(map[peerKey]models.Bytes32, len(r.peers))
	for k, v := range r.peers {
		prev[k] = v
	}
	for i, chainID := range chainIDs {
		r.peers[peerKey{protocol: protocolID, chainID: chainID}] = peers[i]
	}
	r.mu.Unlock()
	call.OnRevert(func() {
		r.mu.Lock()
		r.peers = prev
		r.mu.Unlock()
	})
	for i, chainID := range chainIDs {
		call.Emit("PeerSet", "protocol", protocolID.String(), "chain_id", chainID, "peer", peers[i].Hex())
	}
	return nil
}

func (r *Router) SetRegistry(call *chain.Call, registry Registry) error {
	if err := r.requireOperator(call, "set registry"); err != nil {
		return err
	}
	r.mu.Lock()
	prev := r.registry
	r.registry = registry
	r.mu.Unlock()
	call.OnRevert(func() {
		r.mu.Lock()
		r.registry = prev
		r.mu.Unlock()
	})
	call.Emit("RegistrySet", "registry", registry.Address().Hex())
	return nil
}

func (r *Router) Connector(protocolID models.ProtocolID) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connectors[protocolID]
	return conn, ok
}

func (r *Router) Peer(protocolID models.ProtocolID, chainID uint64) (models.Bytes32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[peerKey{protocol: protocolID, chainID: chainID}]
	return peer, ok
}

func (r *Router) requireOperator(call *chain.Call, action string) error {
	if call.Sender != r.operator {
		return fmt.Errorf("%w: %s by %s", protocol.ErrUnauthorized, action, call.Sender.Hex())
	}
	return nil
}
