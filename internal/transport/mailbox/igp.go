package mailbox

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/protocol"
)

// GasConfig prices destination gas for one remote domain.
type GasConfig struct {
	GasPrice *uint256.Int
	Overhead uint64
}

// InterchainGasPaymaster sells destination gas for dispatched messages.
type InterchainGasPaymaster struct {
	mu          sync.RWMutex
	address     common.Address
	beneficiary common.Address
	configs     map[uint32]GasConfig
	payments    map[common.Hash]*uint256.Int
}

func NewInterchainGasPaymaster(address, beneficiary common.Address) *InterchainGasPaymaster {
	return &InterchainGasPaymaster{
		address:     address,
		beneficiary: beneficiary,
		configs:     make(map[uint32]GasConfig),
		payments:    make(map[common.Hash]*uint256.Int),
	}
}

func (g *InterchainGasPaymaster) Address() common.Address {
	return g.address
}

func (g *InterchainGasPaymaster) SetDestinationGasConfig(domain uint32, cfg GasConfig) {
	if cfg.GasPrice == nil {
		cfg.GasPrice = new(uint256.Int)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.configs[domain] = GasConfig{GasPrice: cfg.GasPrice.Clone(), Overhead: cfg.Overhead}
}

// QuoteGasPayment is (gasLimit + overhead) * gasPrice for the destination.
func (g *InterchainGasPaymaster) QuoteGasPayment(domain uint32, gasLimit uint64) (*uint256.Int, error) {
	g.mu.RLock()
	cfg, ok := g.configs[domain]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no gas config for domain %d", protocol.ErrUnsupportedChain, domain)
	}
	gas := new(uint256.Int).Add(uint256.NewInt(gasLimit), uint256.NewInt(cfg.Overhead))
	return gas.Mul(gas, cfg.GasPrice), nil
}

// PayForGas charges the quote from call.Value, refunds the excess to refund
// and records the payment against messageID. call.Self must be the paymaster.
func (g *InterchainGasPaymaster) PayForGas(call *chain.Call, messageID common.Hash, domain uint32, gasLimit uint64, refund common.Address) error {
	fee, err := g.QuoteGasPayment(domain, gasLimit)
	if err != nil {
		return err
	}
	paid := call.Value
	if paid == nil {
		paid = new(uint256.Int)
	}
	if paid.Lt(fee) {
		return fmt.Errorf("%w: gas payment %s, paid %s", protocol.ErrInsufficientPayment, fee.Dec(), paid.Dec())
	}
	if err := call.Transfer(g.beneficiary, fee); err != nil {
		return err
	}
	if excess := new(uint256.Int).Sub(paid, fee); !excess.IsZero() {
		if err := call.Transfer(refund, excess); err != nil {
			return err
		}
	}

	g.mu.Lock()
	prev, had := g.payments[messageID]
	total := fee.Clone()
	if had {
		total.Add(total, prev)
	}
	g.payments[messageID] = total
	g.mu.Unlock()
	call.OnRevert(func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if had {
			g.payments[messageID] = prev
			return
		}
		delete(g.payments, messageID)
	})
	call.Emit("GasPayment", "message_id", messageID.Hex(), "destination", domain, "gas_limit", gasLimit, "payment", fee.Dec())
	return nil
}

// Paid returns the total gas payment recorded for messageID.
func (g *InterchainGasPaymaster) Paid(messageID common.Hash) *uint256.Int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.payments[messageID]; ok {
		return p.Clone()
	}
	return new(uint256.Int)
}
