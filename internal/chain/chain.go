// Package chain models one ledger: a native-currency bank, a strictly
// serialized transaction stream and an event log. Contracts are plain Go
// values whose mutating methods receive a *Call; a transaction that returns an
// error is reverted through the call journal.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAmountOverflow    = errors.New("amount overflow")
)

type Event struct {
	ChainID  uint64         `json:"chain_id"`
	Height   uint64         `json:"height"`
	Contract common.Address `json:"contract"`
	Name     string         `json:"name"`
	Attrs    []any          `json:"attrs"`
}

type Receipt struct {
	Height uint64
	Events []Event
}

type Chain struct {
	mu       sync.Mutex
	id       uint64
	name     string
	height   uint64
	balances map[common.Address]*uint256.Int
	nonces   map[common.Address]uint64
	events   []Event
	logger   *slog.Logger
}

func New(id uint64, name string, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		id:       id,
		name:     name,
		balances: make(map[common.Address]*uint256.Int),
		nonces:   make(map[common.Address]uint64),
		logger:   logger.With("chain_id", id, "chain", name),
	}
}

func (c *Chain) ID() uint64 {
	return c.id
}

func (c *Chain) Name() string {
	return c.name
}

func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// DeployAddress reserves the next contract address for deployer, the same way
// CREATE derives it from the deployer nonce.
func (c *Chain) DeployAddress(deployer common.Address) common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonce := c.nonces[deployer]
	c.nonces[deployer] = nonce + 1
	return crypto.CreateAddress(deployer, nonce)
}

// Mint credits native currency outside of any transaction (genesis allocation).
func (c *Chain) Mint(to common.Address, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.credit(to, amount)
	return err
}

func (c *Chain) BalanceOf(addr common.Address) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceOf(addr)
}

func (c *Chain) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Transact runs fn as one transaction from an externally owned account to the
// contract at to, moving value first. Either every effect of fn is applied or
// none is.
func (c *Chain) Transact(ctx context.Context, from, to common.Address, value *uint256.Int, fn func(*Call) error) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if value == nil {
		value = new(uint256.Int)
	}

	c.mu.Lock()
	tx := &txn{height: c.height + 1}
	call := &Call{
		ctx:    ctx,
		chain:  c,
		tx:     tx,
		Sender: from,
		Self:   to,
		Origin: from,
		Value:  value.Clone(),
	}
	err := c.transfer(tx, from, to, value)
	if err == nil {
		err = fn(call)
	}
	if err != nil {
		tx.revert()
		c.mu.Unlock()
		c.logger.Debug("transaction reverted", "from", from.Hex(), "to", to.Hex(), "reason", err.Error())
		return Receipt{}, err
	}
	c.height = tx.height
	c.events = append(c.events, tx.events...)
	receipt := Receipt{Height: tx.height, Events: append([]Event(nil), tx.events...)}
	commits := tx.commits
	c.mu.Unlock()

	for _, ev := range receipt.Events {
		c.logger.Info(ev.Name, append([]any{"contract", ev.Contract.Hex(), "height", ev.Height}, ev.Attrs...)...)
	}
	for _, hook := range commits {
		hook()
	}
	return receipt, nil
}

func (c *Chain) balanceOf(addr common.Address) *uint256.Int {
	if bal, ok := c.balances[addr]; ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

func (c *Chain) credit(to common.Address, amount *uint256.Int) (*uint256.Int, error) {
	prev := c.balanceOf(to)
	next, overflow := new(uint256.Int).AddOverflow(prev, amount)
	if overflow {
		return nil, ErrAmountOverflow
	}
	c.balances[to] = next
	return prev, nil
}

func (c *Chain) transfer(tx *txn, from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() || from == to {
		return nil
	}
	fromPrev := c.balanceOf(from)
	if fromPrev.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from.Hex(), fromPrev.Dec(), amount.Dec())
	}
	toPrev, err := c.credit(to, amount)
	if err != nil {
		return err
	}
	c.balances[from] = new(uint256.Int).Sub(fromPrev, amount)
	tx.onRevert(func() {
		c.balances[from] = fromPrev
		c.balances[to] = toPrev
	})
	return nil
}

type txn struct {
	height  uint64
	undo    []func()
	events  []Event
	commits []func()
}

func (t *txn) onRevert(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *txn) revert() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.events = nil
	t.commits = nil
}
