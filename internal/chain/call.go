package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Call is the execution frame of one contract invocation inside a transaction.
type Call struct {
	ctx   context.Context
	chain *Chain
	tx    *txn

	Sender common.Address
	Self   common.Address
	Origin common.Address
	Value  *uint256.Int
	Parent *Call
}

// Context is the context the enclosing transaction was submitted with.
func (c *Call) Context() context.Context {
	return c.ctx
}

func (c *Call) ChainID() uint64 {
	return c.chain.id
}

func (c *Call) Height() uint64 {
	return c.tx.height
}

// OnRevert registers an undo step; steps run in reverse order when the
// transaction fails.
func (c *Call) OnRevert(fn func()) {
	c.tx.onRevert(fn)
}

// OnCommit registers fn to run once the transaction has been applied and the
// chain is unlocked. Outbound transport messages are released this way.
func (c *Call) OnCommit(fn func()) {
	c.tx.commits = append(c.tx.commits, fn)
}

// Emit appends an event to the transaction log; attrs are slog-style key/value pairs.
func (c *Call) Emit(name string, attrs ...any) {
	c.tx.events = append(c.tx.events, Event{
		ChainID:  c.chain.id,
		Height:   c.tx.height,
		Contract: c.Self,
		Name:     name,
		Attrs:    attrs,
	})
}

func (c *Call) BalanceOf(addr common.Address) *uint256.Int {
	return c.chain.balanceOf(addr)
}

// Transfer moves native currency held by the executing contract.
func (c *Call) Transfer(to common.Address, amount *uint256.Int) error {
	return c.chain.transfer(c.tx, c.Self, to, amount)
}

// Invoke calls the contract at to with value taken from the executing contract.
func (c *Call) Invoke(to common.Address, value *uint256.Int, fn func(*Call) error) error {
	if value == nil {
		value = new(uint256.Int)
	}
	if err := c.chain.transfer(c.tx, c.Self, to, value); err != nil {
		return err
	}
	sub := &Call{
		ctx:    c.ctx,
		chain:  c.chain,
		tx:     c.tx,
		Sender: c.Self,
		Self:   to,
		Origin: c.Origin,
		Value:  value.Clone(),
		Parent: c,
	}
	return fn(sub)
}

// Caller returns the sender of the enclosing frame, i.e. who called the contract that called us.
func (c *Call) Caller() (common.Address, bool) {
	if c.Parent == nil {
		return common.Address{}, false
	}
	return c.Parent.Sender, true
}
