package escrow

import (
	"fmt"
	"math/big"
)

// bundlerState exposes the allowance ledger the bundler draws on. An owner
// grants the bundler address an allowance ahead of time; each funding call
// burns allowance before moving any balance.
type bundlerState interface {
	Allowance(token string, owner, spender []byte) (*big.Int, error)
	SpendAllowance(token string, owner, spender []byte, amount *big.Int) error
}

// FundingBundler compresses approve-create-fund flows into single calls. It
// acts as a spender over owner allowances so a client can pre-authorise the
// bundler once and have instances minted and funded on their behalf.
type FundingBundler struct {
	factory *Factory
	engine  *Engine
	state   bundlerState
	address [20]byte
}

// NewFundingBundler wires a bundler over a factory. The bundler address is
// the spender owners grant allowances to.
func NewFundingBundler(factory *Factory, engine *Engine, address [20]byte) *FundingBundler {
	return &FundingBundler{factory: factory, engine: engine, address: address}
}

// SetState configures the allowance backend.
func (b *FundingBundler) SetState(state bundlerState) { b.state = state }

// Address returns the spender address owners approve.
func (b *FundingBundler) Address() [20]byte { return b.address }

func (b *FundingBundler) ready() error {
	if b == nil || b.factory == nil || b.engine == nil || b.state == nil {
		return errNilState
	}
	return nil
}

// spend burns allowance from owner to the bundler. Native funding spends the
// native-symbol allowance even though the deposit lands wrapped.
func (b *FundingBundler) spend(owner [20]byte, token string, amount *big.Int) error {
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("%w: funding amount must be positive", ErrEconomic)
	}
	if err := b.state.SpendAllowance(normalized, owner[:], b.address[:], amt); err != nil {
		return fmt.Errorf("%w: %v", ErrEconomic, err)
	}
	return nil
}

// CreateAndFund mints a new instance and funds it from the owner's balance in
// one call, authorised by the owner's standing allowance to the bundler.
func (b *FundingBundler) CreateAndFund(params CreateParams, owner [20]byte, token string, amount *big.Int) (*Invoice, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	if err := b.spend(owner, token, amount); err != nil {
		return nil, err
	}
	return b.factory.CreateAndDeposit(params, owner, token, amount)
}

// Fund deposits into an existing instance from the owner's balance,
// authorised by allowance.
func (b *FundingBundler) Fund(id [32]byte, owner [20]byte, token string, amount *big.Int) error {
	if err := b.ready(); err != nil {
		return err
	}
	if err := b.spend(owner, token, amount); err != nil {
		return err
	}
	return b.engine.Deposit(id, owner, token, amount)
}

// Remaining reports the unspent allowance an owner still holds toward the
// bundler for a token.
func (b *FundingBundler) Remaining(owner [20]byte, token string) (*big.Int, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	return b.state.Allowance(normalized, owner[:], b.address[:])
}
