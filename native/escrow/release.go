package escrow

import (
	"fmt"
	"math/big"
)

// Release pays out the milestone currently due. Client only, unlocked. On an
// instance still pending verification the call implicitly verifies it. When
// the current milestone is the last one the entire remaining balance is
// released; once every milestone has been released, any residual balance is
// released as a remainder.
func (e *Engine) Release(id [32]byte, caller [20]byte) error {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	if caller != inv.Client {
		return fmt.Errorf("%w: only the client may release", ErrUnauthorized)
	}
	if inv.Locked {
		return fmt.Errorf("%w: instance locked", ErrState)
	}
	e.markVerified(inv)
	balance, err := e.balanceOf(inv, inv.Token)
	if err != nil {
		return err
	}
	count := uint32(len(inv.Milestones))
	if inv.MilestoneIndex < count {
		index := inv.MilestoneIndex
		amount := cloneBigInt(inv.Milestones[index])
		// On the final milestone any surplus balance rides along with the
		// milestone amount.
		if index == count-1 && balance.Cmp(amount) > 0 {
			amount = cloneBigInt(balance)
		}
		if balance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: balance %s below milestone amount %s", ErrEconomic, balance, amount)
		}
		inv.MilestoneIndex = index + 1
		inv.Released = new(big.Int).Add(inv.Released, amount)
		if err := e.storeInvoice(inv); err != nil {
			return err
		}
		if err := e.payout(inv, inv.ProviderPayout(), inv.Token, amount, true); err != nil {
			return err
		}
		e.emit(NewMilestoneReleasedEvent(inv, index, amount))
		return nil
	}
	// All milestones released: remainder path.
	if balance.Sign() == 0 {
		return fmt.Errorf("%w: zero balance", ErrEconomic)
	}
	inv.Released = new(big.Int).Add(inv.Released, balance)
	if err := e.storeInvoice(inv); err != nil {
		return err
	}
	if err := e.payout(inv, inv.ProviderPayout(), inv.Token, balance, true); err != nil {
		return err
	}
	e.emit(NewRemainderReleasedEvent(inv, balance))
	return nil
}

// ReleaseUpTo sequentially releases every milestone from the current index
// through upTo inclusive in one call.
func (e *Engine) ReleaseUpTo(id [32]byte, caller [20]byte, upTo uint32) error {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	if caller != inv.Client {
		return fmt.Errorf("%w: only the client may release", ErrUnauthorized)
	}
	if inv.Locked {
		return fmt.Errorf("%w: instance locked", ErrState)
	}
	count := uint32(len(inv.Milestones))
	if upTo < inv.MilestoneIndex || upTo >= count {
		return fmt.Errorf("%w: release target %d outside [%d, %d)", ErrValidation, upTo, inv.MilestoneIndex, count)
	}
	balance, err := e.balanceOf(inv, inv.Token)
	if err != nil {
		return err
	}
	total := big.NewInt(0)
	for i := inv.MilestoneIndex; i <= upTo; i++ {
		total.Add(total, inv.Milestones[i])
	}
	if balance.Cmp(total) < 0 {
		return fmt.Errorf("%w: balance %s below required %s", ErrEconomic, balance, total)
	}
	e.markVerified(inv)
	start := inv.MilestoneIndex
	inv.MilestoneIndex = upTo + 1
	inv.Released = new(big.Int).Add(inv.Released, total)
	if err := e.storeInvoice(inv); err != nil {
		return err
	}
	for i := start; i <= upTo; i++ {
		amount := cloneBigInt(inv.Milestones[i])
		if err := e.payout(inv, inv.ProviderPayout(), inv.Token, amount, true); err != nil {
			return err
		}
		e.emit(NewMilestoneReleasedEvent(inv, i, amount))
	}
	return nil
}

// ReleaseTokens behaves exactly as Release for the main token. For any other
// token it sweeps the entire foreign balance to the provider, bypassing
// milestone accounting. Escape hatch for accidental deposits.
func (e *Engine) ReleaseTokens(id [32]byte, caller [20]byte, token string) error {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if normalized == inv.Token {
		return e.Release(id, caller)
	}
	if caller != inv.Client {
		return fmt.Errorf("%w: only the client may release", ErrUnauthorized)
	}
	if inv.Locked {
		return fmt.Errorf("%w: instance locked", ErrState)
	}
	balance, err := e.balanceOf(inv, normalized)
	if err != nil {
		return err
	}
	if balance.Sign() == 0 {
		return fmt.Errorf("%w: zero balance", ErrEconomic)
	}
	if err := e.payout(inv, inv.ProviderPayout(), normalized, balance, true); err != nil {
		return err
	}
	e.emit(NewTokenSweptEvent(inv, normalized, balance))
	return nil
}

// Withdraw returns the entire main-token balance to the client once the
// termination timestamp has passed. Caller-unrestricted. Forces the
// milestone index to the end of the schedule.
func (e *Engine) Withdraw(id [32]byte) error {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	if inv.Locked {
		return fmt.Errorf("%w: instance locked", ErrState)
	}
	if !inv.Terminated(e.now()) {
		return fmt.Errorf("%w: termination not reached", ErrState)
	}
	balance, err := e.balanceOf(inv, inv.Token)
	if err != nil {
		return err
	}
	if balance.Sign() == 0 {
		return fmt.Errorf("%w: zero balance", ErrEconomic)
	}
	inv.MilestoneIndex = uint32(len(inv.Milestones))
	if err := e.storeInvoice(inv); err != nil {
		return err
	}
	if err := e.payout(inv, inv.ClientPayout(), inv.Token, balance, true); err != nil {
		return err
	}
	e.emit(NewWithdrawnEvent(inv, inv.Token, balance))
	return nil
}

// WithdrawTokens behaves as Withdraw for the main token; for a foreign token
// it returns that token's entire balance to the client without touching
// milestone accounting.
func (e *Engine) WithdrawTokens(id [32]byte, token string) error {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	if normalized == inv.Token {
		return e.Withdraw(id)
	}
	if inv.Locked {
		return fmt.Errorf("%w: instance locked", ErrState)
	}
	if !inv.Terminated(e.now()) {
		return fmt.Errorf("%w: termination not reached", ErrState)
	}
	balance, err := e.balanceOf(inv, normalized)
	if err != nil {
		return err
	}
	if balance.Sign() == 0 {
		return fmt.Errorf("%w: zero balance", ErrEconomic)
	}
	if err := e.payout(inv, inv.ClientPayout(), normalized, balance, true); err != nil {
		return err
	}
	e.emit(NewWithdrawnEvent(inv, normalized, balance))
	return nil
}

// Deposit moves tokens from a funder's account into the instance vault. A
// native-asset payment auto-wraps into the wrapped token when that is the
// instance's main token and is rejected otherwise.
func (e *Engine) Deposit(id [32]byte, from [20]byte, token string, amount *big.Int) error {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive", ErrEconomic)
	}
	if normalized == e.nativeSymbol {
		if inv.Token != e.wrappedSymbol {
			return fmt.Errorf("%w: instance does not accept native deposits", ErrValidation)
		}
		// Auto-wrap: the funder's native balance converts 1:1 into the
		// wrapped token held by the instance.
		if err := e.transferToken(from, inv.Address, e.nativeSymbol, amt); err != nil {
			return err
		}
		if err := e.rewrap(inv.Address, amt); err != nil {
			return err
		}
		if err := e.state.EscrowCredit(id, e.wrappedSymbol, amt); err != nil {
			return err
		}
		e.emit(NewNativeWrappedEvent(inv, amt))
		e.emit(NewDepositEvent(inv, from, e.wrappedSymbol, amt))
		return nil
	}
	if err := e.transferToken(from, inv.Address, normalized, amt); err != nil {
		return err
	}
	if err := e.state.EscrowCredit(id, normalized, amt); err != nil {
		return err
	}
	e.emit(NewDepositEvent(inv, from, normalized, amt))
	return nil
}

// rewrap converts an address's native balance into the wrapped token 1:1.
func (e *Engine) rewrap(addr [20]byte, amount *big.Int) error {
	acc, err := e.state.GetAccount(addr[:])
	if err != nil {
		return err
	}
	native := acc.Balance(e.nativeSymbol)
	if native.Cmp(amount) < 0 {
		return fmt.Errorf("%w: insufficient native balance to wrap", ErrEconomic)
	}
	acc.SetBalance(e.nativeSymbol, new(big.Int).Sub(native, amount))
	acc.SetBalance(e.wrappedSymbol, new(big.Int).Add(acc.Balance(e.wrappedSymbol), amount))
	return e.state.PutAccount(addr[:], acc)
}

// WrapNative sweeps any stray native balance sitting on the instance into
// the wrapped token. Works at any time, even when the main token differs; a
// deposit record is only emitted when the wrapped token is the main token.
func (e *Engine) WrapNative(id [32]byte) error {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	acc, err := e.state.GetAccount(inv.Address[:])
	if err != nil {
		return err
	}
	stray := acc.Balance(e.nativeSymbol)
	if stray.Sign() == 0 {
		return fmt.Errorf("%w: zero balance", ErrEconomic)
	}
	if err := e.rewrap(inv.Address, stray); err != nil {
		return err
	}
	if err := e.state.EscrowCredit(id, e.wrappedSymbol, stray); err != nil {
		return err
	}
	e.emit(NewNativeWrappedEvent(inv, stray))
	if inv.Token == e.wrappedSymbol {
		e.emit(NewDepositEvent(inv, inv.Address, e.wrappedSymbol, stray))
	}
	return nil
}
