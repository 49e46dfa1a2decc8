package escrow

import (
	"fmt"
	"math/big"
	"time"

	"invoicechain/core/events"
	"invoicechain/core/types"
)

// engineState is the narrow state surface the escrow engine mutates. The
// concrete implementation lives in core/state; tests provide an in-memory
// mock.
type engineState interface {
	InvoicePut(*Invoice) error
	InvoiceGet(id [32]byte) (*Invoice, bool)
	EscrowCredit(id [32]byte, token string, amt *big.Int) error
	EscrowDebit(id [32]byte, token string, amt *big.Int) error
	EscrowBalance(id [32]byte, token string) (*big.Int, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine wires the invoice state machine with external state and event
// emitters. Public operations are atomic from the caller's perspective: the
// node runs each one inside a state journal and serialises access, so a
// returned error means no effect was applied.
type Engine struct {
	state         engineState
	emitter       events.Emitter
	nowFn         func() int64
	nativeSymbol  string
	wrappedSymbol string
	arbitrators   map[[20]byte]Arbitrator
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter:       events.NoopEmitter{},
		nowFn:         func() int64 { return time.Now().Unix() },
		nativeSymbol:  "NATIVE",
		wrappedSymbol: "WNATIVE",
		arbitrators:   make(map[[20]byte]Arbitrator),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTokens configures the platform's native and wrapped-native symbols used
// by the auto-wrap deposit path.
func (e *Engine) SetTokens(native, wrapped string) error {
	normalizedNative, err := NormalizeToken(native)
	if err != nil {
		return err
	}
	normalizedWrapped, err := NormalizeToken(wrapped)
	if err != nil {
		return err
	}
	e.nativeSymbol = normalizedNative
	e.wrappedSymbol = normalizedWrapped
	return nil
}

// NativeSymbol returns the configured platform native token symbol.
func (e *Engine) NativeSymbol() string { return e.nativeSymbol }

// WrappedSymbol returns the configured wrapped-native token symbol.
func (e *Engine) WrappedSymbol() string { return e.wrappedSymbol }

// SetNowFunc overrides the time source used by the engine. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// RegisterArbitrator binds an arbitration-service capability to the resolver
// address invoices name. Lock/appeal/rule consult this registry for the
// Arbitrator variant.
func (e *Engine) RegisterArbitrator(addr [20]byte, arb Arbitrator) {
	if e.arbitrators == nil {
		e.arbitrators = make(map[[20]byte]Arbitrator)
	}
	e.arbitrators[addr] = arb
}

func (e *Engine) arbitrator(addr [20]byte) (Arbitrator, error) {
	arb, ok := e.arbitrators[addr]
	if !ok || arb == nil {
		return nil, fmt.Errorf("%w: no arbitration service registered for resolver", ErrValidation)
	}
	return arb, nil
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func bpsShare(amount *big.Int, bps uint32) *big.Int {
	share := new(big.Int).Mul(cloneBigInt(amount), new(big.Int).SetUint64(uint64(bps)))
	return share.Div(share, big.NewInt(bpsDenominator))
}

func (e *Engine) loadInvoice(id [32]byte) (*Invoice, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	inv, ok := e.state.InvoiceGet(id)
	if !ok {
		return nil, errInvoiceNotFound
	}
	return inv, nil
}

func (e *Engine) storeInvoice(inv *Invoice) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.InvoicePut(inv)
}

// transferToken moves token balance between ledger accounts. Transfer
// failures are fatal to the enclosing operation; there is no partial
// payment.
func (e *Engine) transferToken(from, to [20]byte, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("%w: negative transfer amount", ErrEconomic)
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	if fromAcc.Balance(normalized).Cmp(amt) < 0 {
		return fmt.Errorf("%w: insufficient %s balance", ErrEconomic, normalized)
	}
	fromAcc.SetBalance(normalized, new(big.Int).Sub(fromAcc.Balance(normalized), amt))
	toAcc.SetBalance(normalized, new(big.Int).Add(toAcc.Balance(normalized), amt))
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// payout sends amount of token from the instance vault to recipient,
// applying the protocol fee split when requested. Resolution paths pass
// applyFee=false; release and withdraw paths pass true.
func (e *Engine) payout(inv *Invoice, recipient [20]byte, token string, amount *big.Int, applyFee bool) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	fee := big.NewInt(0)
	if applyFee && inv.FeeBps > 0 {
		fee = bpsShare(amt, inv.FeeBps)
	}
	net := new(big.Int).Sub(amt, fee)
	if net.Sign() > 0 {
		if err := e.transferToken(inv.Address, recipient, token, net); err != nil {
			return err
		}
	}
	if fee.Sign() > 0 {
		if err := e.transferToken(inv.Address, inv.Treasury, token, fee); err != nil {
			return err
		}
		e.emit(NewFeeTransferEvent(inv, token, fee))
	}
	return e.state.EscrowDebit(inv.ID, token, amt)
}

func (e *Engine) balanceOf(inv *Invoice, token string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.EscrowBalance(inv.ID, token)
}

// InitInvoice performs the one-time initialisation of a new instance record.
// Re-initialisation of an existing id is rejected. The factory is the only
// production caller.
func (e *Engine) InitInvoice(inv *Invoice, requireVerification bool) (*Invoice, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	sanitized, err := SanitizeInvoice(inv)
	if err != nil {
		return nil, err
	}
	if _, exists := e.state.InvoiceGet(sanitized.ID); exists {
		return nil, fmt.Errorf("%w: invoice already initialised", ErrState)
	}
	now := e.now()
	if sanitized.Termination < now {
		return nil, fmt.Errorf("%w: termination before creation time", ErrValidation)
	}
	if sanitized.Termination > now+MaxTerminationDuration {
		return nil, fmt.Errorf("%w: termination exceeds maximum duration", ErrValidation)
	}
	sanitized.CreatedAt = now
	sanitized.MilestoneIndex = 0
	sanitized.Released = big.NewInt(0)
	sanitized.Locked = false
	sanitized.Verified = !requireVerification
	if err := e.storeInvoice(sanitized); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(sanitized))
	if sanitized.ResolverType == ResolverArbitrator {
		e.emit(NewDisputeMetadataEvent(sanitized))
	}
	return sanitized.Clone(), nil
}

// Invoice returns a copy of the stored instance record.
func (e *Engine) Invoice(id [32]byte) (*Invoice, error) {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return nil, err
	}
	return inv.Clone(), nil
}

// Balance returns the instance's current main-token balance.
func (e *Engine) Balance(id [32]byte) (*big.Int, error) {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return nil, err
	}
	return e.balanceOf(inv, inv.Token)
}

// IsFullyFunded reports whether released + balance covers the total owed
// across all milestones.
func (e *Engine) IsFullyFunded(id [32]byte) (bool, error) {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return false, err
	}
	balance, err := e.balanceOf(inv, inv.Token)
	if err != nil {
		return false, err
	}
	funded := new(big.Int).Add(inv.Released, balance)
	return funded.Cmp(inv.TotalOwed()) >= 0, nil
}

// IsFunded reports whether released + balance covers every milestone up to
// and including index i.
func (e *Engine) IsFunded(id [32]byte, i uint32) (bool, error) {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return false, err
	}
	due, err := inv.CumulativeDue(i)
	if err != nil {
		return false, err
	}
	balance, err := e.balanceOf(inv, inv.Token)
	if err != nil {
		return false, err
	}
	funded := new(big.Int).Add(inv.Released, balance)
	return funded.Cmp(due) >= 0, nil
}

// Verify marks the instance verified. Client only. Idempotent: replays
// succeed without re-emitting the record.
func (e *Engine) Verify(id [32]byte, caller [20]byte) error {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	if caller != inv.Client {
		return fmt.Errorf("%w: only the client may verify", ErrUnauthorized)
	}
	if inv.Verified {
		return nil
	}
	inv.Verified = true
	if err := e.storeInvoice(inv); err != nil {
		return err
	}
	e.emit(NewVerifiedEvent(inv))
	return nil
}

// markVerified flips the verification flag as a side effect of a client
// release, emitting the verification record once.
func (e *Engine) markVerified(inv *Invoice) {
	if inv.Verified {
		return
	}
	inv.Verified = true
	e.emit(NewVerifiedEvent(inv))
}

// AddMilestones appends amounts to the milestone schedule. Client or
// provider, unlocked, before termination. An optional details URI updates
// the stored metadata and bumps its revision counter.
func (e *Engine) AddMilestones(id [32]byte, caller [20]byte, amounts []*big.Int, detailsURI string) error {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	if caller != inv.Client && caller != inv.Provider {
		return fmt.Errorf("%w: only client or provider may add milestones", ErrUnauthorized)
	}
	if inv.Locked {
		return fmt.Errorf("%w: instance locked", ErrState)
	}
	if inv.Terminated(e.now()) {
		return fmt.Errorf("%w: instance past termination", ErrState)
	}
	if len(amounts) == 0 {
		return fmt.Errorf("%w: no milestones supplied", ErrValidation)
	}
	if len(inv.Milestones)+len(amounts) > MaxMilestones {
		return fmt.Errorf("%w: milestone count would exceed %d", ErrValidation, MaxMilestones)
	}
	for i, amount := range amounts {
		if amount == nil || amount.Sign() <= 0 {
			return fmt.Errorf("%w: milestone %d amount must be positive", ErrValidation, i)
		}
	}
	for _, amount := range amounts {
		inv.Milestones = append(inv.Milestones, cloneBigInt(amount))
	}
	withDetails := detailsURI != ""
	if withDetails {
		inv.DetailsURI = detailsURI
		inv.MetaVersion++
	}
	if err := e.storeInvoice(inv); err != nil {
		return err
	}
	e.emit(NewMilestonesAddedEvent(inv, amounts))
	if withDetails {
		e.emit(NewDetailsUpdatedEvent(inv))
		e.emit(NewMetadataEvent(inv))
	}
	return nil
}

func (e *Engine) updateAddress(id [32]byte, caller, next [20]byte, pick func(*Invoice) *[20]byte, entitled func(*Invoice) [20]byte, receiver bool) (*Invoice, error) {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return nil, err
	}
	if caller != entitled(inv) {
		return nil, fmt.Errorf("%w: caller not entitled to update", ErrUnauthorized)
	}
	if next == ([20]byte{}) {
		return nil, fmt.Errorf("%w: zero address", ErrValidation)
	}
	if receiver && next == inv.Address {
		return nil, fmt.Errorf("%w: receiver must not be the instance itself", ErrValidation)
	}
	*pick(inv) = next
	if err := e.storeInvoice(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// UpdateClient reassigns the client party. Current client only.
func (e *Engine) UpdateClient(id [32]byte, caller, next [20]byte) error {
	inv, err := e.updateAddress(id, caller, next,
		func(i *Invoice) *[20]byte { return &i.Client },
		func(i *Invoice) [20]byte { return i.Client }, false)
	if err != nil {
		return err
	}
	e.emit(NewAddressUpdatedEvent(EventTypeClientUpdated, inv, next))
	return nil
}

// UpdateProvider reassigns the provider party. Current provider only.
func (e *Engine) UpdateProvider(id [32]byte, caller, next [20]byte) error {
	inv, err := e.updateAddress(id, caller, next,
		func(i *Invoice) *[20]byte { return &i.Provider },
		func(i *Invoice) [20]byte { return i.Provider }, false)
	if err != nil {
		return err
	}
	e.emit(NewAddressUpdatedEvent(EventTypeProviderUpdated, inv, next))
	return nil
}

// UpdateClientReceiver redirects client-side payouts. Client only; the
// instance's own address is rejected.
func (e *Engine) UpdateClientReceiver(id [32]byte, caller, next [20]byte) error {
	inv, err := e.updateAddress(id, caller, next,
		func(i *Invoice) *[20]byte { return &i.ClientReceiver },
		func(i *Invoice) [20]byte { return i.Client }, true)
	if err != nil {
		return err
	}
	e.emit(NewAddressUpdatedEvent(EventTypeClientReceiverUpdated, inv, next))
	return nil
}

// UpdateProviderReceiver redirects provider-side payouts. Provider only; the
// instance's own address is rejected.
func (e *Engine) UpdateProviderReceiver(id [32]byte, caller, next [20]byte) error {
	inv, err := e.updateAddress(id, caller, next,
		func(i *Invoice) *[20]byte { return &i.ProviderReceiver },
		func(i *Invoice) [20]byte { return i.Provider }, true)
	if err != nil {
		return err
	}
	e.emit(NewAddressUpdatedEvent(EventTypeProviderReceiverUpdated, inv, next))
	return nil
}
