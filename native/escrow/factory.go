package escrow

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"invoicechain/core/events"
)

// RoleFactoryAdmin gates template registration on the factory.
const RoleFactoryAdmin = "ROLE_FACTORY_ADMIN"

// DefaultResolutionRateBps applies to individual resolvers that never
// registered an explicit rate (5%).
const DefaultResolutionRateBps uint32 = 500

// factoryState is the registry surface the factory needs beyond the engine's
// own state: versioned templates per kind, the global creation counter and
// index, resolver rates and role membership.
type factoryState interface {
	ImplementationAdd(kind string, template [20]byte) (uint64, error)
	ImplementationAt(kind string, version uint64) ([20]byte, bool, error)
	ImplementationLatest(kind string) ([20]byte, uint64, bool, error)
	InvoiceCount() (uint64, error)
	InvoiceIndexPut(seq uint64, id [32]byte) error
	InvoiceIndexGet(seq uint64) ([32]byte, bool, error)
	ResolutionRate(resolver [20]byte) (uint32, bool, error)
	SetResolutionRate(resolver [20]byte, rateBps uint32) error
	HasRole(role string, addr [20]byte) bool
}

// CreateParams carries the caller-supplied half of a new instance. The
// factory fills in identity, template, fee policy and the resolver's
// registered rate.
type CreateParams struct {
	Kind    string
	Version *uint64 // nil selects the latest registered version

	Client           [20]byte
	Provider         [20]byte
	ClientReceiver   [20]byte
	ProviderReceiver [20]byte

	ResolverType ResolverType
	Resolver     [20]byte

	Token       string
	Milestones  []*big.Int
	Termination int64
	DetailsURI  string

	RequireVerification bool
}

// Factory mints escrow instances from registered templates. Creation is the
// only way an instance record comes into existence; the factory derives the
// instance id and address, applies the platform fee policy and hands the
// record to the engine for initialisation.
type Factory struct {
	engine   *Engine
	state    factoryState
	emitter  events.Emitter
	address  [20]byte
	feeBps   uint32
	treasury [20]byte
}

// NewFactory wires a factory over the given engine. The factory address
// participates in deterministic address derivation, so it must be stable
// across restarts.
func NewFactory(engine *Engine, address [20]byte) *Factory {
	return &Factory{
		engine:  engine,
		emitter: events.NoopEmitter{},
		address: address,
	}
}

// SetState configures the registry backend.
func (f *Factory) SetState(state factoryState) { f.state = state }

// SetEmitter configures the event emitter. Passing nil resets to no-op.
func (f *Factory) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		f.emitter = events.NoopEmitter{}
		return
	}
	f.emitter = emitter
}

// SetFeePolicy configures the protocol fee skim stamped onto every new
// instance. A zero bps disables the skim.
func (f *Factory) SetFeePolicy(feeBps uint32, treasury [20]byte) error {
	if feeBps > MaxFeeBps {
		return fmt.Errorf("%w: fee bps %d exceeds %d", ErrValidation, feeBps, MaxFeeBps)
	}
	if feeBps > 0 && treasury == ([20]byte{}) {
		return fmt.Errorf("%w: treasury required when fee bps set", ErrValidation)
	}
	f.feeBps = feeBps
	f.treasury = treasury
	return nil
}

// Address returns the factory's own address.
func (f *Factory) Address() [20]byte { return f.address }

func (f *Factory) ready() error {
	if f == nil || f.engine == nil || f.state == nil {
		return errNilState
	}
	return nil
}

// AddImplementation registers a new template version for a kind. Admin role
// only; versions are append-only and start at 0.
func (f *Factory) AddImplementation(caller [20]byte, kind string, template [20]byte) (uint64, error) {
	if err := f.ready(); err != nil {
		return 0, err
	}
	if !f.state.HasRole(RoleFactoryAdmin, caller) {
		return 0, fmt.Errorf("%w: factory admin role required", ErrUnauthorized)
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return 0, fmt.Errorf("%w: implementation kind required", ErrValidation)
	}
	if template == ([20]byte{}) {
		return 0, fmt.Errorf("%w: zero template address", ErrValidation)
	}
	version, err := f.state.ImplementationAdd(kind, template)
	if err != nil {
		return 0, err
	}
	f.emitter.Emit(escrowEvent{evt: NewImplementationAddedEvent(kind, template, version)})
	return version, nil
}

// Implementation resolves a registered template. A nil version selects the
// latest.
func (f *Factory) Implementation(kind string, version *uint64) ([20]byte, uint64, error) {
	if err := f.ready(); err != nil {
		return [20]byte{}, 0, err
	}
	kind = strings.TrimSpace(kind)
	if version == nil {
		template, latest, ok, err := f.state.ImplementationLatest(kind)
		if err != nil {
			return [20]byte{}, 0, err
		}
		if !ok {
			return [20]byte{}, 0, fmt.Errorf("%w: no implementation registered for kind %q", ErrValidation, kind)
		}
		return template, latest, nil
	}
	template, ok, err := f.state.ImplementationAt(kind, *version)
	if err != nil {
		return [20]byte{}, 0, err
	}
	if !ok {
		return [20]byte{}, 0, fmt.Errorf("%w: kind %q has no version %d", ErrValidation, kind, *version)
	}
	return template, *version, nil
}

// PredictDeterministicAddress computes the address a salted creation will
// deploy to, independent of creation order.
func (f *Factory) PredictDeterministicAddress(template [20]byte, salt [32]byte) [20]byte {
	data := make([]byte, 0, 20+32+20)
	data = append(data, template[:]...)
	data = append(data, salt[:]...)
	data = append(data, f.address[:]...)
	hash := ethcrypto.Keccak256(data)
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// sequentialAddress derives the instance address for an unsalted creation
// from the factory address and the creation counter.
func (f *Factory) sequentialAddress(template [20]byte, seq uint64) [20]byte {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	data := make([]byte, 0, 20+20+8)
	data = append(data, f.address[:]...)
	data = append(data, template[:]...)
	data = append(data, seqBuf[:]...)
	hash := ethcrypto.Keccak256(data)
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

func instanceID(address [20]byte) [32]byte {
	var id [32]byte
	copy(id[:], ethcrypto.Keccak256(address[:]))
	return id
}

func (f *Factory) build(params CreateParams, template [20]byte, version uint64, address [20]byte) (*Invoice, error) {
	rate := uint32(0)
	if params.ResolverType == ResolverIndividual {
		registered, ok, err := f.state.ResolutionRate(params.Resolver)
		if err != nil {
			return nil, err
		}
		if ok {
			rate = registered
		} else {
			rate = DefaultResolutionRateBps
		}
	}
	return &Invoice{
		ID:                instanceID(address),
		Address:           address,
		Factory:           f.address,
		Template:          template,
		Version:           version,
		Kind:              strings.TrimSpace(params.Kind),
		Client:            params.Client,
		Provider:          params.Provider,
		ClientReceiver:    params.ClientReceiver,
		ProviderReceiver:  params.ProviderReceiver,
		ResolverType:      params.ResolverType,
		Resolver:          params.Resolver,
		ResolutionRateBps: rate,
		Token:             params.Token,
		Milestones:        params.Milestones,
		Released:          big.NewInt(0),
		Termination:       params.Termination,
		FeeBps:            f.feeBps,
		Treasury:          f.treasury,
		DetailsURI:        params.DetailsURI,
	}, nil
}

func (f *Factory) finalize(inv *Invoice, requireVerification bool) (*Invoice, error) {
	created, err := f.engine.InitInvoice(inv, requireVerification)
	if err != nil {
		return nil, err
	}
	seq, err := f.state.InvoiceCount()
	if err != nil {
		return nil, err
	}
	if err := f.state.InvoiceIndexPut(seq, created.ID); err != nil {
		return nil, err
	}
	f.emitter.Emit(escrowEvent{evt: NewInvoiceCreatedEvent(created, seq)})
	return created, nil
}

// Create mints a new instance from the requested kind and version, deriving
// its address from the creation counter.
func (f *Factory) Create(params CreateParams) (*Invoice, error) {
	if err := f.ready(); err != nil {
		return nil, err
	}
	template, version, err := f.Implementation(params.Kind, params.Version)
	if err != nil {
		return nil, err
	}
	seq, err := f.state.InvoiceCount()
	if err != nil {
		return nil, err
	}
	address := f.sequentialAddress(template, seq)
	inv, err := f.build(params, template, version, address)
	if err != nil {
		return nil, err
	}
	return f.finalize(inv, params.RequireVerification)
}

// CreateDeterministic mints a new instance at the salted address
// PredictDeterministicAddress reports. Reusing a salt for the same template
// collides with the existing record and is rejected.
func (f *Factory) CreateDeterministic(params CreateParams, salt [32]byte) (*Invoice, error) {
	if err := f.ready(); err != nil {
		return nil, err
	}
	template, version, err := f.Implementation(params.Kind, params.Version)
	if err != nil {
		return nil, err
	}
	address := f.PredictDeterministicAddress(template, salt)
	inv, err := f.build(params, template, version, address)
	if err != nil {
		return nil, err
	}
	return f.finalize(inv, params.RequireVerification)
}

// CreateAndDeposit atomically mints an instance and funds it from the
// funder's balance. A native funding amount auto-wraps when the instance's
// main token is the wrapped native.
func (f *Factory) CreateAndDeposit(params CreateParams, funder [20]byte, token string, amount *big.Int) (*Invoice, error) {
	inv, err := f.Create(params)
	if err != nil {
		return nil, err
	}
	if err := f.engine.Deposit(inv.ID, funder, token, amount); err != nil {
		return nil, err
	}
	f.emitter.Emit(escrowEvent{evt: NewEscrowFundedEvent(inv, funder, amount)})
	return inv, nil
}

// UpdateResolutionRate lets a resolver register the rate stamped onto future
// individual-resolver instances. Self-service: callers update only their own
// rate. Existing instances keep the rate they were created with.
func (f *Factory) UpdateResolutionRate(caller [20]byte, rateBps uint32, detailsURI string) error {
	if err := f.ready(); err != nil {
		return err
	}
	if caller == ([20]byte{}) {
		return fmt.Errorf("%w: zero resolver address", ErrValidation)
	}
	if rateBps > MaxResolutionRateBps {
		return fmt.Errorf("%w: resolution rate bps %d exceeds %d", ErrValidation, rateBps, MaxResolutionRateBps)
	}
	if err := f.state.SetResolutionRate(caller, rateBps); err != nil {
		return err
	}
	f.emitter.Emit(escrowEvent{evt: NewResolutionRateUpdatedEvent(caller, rateBps, detailsURI)})
	return nil
}

// ResolutionRate returns a resolver's registered rate, falling back to the
// platform default when none is registered.
func (f *Factory) ResolutionRate(resolver [20]byte) (uint32, error) {
	if err := f.ready(); err != nil {
		return 0, err
	}
	rate, ok, err := f.state.ResolutionRate(resolver)
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultResolutionRateBps, nil
	}
	return rate, nil
}

// InvoiceAt resolves the id minted at the given creation sequence.
func (f *Factory) InvoiceAt(seq uint64) ([32]byte, error) {
	if err := f.ready(); err != nil {
		return [32]byte{}, err
	}
	id, ok, err := f.state.InvoiceIndexGet(seq)
	if err != nil {
		return [32]byte{}, err
	}
	if !ok {
		return [32]byte{}, fmt.Errorf("%w: no invoice at index %d", ErrValidation, seq)
	}
	return id, nil
}

// InvoiceCount returns the number of instances minted so far.
func (f *Factory) InvoiceCount() (uint64, error) {
	if err := f.ready(); err != nil {
		return 0, err
	}
	return f.state.InvoiceCount()
}
