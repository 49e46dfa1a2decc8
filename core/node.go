package core

import (
	"math/big"
	"sync"

	"invoicechain/core/events"
	"invoicechain/core/state"
	"invoicechain/native/escrow"
	"invoicechain/storage"
)

// RoleMinter gates ledger balance minting on the node.
const RoleMinter = "ROLE_MINTER"

// Node owns the storage, state, escrow engine, factory and bundler, and the
// event log. Public operations are serialised by a mutex and executed inside
// a state journal: commit on success, discard on error. Events emitted
// during an operation are staged and only reach the log on commit, so a
// rolled-back operation leaves no observable record. Callers therefore
// observe every operation as atomic and totally ordered.
type Node struct {
	mu sync.Mutex

	db      storage.Database
	state   *state.EscrowState
	engine  *escrow.Engine
	factory *escrow.Factory
	bundler *escrow.FundingBundler
	staged  *events.Buffer
	log     *events.Log
}

// Config carries the node's construction parameters.
type Config struct {
	FactoryAddress [20]byte
	BundlerAddress [20]byte
	NativeSymbol   string
	WrappedSymbol  string
	FeeBps         uint32
	Treasury       [20]byte
}

// NewNode wires a node over the provided database.
func NewNode(db storage.Database, cfg Config) (*Node, error) {
	manager := state.NewManager(db)
	escrowState := state.NewEscrowState(manager)
	log := events.NewLog()
	staged := events.NewBuffer()

	engine := escrow.NewEngine()
	engine.SetState(escrowState)
	engine.SetEmitter(staged)
	if cfg.NativeSymbol != "" || cfg.WrappedSymbol != "" {
		if err := engine.SetTokens(cfg.NativeSymbol, cfg.WrappedSymbol); err != nil {
			return nil, err
		}
	}

	factory := escrow.NewFactory(engine, cfg.FactoryAddress)
	factory.SetState(escrowState)
	factory.SetEmitter(staged)
	if err := factory.SetFeePolicy(cfg.FeeBps, cfg.Treasury); err != nil {
		return nil, err
	}

	bundler := escrow.NewFundingBundler(factory, engine, cfg.BundlerAddress)
	bundler.SetState(escrowState)

	return &Node{
		db:      db,
		state:   escrowState,
		engine:  engine,
		factory: factory,
		bundler: bundler,
		staged:  staged,
		log:     log,
	}, nil
}

// Engine exposes the escrow engine, primarily for arbitrator registration at
// startup.
func (n *Node) Engine() *escrow.Engine { return n.engine }

// Factory exposes the factory for read-only inspection.
func (n *Node) Factory() *escrow.Factory { return n.factory }

// withJournal runs fn inside a state journal under the node mutex. Events
// staged by fn are published only after the journal commits.
func (n *Node) withJournal(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state.Begin()
	if err := fn(); err != nil {
		n.state.Rollback()
		n.staged.Reset()
		return err
	}
	if err := n.state.Commit(); err != nil {
		n.staged.Reset()
		return err
	}
	n.staged.FlushTo(n.log)
	return nil
}

// GrantRole assigns a role to an address. Bootstrap helper used by the
// daemon before serving traffic.
func (n *Node) GrantRole(role string, addr [20]byte) error {
	return n.withJournal(func() error {
		return n.state.GrantRole(role, addr)
	})
}

// Mint credits a ledger balance. Minter role only.
func (n *Node) Mint(caller, to [20]byte, token string, amount *big.Int) error {
	return n.withJournal(func() error {
		if !n.state.HasRole(RoleMinter, caller) {
			return escrow.ErrUnauthorized
		}
		normalized, err := escrow.NormalizeToken(token)
		if err != nil {
			return err
		}
		if amount == nil || amount.Sign() <= 0 {
			return escrow.ErrEconomic
		}
		acc, err := n.state.GetAccount(to[:])
		if err != nil {
			return err
		}
		acc.SetBalance(normalized, new(big.Int).Add(acc.Balance(normalized), amount))
		return n.state.PutAccount(to[:], acc)
	})
}

// Approve sets the allowance an owner grants a spender.
func (n *Node) Approve(owner, spender [20]byte, token string, amount *big.Int) error {
	return n.withJournal(func() error {
		normalized, err := escrow.NormalizeToken(token)
		if err != nil {
			return err
		}
		return n.state.SetAllowance(normalized, owner[:], spender[:], amount)
	})
}

// AddImplementation registers a template version.
func (n *Node) AddImplementation(caller [20]byte, kind string, template [20]byte) (uint64, error) {
	var version uint64
	err := n.withJournal(func() error {
		var err error
		version, err = n.factory.AddImplementation(caller, kind, template)
		return err
	})
	return version, err
}

// Create mints a new escrow instance.
func (n *Node) Create(params escrow.CreateParams) (*escrow.Invoice, error) {
	var inv *escrow.Invoice
	err := n.withJournal(func() error {
		var err error
		inv, err = n.factory.Create(params)
		return err
	})
	return inv, err
}

// CreateDeterministic mints a new instance at a salt-derived address.
func (n *Node) CreateDeterministic(params escrow.CreateParams, salt [32]byte) (*escrow.Invoice, error) {
	var inv *escrow.Invoice
	err := n.withJournal(func() error {
		var err error
		inv, err = n.factory.CreateDeterministic(params, salt)
		return err
	})
	return inv, err
}

// PredictDeterministicAddress computes a salted creation address without
// touching state beyond the template registry. A nil version selects the
// latest registered template.
func (n *Node) PredictDeterministicAddress(kind string, version *uint64, salt [32]byte) ([20]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	template, _, err := n.factory.Implementation(kind, version)
	if err != nil {
		return [20]byte{}, err
	}
	return n.factory.PredictDeterministicAddress(template, salt), nil
}

// CreateAndDeposit mints and funds an instance atomically.
func (n *Node) CreateAndDeposit(params escrow.CreateParams, funder [20]byte, token string, amount *big.Int) (*escrow.Invoice, error) {
	var inv *escrow.Invoice
	err := n.withJournal(func() error {
		var err error
		inv, err = n.factory.CreateAndDeposit(params, funder, token, amount)
		return err
	})
	return inv, err
}

// CreateAndFund mints and funds via the bundler's allowance pull.
func (n *Node) CreateAndFund(params escrow.CreateParams, owner [20]byte, token string, amount *big.Int) (*escrow.Invoice, error) {
	var inv *escrow.Invoice
	err := n.withJournal(func() error {
		var err error
		inv, err = n.bundler.CreateAndFund(params, owner, token, amount)
		return err
	})
	return inv, err
}

// Fund deposits into an existing instance via the bundler's allowance pull.
func (n *Node) Fund(id [32]byte, owner [20]byte, token string, amount *big.Int) error {
	return n.withJournal(func() error {
		return n.bundler.Fund(id, owner, token, amount)
	})
}

// UpdateResolutionRate registers the caller's resolver rate.
func (n *Node) UpdateResolutionRate(caller [20]byte, rateBps uint32, detailsURI string) error {
	return n.withJournal(func() error {
		return n.factory.UpdateResolutionRate(caller, rateBps, detailsURI)
	})
}

// Deposit moves tokens from a funder into an instance vault.
func (n *Node) Deposit(id [32]byte, from [20]byte, token string, amount *big.Int) error {
	return n.withJournal(func() error {
		return n.engine.Deposit(id, from, token, amount)
	})
}

// Release pays out the milestone currently due.
func (n *Node) Release(id [32]byte, caller [20]byte) error {
	return n.withJournal(func() error {
		return n.engine.Release(id, caller)
	})
}

// ReleaseUpTo releases every milestone through upTo inclusive.
func (n *Node) ReleaseUpTo(id [32]byte, caller [20]byte, upTo uint32) error {
	return n.withJournal(func() error {
		return n.engine.ReleaseUpTo(id, caller, upTo)
	})
}

// ReleaseTokens releases the main token or sweeps a foreign one.
func (n *Node) ReleaseTokens(id [32]byte, caller [20]byte, token string) error {
	return n.withJournal(func() error {
		return n.engine.ReleaseTokens(id, caller, token)
	})
}

// Withdraw returns the main-token balance to the client after termination.
func (n *Node) Withdraw(id [32]byte) error {
	return n.withJournal(func() error {
		return n.engine.Withdraw(id)
	})
}

// WithdrawTokens withdraws the main token or a foreign balance after
// termination.
func (n *Node) WithdrawTokens(id [32]byte, token string) error {
	return n.withJournal(func() error {
		return n.engine.WithdrawTokens(id, token)
	})
}

// Lock suspends releases pending dispute resolution.
func (n *Node) Lock(id [32]byte, caller [20]byte, detailsURI string) error {
	return n.withJournal(func() error {
		return n.engine.Lock(id, caller, detailsURI)
	})
}

// Resolve settles an individual-resolver dispute.
func (n *Node) Resolve(id [32]byte, caller [20]byte, clientAward, providerAward *big.Int, detailsURI string) error {
	return n.withJournal(func() error {
		return n.engine.Resolve(id, caller, clientAward, providerAward, detailsURI)
	})
}

// Rule applies an arbitrator ruling.
func (n *Node) Rule(id [32]byte, caller [20]byte, disputeID, ruling uint64) error {
	return n.withJournal(func() error {
		return n.engine.Rule(id, caller, disputeID, ruling)
	})
}

// SubmitEvidence records an evidence URI for a locked dispute.
func (n *Node) SubmitEvidence(id [32]byte, caller [20]byte, uri string) error {
	return n.withJournal(func() error {
		return n.engine.SubmitEvidence(id, caller, uri)
	})
}

// Appeal escalates the current ruling.
func (n *Node) Appeal(id [32]byte, caller [20]byte, uri string) error {
	return n.withJournal(func() error {
		return n.engine.Appeal(id, caller, uri)
	})
}

// AddMilestones appends amounts to the schedule.
func (n *Node) AddMilestones(id [32]byte, caller [20]byte, amounts []*big.Int, detailsURI string) error {
	return n.withJournal(func() error {
		return n.engine.AddMilestones(id, caller, amounts, detailsURI)
	})
}

// Verify marks an instance verified.
func (n *Node) Verify(id [32]byte, caller [20]byte) error {
	return n.withJournal(func() error {
		return n.engine.Verify(id, caller)
	})
}

// UpdateClient reassigns the client party.
func (n *Node) UpdateClient(id [32]byte, caller, next [20]byte) error {
	return n.withJournal(func() error {
		return n.engine.UpdateClient(id, caller, next)
	})
}

// UpdateProvider reassigns the provider party.
func (n *Node) UpdateProvider(id [32]byte, caller, next [20]byte) error {
	return n.withJournal(func() error {
		return n.engine.UpdateProvider(id, caller, next)
	})
}

// UpdateClientReceiver redirects client-side payouts.
func (n *Node) UpdateClientReceiver(id [32]byte, caller, next [20]byte) error {
	return n.withJournal(func() error {
		return n.engine.UpdateClientReceiver(id, caller, next)
	})
}

// UpdateProviderReceiver redirects provider-side payouts.
func (n *Node) UpdateProviderReceiver(id [32]byte, caller, next [20]byte) error {
	return n.withJournal(func() error {
		return n.engine.UpdateProviderReceiver(id, caller, next)
	})
}

// WrapNative sweeps stray native balance on an instance into the wrapped
// token.
func (n *Node) WrapNative(id [32]byte) error {
	return n.withJournal(func() error {
		return n.engine.WrapNative(id)
	})
}

// Invoice returns a copy of the stored instance record.
func (n *Node) Invoice(id [32]byte) (*escrow.Invoice, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Invoice(id)
}

// Balance returns the instance's main-token vault balance.
func (n *Node) Balance(id [32]byte) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.Balance(id)
}

// IsFullyFunded reports whether released plus balance covers the schedule.
func (n *Node) IsFullyFunded(id [32]byte) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.IsFullyFunded(id)
}

// IsFunded reports whether released plus balance covers milestones up to i.
func (n *Node) IsFunded(id [32]byte, i uint32) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.IsFunded(id, i)
}

// Account returns the token balances held by a ledger address.
func (n *Node) Account(addr [20]byte) (map[string]*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	acc, err := n.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	balances := make(map[string]*big.Int, len(acc.Balances))
	for symbol := range acc.Balances {
		balances[symbol] = acc.Balance(symbol)
	}
	return balances, nil
}

// Events returns up to limit recorded events after the given sequence.
func (n *Node) Events(after int64, limit int) []events.Entry {
	return n.log.List(after, limit)
}
