package escrow

import (
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"invoicechain/core/events"
	"invoicechain/core/types"
)

type mockState struct {
	invoices map[[32]byte]*Invoice
	vaults   map[string]*big.Int
	accounts map[string]*types.Account
	impls    map[string][][20]byte
	index    map[uint64][32]byte
	count    uint64
	rates    map[[20]byte]uint32
	roles    map[string]map[[20]byte]bool
	allow    map[string]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		invoices: make(map[[32]byte]*Invoice),
		vaults:   make(map[string]*big.Int),
		accounts: make(map[string]*types.Account),
		impls:    make(map[string][][20]byte),
		index:    make(map[uint64][32]byte),
		rates:    make(map[[20]byte]uint32),
		roles:    make(map[string]map[[20]byte]bool),
		allow:    make(map[string]*big.Int),
	}
}

func vaultKeyFor(id [32]byte, token string) string {
	return hex.EncodeToString(id[:]) + ":" + token
}

func (m *mockState) InvoicePut(inv *Invoice) error {
	m.invoices[inv.ID] = inv.Clone()
	return nil
}

func (m *mockState) InvoiceGet(id [32]byte) (*Invoice, bool) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, false
	}
	return inv.Clone(), true
}

func (m *mockState) EscrowCredit(id [32]byte, token string, amt *big.Int) error {
	key := vaultKeyFor(id, token)
	current, ok := m.vaults[key]
	if !ok {
		current = big.NewInt(0)
	}
	m.vaults[key] = new(big.Int).Add(current, amt)
	return nil
}

func (m *mockState) EscrowDebit(id [32]byte, token string, amt *big.Int) error {
	key := vaultKeyFor(id, token)
	current, ok := m.vaults[key]
	if !ok || current.Cmp(amt) < 0 {
		return errors.New("vault underflow")
	}
	m.vaults[key] = new(big.Int).Sub(current, amt)
	return nil
}

func (m *mockState) EscrowBalance(id [32]byte, token string) (*big.Int, error) {
	current, ok := m.vaults[vaultKeyFor(id, token)]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(current), nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	acc, ok := m.accounts[string(addr)]
	if !ok {
		return types.NewAccount(), nil
	}
	return acc.Clone(), nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	m.accounts[string(addr)] = account.Clone()
	return nil
}

func (m *mockState) ImplementationAdd(kind string, template [20]byte) (uint64, error) {
	m.impls[kind] = append(m.impls[kind], template)
	return uint64(len(m.impls[kind]) - 1), nil
}

func (m *mockState) ImplementationAt(kind string, version uint64) ([20]byte, bool, error) {
	list := m.impls[kind]
	if version >= uint64(len(list)) {
		return [20]byte{}, false, nil
	}
	return list[version], true, nil
}

func (m *mockState) ImplementationLatest(kind string) ([20]byte, uint64, bool, error) {
	list := m.impls[kind]
	if len(list) == 0 {
		return [20]byte{}, 0, false, nil
	}
	return list[len(list)-1], uint64(len(list) - 1), true, nil
}

func (m *mockState) InvoiceCount() (uint64, error) { return m.count, nil }

func (m *mockState) InvoiceIndexPut(seq uint64, id [32]byte) error {
	if seq != m.count {
		return errors.New("index gap")
	}
	m.index[seq] = id
	m.count = seq + 1
	return nil
}

func (m *mockState) InvoiceIndexGet(seq uint64) ([32]byte, bool, error) {
	id, ok := m.index[seq]
	return id, ok, nil
}

func (m *mockState) ResolutionRate(resolver [20]byte) (uint32, bool, error) {
	rate, ok := m.rates[resolver]
	return rate, ok, nil
}

func (m *mockState) SetResolutionRate(resolver [20]byte, rateBps uint32) error {
	m.rates[resolver] = rateBps
	return nil
}

func (m *mockState) HasRole(role string, addr [20]byte) bool {
	return m.roles[role][addr]
}

func (m *mockState) grantRole(role string, addr [20]byte) {
	if m.roles[role] == nil {
		m.roles[role] = make(map[[20]byte]bool)
	}
	m.roles[role][addr] = true
}

func (m *mockState) Allowance(token string, owner, spender []byte) (*big.Int, error) {
	current, ok := m.allow[token+":"+string(owner)+":"+string(spender)]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(current), nil
}

func (m *mockState) SetAllowance(token string, owner, spender []byte, amount *big.Int) error {
	m.allow[token+":"+string(owner)+":"+string(spender)] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) SpendAllowance(token string, owner, spender []byte, amount *big.Int) error {
	current, err := m.Allowance(token, owner, spender)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return errors.New("insufficient allowance")
	}
	return m.SetAllowance(token, owner, spender, new(big.Int).Sub(current, amount))
}

func (m *mockState) setBalance(addr [20]byte, token string, amount int64) {
	acc, _ := m.GetAccount(addr[:])
	acc.SetBalance(token, big.NewInt(amount))
	_ = m.PutAccount(addr[:], acc)
}

func (m *mockState) balance(addr [20]byte, token string) *big.Int {
	acc, _ := m.GetAccount(addr[:])
	return acc.Balance(token)
}

func testAddr(b byte) [20]byte {
	var addr [20]byte
	addr[19] = b
	return addr
}

func testID(b byte) [32]byte {
	var id [32]byte
	id[31] = b
	return id
}

const testNow int64 = 1_700_000_000

var (
	client   = testAddr(0x01)
	provider = testAddr(0x02)
	resolver = testAddr(0x03)
	treasury = testAddr(0x04)
	outsider = testAddr(0x05)
)

func newTestEngine(t *testing.T) (*Engine, *mockState, *events.Log) {
	t.Helper()
	state := newMockState()
	log := events.NewLog()
	engine := NewEngine()
	engine.SetState(state)
	engine.SetEmitter(log)
	engine.SetNowFunc(func() int64 { return testNow })
	return engine, state, log
}

func testInvoice(id byte, milestones ...int64) *Invoice {
	amounts := make([]*big.Int, len(milestones))
	for i, m := range milestones {
		amounts[i] = big.NewInt(m)
	}
	return &Invoice{
		ID:           testID(id),
		Address:      testAddr(0xA0 + id),
		Client:       client,
		Provider:     provider,
		ResolverType: ResolverIndividual,
		Resolver:     resolver,
		Token:        "USDQ",
		Milestones:   amounts,
		Termination:  testNow + 86_400,
	}
}

func mustInit(t *testing.T, e *Engine, inv *Invoice) *Invoice {
	t.Helper()
	created, err := e.InitInvoice(inv, false)
	if err != nil {
		t.Fatalf("init invoice: %v", err)
	}
	return created
}

func fund(t *testing.T, e *Engine, state *mockState, inv *Invoice, from [20]byte, amount int64) {
	t.Helper()
	acc, _ := state.GetAccount(from[:])
	acc.SetBalance(inv.Token, new(big.Int).Add(acc.Balance(inv.Token), big.NewInt(amount)))
	if err := state.PutAccount(from[:], acc); err != nil {
		t.Fatalf("put account: %v", err)
	}
	if err := e.Deposit(inv.ID, from, inv.Token, big.NewInt(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func lastEventOfType(log *events.Log, eventType string) (events.Entry, bool) {
	entries := log.List(0, 0)
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == eventType {
			return entries[i], true
		}
	}
	return events.Entry{}, false
}

func countEvents(log *events.Log, eventType string) int {
	total := 0
	for _, entry := range log.List(0, 0) {
		if entry.Type == eventType {
			total++
		}
	}
	return total
}

func TestInitInvoiceValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)

	cases := []struct {
		name   string
		mutate func(*Invoice)
	}{
		{"missing client", func(inv *Invoice) { inv.Client = [20]byte{} }},
		{"missing provider", func(inv *Invoice) { inv.Provider = [20]byte{} }},
		{"missing resolver", func(inv *Invoice) { inv.Resolver = [20]byte{} }},
		{"empty token", func(inv *Invoice) { inv.Token = "  " }},
		{"no milestones", func(inv *Invoice) { inv.Milestones = nil }},
		{"zero milestone", func(inv *Invoice) { inv.Milestones[0] = big.NewInt(0) }},
		{"fee too high", func(inv *Invoice) { inv.FeeBps = MaxFeeBps + 1; inv.Treasury = treasury }},
		{"fee without treasury", func(inv *Invoice) { inv.FeeBps = 100 }},
		{"rate too high", func(inv *Invoice) { inv.ResolutionRateBps = MaxResolutionRateBps + 1 }},
		{"bad resolver type", func(inv *Invoice) { inv.ResolverType = ResolverType(7) }},
		{"termination in the past", func(inv *Invoice) { inv.Termination = testNow - 1 }},
		{"termination too far", func(inv *Invoice) { inv.Termination = testNow + MaxTerminationDuration + 1 }},
	}
	for _, tc := range cases {
		inv := testInvoice(1, 100)
		tc.mutate(inv)
		if _, err := e.InitInvoice(inv, false); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}

	tooMany := make([]*big.Int, MaxMilestones+1)
	for i := range tooMany {
		tooMany[i] = big.NewInt(1)
	}
	inv := testInvoice(1)
	inv.Milestones = tooMany
	if _, err := e.InitInvoice(inv, false); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected milestone cap error, got %v", err)
	}
}

func TestInitInvoiceRejectsReinit(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustInit(t, e, testInvoice(1, 100))
	if _, err := e.InitInvoice(testInvoice(1, 100), false); !errors.Is(err, ErrState) {
		t.Fatalf("expected state error on re-init, got %v", err)
	}
}

func TestMilestoneReleaseFlow(t *testing.T) {
	e, state, log := newTestEngine(t)
	inv := mustInit(t, e, testInvoice(1, 30, 30, 40))
	fund(t, e, state, inv, client, 100)

	for i := 0; i < 3; i++ {
		if err := e.Release(inv.ID, client); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	if got := state.balance(provider, "USDQ"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("provider balance = %s, want 100", got)
	}
	stored, err := e.Invoice(inv.ID)
	if err != nil {
		t.Fatalf("load invoice: %v", err)
	}
	if stored.MilestoneIndex != 3 {
		t.Fatalf("milestone index = %d, want 3", stored.MilestoneIndex)
	}
	if stored.Released.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("released = %s, want 100", stored.Released)
	}
	balance, err := e.Balance(inv.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("vault balance = %s, want 0", balance)
	}
	entry, ok := lastEventOfType(log, EventTypeMilestoneReleased)
	if !ok {
		t.Fatal("expected milestone release event")
	}
	if entry.Attributes["milestoneId"] != "2" {
		t.Fatalf("last milestoneId = %s, want 2", entry.Attributes["milestoneId"])
	}
}

func TestLastMilestoneAbsorbsSurplus(t *testing.T) {
	e, state, _ := newTestEngine(t)
	inv := mustInit(t, e, testInvoice(1, 100))
	fund(t, e, state, inv, client, 130)

	if err := e.Release(inv.ID, client); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := state.balance(provider, "USDQ"); got.Cmp(big.NewInt(130)) != 0 {
		t.Fatalf("provider balance = %s, want 130", got)
	}
}

func TestRemainderDistinctFromInsufficient(t *testing.T) {
	e, state, log := newTestEngine(t)
	inv := mustInit(t, e, testInvoice(1, 100, 50))
	fund(t, e, state, inv, client, 120)

	// First milestone pays; the second is short by 30.
	if err := e.Release(inv.ID, client); err != nil {
		t.Fatalf("release first: %v", err)
	}
	if err := e.Release(inv.ID, client); !errors.Is(err, ErrEconomic) {
		t.Fatalf("expected economic error on short balance, got %v", err)
	}

	fund(t, e, state, inv, client, 30)
	if err := e.Release(inv.ID, client); err != nil {
		t.Fatalf("release second: %v", err)
	}

	// All milestones done; a late deposit releases as remainder.
	fund(t, e, state, inv, client, 25)
	if err := e.Release(inv.ID, client); err != nil {
		t.Fatalf("release remainder: %v", err)
	}
	if _, ok := lastEventOfType(log, EventTypeRemainderReleased); !ok {
		t.Fatal("expected remainder release event")
	}
	if got := state.balance(provider, "USDQ"); got.Cmp(big.NewInt(175)) != 0 {
		t.Fatalf("provider balance = %s, want 175", got)
	}

	// Empty vault with all milestones released is an economic failure.
	if err := e.Release(inv.ID, client); !errors.Is(err, ErrEconomic) {
		t.Fatalf("expected economic error on empty remainder, got %v", err)
	}
}

func TestReleaseUpTo(t *testing.T) {
	e, state, log := newTestEngine(t)
	inv := mustInit(t, e, testInvoice(1, 10, 20, 30, 40))
	fund(t, e, state, inv, client, 60)

	if err := e.ReleaseUpTo(inv.ID, client, 2); err != nil {
		t.Fatalf("release up to 2: %v", err)
	}
	stored, _ := e.Invoice(inv.ID)
	if stored.MilestoneIndex != 3 {
		t.Fatalf("milestone index = %d, want 3", stored.MilestoneIndex)
	}
	if got := state.balance(provider, "USDQ"); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("provider balance = %s, want 60", got)
	}
	if got := countEvents(log, EventTypeMilestoneReleased); got != 3 {
		t.Fatalf("milestone release events = %d, want 3", got)
	}

	if err := e.ReleaseUpTo(inv.ID, client, 1); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error on backward target, got %v", err)
	}
	if err := e.ReleaseUpTo(inv.ID, client, 4); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error on out-of-range target, got %v", err)
	}
	if err := e.ReleaseUpTo(inv.ID, client, 3); !errors.Is(err, ErrEconomic) {
		t.Fatalf("expected economic error on short balance, got %v", err)
	}
}

func TestReleaseAuthorization(t *testing.T) {
	e, state, _ := newTestEngine(t)
	inv := mustInit(t, e, testInvoice(1, 100))
	fund(t, e, state, inv, client, 100)

	for _, caller := range [][20]byte{provider, resolver, outsider} {
		if err := e.Release(inv.ID, caller); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("caller %x: expected unauthorized, got %v", caller, err)
		}
	}
}

func TestForeignTokenSweep(t *testing.T) {
	e, state, log := newTestEngine(t)
	inv := mustInit(t, e, testInvoice(1, 100))

	state.setBalance(outsider, "ALT", 40)
	if err := e.Deposit(inv.ID, outsider, "ALT", big.NewInt(40)); err != nil {
		t.Fatalf("foreign deposit: %v", err)
	}
	if err := e.ReleaseTokens(inv.ID, client, "ALT"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := state.balance(provider, "ALT"); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("provider ALT balance = %s, want 40", got)
	}
	if _, ok := lastEventOfType(log, EventTypeTokenSwept); !ok {
		t.Fatal("expected token swept event")
	}
	// Milestone accounting untouched by the sweep.
	stored, _ := e.Invoice(inv.ID)
	if stored.MilestoneIndex != 0 {
		t.Fatalf("milestone index = %d, want 0", stored.MilestoneIndex)
	}
	if err := e.ReleaseTokens(inv.ID, client, "ALT"); !errors.Is(err, ErrEconomic) {
		t.Fatalf("expected economic error on empty sweep, got %v", err)
	}
}

func TestWithdrawAfterTermination(t *testing.T) {
	e, state, log := newTestEngine(t)
	inv := mustInit(t, e, testInvoice(1, 100, 100))
	fund(t, e, state, inv, client, 60)

	if err := e.Withdraw(inv.ID); !errors.Is(err, ErrState) {
		t.Fatalf("expected state error before termination, got %v", err)
	}
	// Termination is exclusive: exactly at the timestamp still rejects.
	e.SetNowFunc(func() int64 { return inv.Termination })
	if err := e.Withdraw(inv.ID); !errors.Is(err, ErrState) {
		t.Fatalf("expected state error at termination boundary, got %v", err)
	}

	e.SetNowFunc(func() int64 { return inv.Termination + 1 })
	if err := e.Withdraw(inv.ID); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := state.balance(client, "USDQ"); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("client balance = %s, want 60", got)
	}
	stored, _ := e.Invoice(inv.ID)
	if int(stored.MilestoneIndex) != len(stored.Milestones) {
		t.Fatalf("milestone index = %d, want %d", stored.MilestoneIndex, len(stored.Milestones))
	}
	if _, ok := lastEventOfType(log, EventTypeWithdrawn); !ok {
		t.Fatal("expected withdrawn event")
	}
	if err := e.Withdraw(inv.ID); !errors.Is(err, ErrEconomic) {
		t.Fatalf("expected economic error on empty vault, got %v", err)
	}
}

func TestWithdrawTokensForeign(t *testing.T) {
	e, state, _ := newTestEngine(t)
	inv := mustInit(t, e, testInvoice(1, 100))
	state.setBalance(outsider, "ALT", 15)
	if err := e.Deposit(inv.ID, outsider, "ALT", big.NewInt(15)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := e.WithdrawTokens(inv.ID, "ALT"); !errors.Is(err, ErrState) {
		t.Fatalf("expected state error before termination, got %v", err)
	}
	e.SetNowFunc(func() int64 { return inv.Termination + 1 })
	if err := e.WithdrawTokens(inv.ID, "ALT"); err != nil {
		t.Fatalf("withdraw tokens: %v", err)
	}
	if got := state.balance(client, "ALT"); got.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("client ALT balance = %s, want 15", got)
	}
	// Foreign withdrawal leaves milestone accounting untouched.
	stored, _ := e.Invoice(inv.ID)
	if stored.MilestoneIndex != 0 {
		t.Fatalf("milestone index = %d, want 0", stored.MilestoneIndex)
	}
}

func TestNativeDepositAutoWraps(t *testing.T) {
	e, state, log := newTestEngine(t)
	inv := testInvoice(1, 100)
	inv.Token = "WNATIVE"
	created := mustInit(t, e, inv)

	state.setBalance(client, "NATIVE", 80)
	if err := e.Deposit(created.ID, client, "NATIVE", big.NewInt(80)); err != nil {
		t.Fatalf("native deposit: %v", err)
	}
	balance, _ := e.Balance(created.ID)
	if balance.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("vault balance = %s, want 80", balance)
	}
	if _, ok := lastEventOfType(log, EventTypeNativeWrapped); !ok {
		t.Fatal("expected native wrapped event")
	}
	if got := state.balance(client, "NATIVE"); got.Sign() != 0 {
		t.Fatalf("client native balance = %s, want 0", got)
	}
}

func TestNativeDepositRejectedForOtherTokens(t *testing.T) {
	e, state, _ := newTestEngine(t)
	inv := mustInit(t, e, testInvoice(1, 100))
	state.setBalance(client, "NATIVE", 80)
	if err := e.Deposit(inv.ID, client, "NATIVE", big.NewInt(80)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDepositRejectsNonPositiveAmounts(t *testing.T) {
	e, _, _ := newTestEngine(t)
	inv := mustInit(t, e, testInvoice(1, 100))
	if err := e.Deposit(inv.ID, client, "USDQ", big.NewInt(0)); !errors.Is(err, ErrEconomic) {
		t.Fatalf("expected economic error on zero deposit, got %v", err)
	}
	if err := e.Deposit(inv.ID, client, "USDQ", big.NewInt(-5)); !errors.Is(err, ErrEconomic) {
		t.Fatalf("expected economic error on negative deposit, got %v", err)
	}
}

func TestWrapNativeStrayBalance(t *testing.T) {
	e, state, _ := newTestEngine(t)
	inv := testInvoice(1, 100)
	inv.Token = "WNATIVE"
	created := mustInit(t, e, inv)

	state.setBalance(created.Address, "NATIVE", 12)
	if err := e.WrapNative(created.ID); err != nil {
		t.Fatalf("wrap native: %v", err)
	}
	balance, _ := e.Balance(created.ID)
	if balance.Cmp(big.NewInt(12)) != 0 {
		t.Fatalf("vault balance = %s, want 12", balance)
	}
	if err := e.WrapNative(created.ID); !errors.Is(err, ErrEconomic) {
		t.Fatalf("expected economic error with no stray balance, got %v", err)
	}
}

func TestVerifyIdempotent(t *testing.T) {
	e, _, log := newTestEngine(t)
	created, err := e.InitInvoice(testInvoice(1, 100), true)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if created.Verified {
		t.Fatal("instance should start unverified")
	}
	if err := e.Verify(created.ID, provider); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := e.Verify(created.ID, client); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := e.Verify(created.ID, client); err != nil {
		t.Fatalf("verify replay: %v", err)
	}
	if got := countEvents(log, EventTypeVerified); got != 1 {
		t.Fatalf("verified events = %d, want 1", got)
	}
}

func TestReleaseImplicitlyVerifies(t *testing.T) {
	e, state, log := newTestEngine(t)
	created, err := e.InitInvoice(testInvoice(1, 100), true)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	fund(t, e, state, created, client, 100)
	if err := e.Release(created.ID, client); err != nil {
		t.Fatalf("release: %v", err)
	}
	stored, _ := e.Invoice(created.ID)
	if !stored.Verified {
		t.Fatal("release should verify the instance")
	}
	if _, ok := lastEventOfType(log, EventTypeVerified); !ok {
		t.Fatal("expected verified event")
	}
}

func TestAddMilestones(t *testing.T) {
	e, _, log := newTestEngine(t)
	inv := mustInit(t, e, testInvoice(1, 100))

	if err := e.AddMilestones(inv.ID, outsider, []*big.Int{big.NewInt(10)}, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := e.AddMilestones(inv.ID, provider, nil, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error on empty amounts, got %v", err)
	}
	if err := e.AddMilestones(inv.ID, provider, []*big.Int{big.NewInt(0)}, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error on zero amount, got %v", err)
	}

	if err := e.AddMilestones(inv.ID, provider, []*big.Int{big.NewInt(10), big.NewInt(20)}, "ipfs://details-v2"); err != nil {
		t.Fatalf("add milestones: %v", err)
	}
	stored, _ := e.Invoice(inv.ID)
	if len(stored.Milestones) != 3 {
		t.Fatalf("milestones = %d, want 3", len(stored.Milestones))
	}
	if stored.MetaVersion != 1 || stored.DetailsURI != "ipfs://details-v2" {
		t.Fatalf("metadata not updated: version=%d details=%q", stored.MetaVersion, stored.DetailsURI)
	}
	if _, ok := lastEventOfType(log, EventTypeMetadata); !ok {
		t.Fatal("expected metadata event")
	}

	overflow := make([]*big.Int, MaxMilestones)
	for i := range overflow {
		overflow[i] = big.NewInt(1)
	}
	if err := e.AddMilestones(inv.ID, client, overflow, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected milestone cap error, got %v", err)
	}

	e.SetNowFunc(func() int64 { return inv.Termination + 1 })
	if err := e.AddMilestones(inv.ID, client, []*big.Int{big.NewInt(1)}, ""); !errors.Is(err, ErrState) {
		t.Fatalf("expected state error past termination, got %v", err)
	}
}

func TestPartyUpdates(t *testing.T) {
	e, state, log := newTestEngine(t)
	inv := mustInit(t, e, testInvoice(1, 100))

	next := testAddr(0x10)
	if err := e.UpdateClient(inv.ID, provider, next); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := e.UpdateClient(inv.ID, client, [20]byte{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error on zero address, got %v", err)
	}
	if err := e.UpdateClient(inv.ID, client, next); err != nil {
		t.Fatalf("update client: %v", err)
	}
	stored, _ := e.Invoice(inv.ID)
	if stored.Client != next {
		t.Fatal("client not updated")
	}
	entry, ok := lastEventOfType(log, EventTypeClientUpdated)
	if !ok {
		t.Fatal("expected client updated event")
	}
	if entry.Attributes["newAddress"] != hex.EncodeToString(next[:]) {
		t.Fatalf("newAddress = %s", entry.Attributes["newAddress"])
	}

	// Receiver must not be the instance itself.
	if err := e.UpdateProviderReceiver(inv.ID, provider, inv.Address); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	receiver := testAddr(0x11)
	if err := e.UpdateProviderReceiver(inv.ID, provider, receiver); err != nil {
		t.Fatalf("update provider receiver: %v", err)
	}

	// Payouts flow to the receiver, not the provider.
	fund(t, e, state, inv, next, 100)
	if err := e.Release(inv.ID, next); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := state.balance(receiver, "USDQ"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("receiver balance = %s, want 100", got)
	}
	if got := state.balance(provider, "USDQ"); got.Sign() != 0 {
		t.Fatalf("provider balance = %s, want 0", got)
	}
}

func TestFeeSkimOnReleaseAndWithdraw(t *testing.T) {
	e, state, log := newTestEngine(t)
	inv := testInvoice(1, 1_000)
	inv.FeeBps = 250
	inv.Treasury = treasury
	created := mustInit(t, e, inv)
	fund(t, e, state, created, client, 1_000)

	if err := e.Release(created.ID, client); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := state.balance(provider, "USDQ"); got.Cmp(big.NewInt(975)) != 0 {
		t.Fatalf("provider balance = %s, want 975", got)
	}
	if got := state.balance(treasury, "USDQ"); got.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("treasury balance = %s, want 25", got)
	}
	entry, ok := lastEventOfType(log, EventTypeFeeTransfer)
	if !ok {
		t.Fatal("expected fee transfer event")
	}
	if entry.Attributes["amount"] != "25" {
		t.Fatalf("fee amount = %s, want 25", entry.Attributes["amount"])
	}

	// Withdraw path skims the same way.
	fund(t, e, state, created, client, 400)
	e.SetNowFunc(func() int64 { return created.Termination + 1 })
	if err := e.Withdraw(created.ID); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := state.balance(treasury, "USDQ"); got.Cmp(big.NewInt(35)) != 0 {
		t.Fatalf("treasury balance = %s, want 35", got)
	}
	if got := state.balance(client, "USDQ"); got.Cmp(big.NewInt(390)) != 0 {
		t.Fatalf("client balance = %s, want 390", got)
	}
}

func TestFundingQueries(t *testing.T) {
	e, state, _ := newTestEngine(t)
	inv := mustInit(t, e, testInvoice(1, 50, 50))

	funded, err := e.IsFullyFunded(inv.ID)
	if err != nil {
		t.Fatalf("isFullyFunded: %v", err)
	}
	if funded {
		t.Fatal("unfunded instance reported funded")
	}
	fund(t, e, state, inv, client, 50)
	if funded, _ := e.IsFunded(inv.ID, 0); !funded {
		t.Fatal("first milestone should be funded")
	}
	if funded, _ := e.IsFunded(inv.ID, 1); funded {
		t.Fatal("second milestone should not be funded")
	}
	fund(t, e, state, inv, client, 50)
	if funded, _ := e.IsFullyFunded(inv.ID); !funded {
		t.Fatal("instance should be fully funded")
	}

	// Released amounts keep counting toward funding.
	if err := e.Release(inv.ID, client); err != nil {
		t.Fatalf("release: %v", err)
	}
	if funded, _ := e.IsFullyFunded(inv.ID); !funded {
		t.Fatal("released amounts should count toward funding")
	}
	if _, err := e.IsFunded(inv.ID, 5); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error on bad index, got %v", err)
	}
}
