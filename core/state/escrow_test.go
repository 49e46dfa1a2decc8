package state

import (
	"math/big"
	"testing"

	"invoicechain/native/escrow"
	"invoicechain/storage"
)

func newTestEscrowState(t *testing.T) *EscrowState {
	t.Helper()
	return NewEscrowState(NewManager(storage.NewMemDB()))
}

func stateAddr(b byte) [20]byte {
	var addr [20]byte
	addr[0] = b
	return addr
}

func stateID(b byte) [32]byte {
	var id [32]byte
	id[0] = b
	return id
}

func TestInvoiceRoundTrip(t *testing.T) {
	s := newTestEscrowState(t)

	inv := &escrow.Invoice{
		ID:                stateID(1),
		Address:           stateAddr(1),
		Factory:           stateAddr(2),
		Template:          stateAddr(3),
		Version:           2,
		Kind:              "invoice",
		Client:            stateAddr(4),
		Provider:          stateAddr(5),
		ProviderReceiver:  stateAddr(6),
		ResolverType:      escrow.ResolverArbitrator,
		Resolver:          stateAddr(7),
		ResolutionRateBps: 250,
		Token:             "USDQ",
		Milestones:        []*big.Int{big.NewInt(10), big.NewInt(20)},
		Released:          big.NewInt(10),
		MilestoneIndex:    1,
		Termination:       1_800_000_000,
		Locked:            true,
		DisputeID:         9,
		EvidenceGroupID:   9,
		Verified:          true,
		FeeBps:            100,
		Treasury:          stateAddr(8),
		DetailsURI:        "ipfs://details",
		MetaVersion:       3,
		CreatedAt:         1_700_000_000,
	}
	if err := s.InvoicePut(inv); err != nil {
		t.Fatalf("put invoice: %v", err)
	}

	loaded, ok := s.InvoiceGet(inv.ID)
	if !ok {
		t.Fatal("stored invoice not found")
	}
	if loaded.Address != inv.Address || loaded.Factory != inv.Factory || loaded.Template != inv.Template {
		t.Fatal("identity fields mismatch")
	}
	if loaded.ResolverType != escrow.ResolverArbitrator || loaded.ResolutionRateBps != 250 {
		t.Fatal("resolver fields mismatch")
	}
	if len(loaded.Milestones) != 2 || loaded.Milestones[1].Cmp(big.NewInt(20)) != 0 {
		t.Fatal("milestones mismatch")
	}
	if loaded.Released.Cmp(big.NewInt(10)) != 0 || loaded.MilestoneIndex != 1 {
		t.Fatal("progress fields mismatch")
	}
	if loaded.Termination != inv.Termination || loaded.CreatedAt != inv.CreatedAt {
		t.Fatal("timestamp fields mismatch")
	}
	if !loaded.Locked || loaded.DisputeID != 9 || !loaded.Verified {
		t.Fatal("dispute fields mismatch")
	}
	if loaded.FeeBps != 100 || loaded.Treasury != inv.Treasury {
		t.Fatal("fee fields mismatch")
	}
	if loaded.DetailsURI != "ipfs://details" || loaded.MetaVersion != 3 {
		t.Fatal("metadata fields mismatch")
	}

	if _, ok := s.InvoiceGet(stateID(99)); ok {
		t.Fatal("missing invoice should report absent")
	}
}

func TestVaultCreditDebit(t *testing.T) {
	s := newTestEscrowState(t)
	id := stateID(1)

	balance, err := s.EscrowBalance(id, "USDQ")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatal("missing vault should read as zero")
	}

	if err := s.EscrowCredit(id, "USDQ", big.NewInt(0)); err == nil {
		t.Fatal("expected error on zero credit")
	}
	if err := s.EscrowCredit(id, "USDQ", big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := s.EscrowCredit(id, "USDQ", big.NewInt(50)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := s.EscrowDebit(id, "USDQ", big.NewInt(120)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	balance, _ = s.EscrowBalance(id, "USDQ")
	if balance.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("balance = %s, want 30", balance)
	}
	if err := s.EscrowDebit(id, "USDQ", big.NewInt(31)); err == nil {
		t.Fatal("expected underflow error")
	}
	// Vaults are scoped per token and per instance.
	other, _ := s.EscrowBalance(id, "ALT")
	if other.Sign() != 0 {
		t.Fatal("token scoping broken")
	}
	other, _ = s.EscrowBalance(stateID(2), "USDQ")
	if other.Sign() != 0 {
		t.Fatal("instance scoping broken")
	}
}

func TestImplementationRegistry(t *testing.T) {
	s := newTestEscrowState(t)

	if _, _, ok, err := s.ImplementationLatest("invoice"); err != nil || ok {
		t.Fatalf("empty registry: ok=%v err=%v", ok, err)
	}

	version, err := s.ImplementationAdd("invoice", stateAddr(1))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if version != 0 {
		t.Fatalf("first version = %d, want 0", version)
	}
	version, err = s.ImplementationAdd("invoice", stateAddr(2))
	if err != nil {
		t.Fatalf("add v2: %v", err)
	}
	if version != 1 {
		t.Fatalf("second version = %d, want 1", version)
	}

	template, ok, err := s.ImplementationAt("invoice", 0)
	if err != nil || !ok || template != stateAddr(1) {
		t.Fatalf("version 0 = %x (ok=%v err=%v)", template, ok, err)
	}
	template, latest, ok, err := s.ImplementationLatest("invoice")
	if err != nil || !ok || template != stateAddr(2) || latest != 1 {
		t.Fatalf("latest = %x/%d (ok=%v err=%v)", template, latest, ok, err)
	}
	if _, ok, _ := s.ImplementationAt("invoice", 2); ok {
		t.Fatal("missing version should report absent")
	}

	// Kinds version independently.
	version, err = s.ImplementationAdd("retainer", stateAddr(3))
	if err != nil || version != 0 {
		t.Fatalf("retainer version = %d (err=%v), want 0", version, err)
	}
}

func TestInvoiceIndex(t *testing.T) {
	s := newTestEscrowState(t)

	count, err := s.InvoiceCount()
	if err != nil || count != 0 {
		t.Fatalf("initial count = %d (err=%v)", count, err)
	}
	if err := s.InvoiceIndexPut(1, stateID(1)); err == nil {
		t.Fatal("expected error on index gap")
	}
	if err := s.InvoiceIndexPut(0, stateID(1)); err != nil {
		t.Fatalf("index put: %v", err)
	}
	if err := s.InvoiceIndexPut(1, stateID(2)); err != nil {
		t.Fatalf("index put: %v", err)
	}
	count, _ = s.InvoiceCount()
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	id, ok, err := s.InvoiceIndexGet(0)
	if err != nil || !ok || id != stateID(1) {
		t.Fatalf("index get 0 = %x (ok=%v err=%v)", id, ok, err)
	}
	if _, ok, _ := s.InvoiceIndexGet(2); ok {
		t.Fatal("missing sequence should report absent")
	}
}

func TestResolutionRateStorage(t *testing.T) {
	s := newTestEscrowState(t)
	resolver := stateAddr(1)

	if _, ok, err := s.ResolutionRate(resolver); err != nil || ok {
		t.Fatalf("unregistered rate: ok=%v err=%v", ok, err)
	}
	if err := s.SetResolutionRate(resolver, 250); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	rate, ok, err := s.ResolutionRate(resolver)
	if err != nil || !ok || rate != 250 {
		t.Fatalf("rate = %d (ok=%v err=%v), want 250", rate, ok, err)
	}
	// A registered zero rate is distinguishable from unset.
	if err := s.SetResolutionRate(resolver, 0); err != nil {
		t.Fatalf("set zero rate: %v", err)
	}
	rate, ok, err = s.ResolutionRate(resolver)
	if err != nil || !ok || rate != 0 {
		t.Fatalf("zero rate = %d (ok=%v err=%v)", rate, ok, err)
	}
}

func TestEscrowStateRoles(t *testing.T) {
	s := newTestEscrowState(t)
	admin := stateAddr(1)
	if s.HasRole(escrow.RoleFactoryAdmin, admin) {
		t.Fatal("ungranted role should read false")
	}
	if err := s.GrantRole(escrow.RoleFactoryAdmin, admin); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !s.HasRole(escrow.RoleFactoryAdmin, admin) {
		t.Fatal("granted role should read true")
	}
}
