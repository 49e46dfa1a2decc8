package core

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"invoicechain/native/escrow"
	"invoicechain/storage"
)

func nodeAddr(b byte) [20]byte {
	var addr [20]byte
	addr[19] = b
	return addr
}

var (
	nodeAdmin    = nodeAddr(0x01)
	nodeClient   = nodeAddr(0x02)
	nodeProvider = nodeAddr(0x03)
	nodeResolver = nodeAddr(0x04)
	nodeTemplate = nodeAddr(0x05)
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	node, err := NewNode(storage.NewMemDB(), Config{
		FactoryAddress: nodeAddr(0xF0),
		BundlerAddress: nodeAddr(0xF1),
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	for _, role := range []string{escrow.RoleFactoryAdmin, RoleMinter} {
		if err := node.GrantRole(role, nodeAdmin); err != nil {
			t.Fatalf("grant %s: %v", role, err)
		}
	}
	return node
}

func nodeParams(milestones ...int64) escrow.CreateParams {
	amounts := make([]*big.Int, len(milestones))
	for i, m := range milestones {
		amounts[i] = big.NewInt(m)
	}
	return escrow.CreateParams{
		Kind:         "invoice",
		Client:       nodeClient,
		Provider:     nodeProvider,
		ResolverType: escrow.ResolverIndividual,
		Resolver:     nodeResolver,
		Token:        "USDQ",
		Milestones:   amounts,
		Termination:  time.Now().Unix() + 86_400,
	}
}

func TestNodeMintRequiresRole(t *testing.T) {
	node := newTestNode(t)
	if err := node.Mint(nodeClient, nodeClient, "USDQ", big.NewInt(100)); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := node.Mint(nodeAdmin, nodeClient, "USDQ", big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	balances, err := node.Account(nodeClient)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if balances["USDQ"].Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance = %s, want 100", balances["USDQ"])
	}
}

func TestNodeEndToEndFlow(t *testing.T) {
	node := newTestNode(t)
	version, err := node.AddImplementation(nodeAdmin, "invoice", nodeTemplate)
	if err != nil {
		t.Fatalf("add implementation: %v", err)
	}
	if version != 0 {
		t.Fatalf("first implementation version = %d, want 0", version)
	}
	if err := node.Mint(nodeAdmin, nodeClient, "USDQ", big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	inv, err := node.Create(nodeParams(400, 600))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inv.Version != 0 {
		t.Fatalf("created version = %d, want 0", inv.Version)
	}
	if err := node.Deposit(inv.ID, nodeClient, "USDQ", big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	funded, err := node.IsFullyFunded(inv.ID)
	if err != nil || !funded {
		t.Fatalf("isFullyFunded = %v (err=%v), want true", funded, err)
	}

	if err := node.Release(inv.ID, nodeClient); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := node.Release(inv.ID, nodeClient); err != nil {
		t.Fatalf("release second: %v", err)
	}
	balances, _ := node.Account(nodeProvider)
	if balances["USDQ"].Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("provider balance = %s, want 1000", balances["USDQ"])
	}
	stored, err := node.Invoice(inv.ID)
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if stored.MilestoneIndex != 2 {
		t.Fatalf("milestone index = %d, want 2", stored.MilestoneIndex)
	}

	// Every step of the flow left an event behind.
	if len(node.Events(0, 0)) == 0 {
		t.Fatal("expected recorded events")
	}
}

func TestNodeRollsBackFailedOperations(t *testing.T) {
	node := newTestNode(t)
	if _, err := node.AddImplementation(nodeAdmin, "invoice", nodeTemplate); err != nil {
		t.Fatalf("add implementation: %v", err)
	}
	recorded := len(node.Events(0, 0))

	// Funder has nothing; the creation leg must not survive the failed
	// deposit leg.
	inv, err := node.CreateAndDeposit(nodeParams(100), nodeClient, "USDQ", big.NewInt(100))
	if err == nil {
		t.Fatal("expected create-and-deposit to fail")
	}
	if inv != nil {
		t.Fatal("failed operation returned an invoice")
	}
	count, err := node.Factory().InvoiceCount()
	if err != nil {
		t.Fatalf("invoice count: %v", err)
	}
	if count != 0 {
		t.Fatalf("invoice count = %d after rollback, want 0", count)
	}
	// The creation-leg records must not reach the observable log either.
	if got := len(node.Events(0, 0)); got != recorded {
		t.Fatalf("event log grew from %d to %d across a failed operation", recorded, got)
	}
}

func TestNodeFailedReleaseLeavesNoRecords(t *testing.T) {
	node := newTestNode(t)
	if _, err := node.AddImplementation(nodeAdmin, "invoice", nodeTemplate); err != nil {
		t.Fatalf("add implementation: %v", err)
	}
	params := nodeParams(100)
	params.RequireVerification = true
	inv, err := node.Create(params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	recorded := len(node.Events(0, 0))

	// The implicit-verify side effect runs before the balance check; with an
	// empty vault the release fails and must take the verification record
	// down with it.
	if err := node.Release(inv.ID, nodeClient); !errors.Is(err, escrow.ErrEconomic) {
		t.Fatalf("expected economic error, got %v", err)
	}
	if got := len(node.Events(0, 0)); got != recorded {
		t.Fatalf("event log grew from %d to %d across a failed release", recorded, got)
	}
	stored, err := node.Invoice(inv.ID)
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if stored.Verified {
		t.Fatal("verification flag survived a rolled-back release")
	}
}

func TestNodeBundlerFlow(t *testing.T) {
	node := newTestNode(t)
	if _, err := node.AddImplementation(nodeAdmin, "invoice", nodeTemplate); err != nil {
		t.Fatalf("add implementation: %v", err)
	}
	if err := node.Mint(nodeAdmin, nodeClient, "USDQ", big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := node.Approve(nodeClient, nodeAddr(0xF1), "USDQ", big.NewInt(300)); err != nil {
		t.Fatalf("approve: %v", err)
	}

	inv, err := node.CreateAndFund(nodeParams(200), nodeClient, "USDQ", big.NewInt(200))
	if err != nil {
		t.Fatalf("create and fund: %v", err)
	}
	balance, err := node.Balance(inv.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("vault balance = %s, want 200", balance)
	}
	if err := node.Fund(inv.ID, nodeClient, "USDQ", big.NewInt(100)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	// Allowance exhausted.
	if err := node.Fund(inv.ID, nodeClient, "USDQ", big.NewInt(1)); !errors.Is(err, escrow.ErrEconomic) {
		t.Fatalf("expected economic error, got %v", err)
	}
}

func TestNodeDeterministicCreate(t *testing.T) {
	node := newTestNode(t)
	if _, err := node.AddImplementation(nodeAdmin, "invoice", nodeTemplate); err != nil {
		t.Fatalf("add implementation: %v", err)
	}

	var salt [32]byte
	salt[0] = 0x42
	predicted, err := node.PredictDeterministicAddress("invoice", nil, salt)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	inv, err := node.CreateDeterministic(nodeParams(100), salt)
	if err != nil {
		t.Fatalf("create deterministic: %v", err)
	}
	if inv.Address != predicted {
		t.Fatalf("address = %x, want predicted %x", inv.Address, predicted)
	}
	if _, err := node.CreateDeterministic(nodeParams(100), salt); !errors.Is(err, escrow.ErrState) {
		t.Fatalf("expected state error on salt reuse, got %v", err)
	}
}

func TestNodeDisputeFlow(t *testing.T) {
	node := newTestNode(t)
	if _, err := node.AddImplementation(nodeAdmin, "invoice", nodeTemplate); err != nil {
		t.Fatalf("add implementation: %v", err)
	}
	if err := node.Mint(nodeAdmin, nodeClient, "USDQ", big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := node.UpdateResolutionRate(nodeResolver, 0, ""); err != nil {
		t.Fatalf("update rate: %v", err)
	}

	inv, err := node.CreateAndDeposit(nodeParams(1_000), nodeClient, "USDQ", big.NewInt(1_000))
	if err != nil {
		t.Fatalf("create and deposit: %v", err)
	}
	if err := node.Lock(inv.ID, nodeClient, "ipfs://dispute"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := node.Release(inv.ID, nodeClient); !errors.Is(err, escrow.ErrState) {
		t.Fatalf("expected state error while locked, got %v", err)
	}
	if err := node.Resolve(inv.ID, nodeResolver, big.NewInt(300), big.NewInt(700), ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	clientBal, _ := node.Account(nodeClient)
	providerBal, _ := node.Account(nodeProvider)
	if clientBal["USDQ"].Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("client balance = %s, want 300", clientBal["USDQ"])
	}
	if providerBal["USDQ"].Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("provider balance = %s, want 700", providerBal["USDQ"])
	}
}
