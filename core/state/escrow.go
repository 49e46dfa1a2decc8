package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"invoicechain/native/escrow"
)

var (
	invoicePrefix = []byte("escrow:invoice:")
	vaultPrefix   = []byte("escrow:vault:")
	implPrefix    = []byte("escrow:impl:")
	ratePrefix    = []byte("escrow:rate:")
	indexPrefix   = []byte("escrow:index:")
	countKey      = []byte("escrow:count")
)

func invoiceKey(id [32]byte) []byte {
	return append(append([]byte(nil), invoicePrefix...), id[:]...)
}

func vaultKey(id [32]byte, token string) []byte {
	buf := make([]byte, 0, len(vaultPrefix)+32+1+len(token))
	buf = append(buf, vaultPrefix...)
	buf = append(buf, id[:]...)
	buf = append(buf, ':')
	buf = append(buf, token...)
	return buf
}

func implKey(kind string, version uint64) []byte {
	var verBuf [8]byte
	binary.BigEndian.PutUint64(verBuf[:], version)
	buf := make([]byte, 0, len(implPrefix)+len(kind)+1+8)
	buf = append(buf, implPrefix...)
	buf = append(buf, kind...)
	buf = append(buf, ':')
	buf = append(buf, verBuf[:]...)
	return buf
}

func implCountKey(kind string) []byte {
	buf := make([]byte, 0, len(implPrefix)+len(kind)+6)
	buf = append(buf, implPrefix...)
	buf = append(buf, kind...)
	buf = append(buf, ":count"...)
	return buf
}

func rateKey(resolver [20]byte) []byte {
	return append(append([]byte(nil), ratePrefix...), resolver[:]...)
}

func indexKey(seq uint64) []byte {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	return append(append([]byte(nil), indexPrefix...), seqBuf[:]...)
}

// storedInvoice is the RLP shape of an instance record. Signed timestamps
// are widened to uint64 because RLP integers are unsigned.
type storedInvoice struct {
	ID       [32]byte
	Address  [20]byte
	Factory  [20]byte
	Template [20]byte
	Version  uint64
	Kind     string

	Client           [20]byte
	Provider         [20]byte
	ClientReceiver   [20]byte
	ProviderReceiver [20]byte

	ResolverType      uint8
	Resolver          [20]byte
	ResolutionRateBps uint32

	Token          string
	Milestones     []*big.Int
	Released       *big.Int
	MilestoneIndex uint32

	Termination     uint64
	Locked          bool
	DisputeID       uint64
	EvidenceGroupID uint64
	Verified        bool

	FeeBps   uint32
	Treasury [20]byte

	DetailsURI  string
	MetaVersion uint32
	CreatedAt   uint64
}

func toStoredInvoice(inv *escrow.Invoice) *storedInvoice {
	stored := &storedInvoice{
		ID:                inv.ID,
		Address:           inv.Address,
		Factory:           inv.Factory,
		Template:          inv.Template,
		Version:           inv.Version,
		Kind:              inv.Kind,
		Client:            inv.Client,
		Provider:          inv.Provider,
		ClientReceiver:    inv.ClientReceiver,
		ProviderReceiver:  inv.ProviderReceiver,
		ResolverType:      uint8(inv.ResolverType),
		Resolver:          inv.Resolver,
		ResolutionRateBps: inv.ResolutionRateBps,
		Token:             inv.Token,
		Milestones:        inv.Milestones,
		Released:          inv.Released,
		MilestoneIndex:    inv.MilestoneIndex,
		Termination:       uint64(inv.Termination),
		Locked:            inv.Locked,
		DisputeID:         inv.DisputeID,
		EvidenceGroupID:   inv.EvidenceGroupID,
		Verified:          inv.Verified,
		FeeBps:            inv.FeeBps,
		Treasury:          inv.Treasury,
		DetailsURI:        inv.DetailsURI,
		MetaVersion:       inv.MetaVersion,
		CreatedAt:         uint64(inv.CreatedAt),
	}
	if stored.Released == nil {
		stored.Released = big.NewInt(0)
	}
	return stored
}

func (s *storedInvoice) toInvoice() *escrow.Invoice {
	inv := &escrow.Invoice{
		ID:                s.ID,
		Address:           s.Address,
		Factory:           s.Factory,
		Template:          s.Template,
		Version:           s.Version,
		Kind:              s.Kind,
		Client:            s.Client,
		Provider:          s.Provider,
		ClientReceiver:    s.ClientReceiver,
		ProviderReceiver:  s.ProviderReceiver,
		ResolverType:      escrow.ResolverType(s.ResolverType),
		Resolver:          s.Resolver,
		ResolutionRateBps: s.ResolutionRateBps,
		Token:             s.Token,
		Milestones:        s.Milestones,
		Released:          s.Released,
		MilestoneIndex:    s.MilestoneIndex,
		Termination:       int64(s.Termination),
		Locked:            s.Locked,
		DisputeID:         s.DisputeID,
		EvidenceGroupID:   s.EvidenceGroupID,
		Verified:          s.Verified,
		FeeBps:            s.FeeBps,
		Treasury:          s.Treasury,
		DetailsURI:        s.DetailsURI,
		MetaVersion:       s.MetaVersion,
		CreatedAt:         int64(s.CreatedAt),
	}
	if inv.Released == nil {
		inv.Released = big.NewInt(0)
	}
	return inv
}

// EscrowState adapts the manager to the surfaces the escrow engine, factory
// and funding bundler consume: instance records, per-instance token vaults,
// the template registry, resolver rates and the creation index.
type EscrowState struct {
	*Manager
}

// NewEscrowState wraps a manager for escrow use.
func NewEscrowState(m *Manager) *EscrowState {
	return &EscrowState{Manager: m}
}

// InvoicePut persists an instance record.
func (s *EscrowState) InvoicePut(inv *escrow.Invoice) error {
	if inv == nil {
		return fmt.Errorf("state: nil invoice")
	}
	return s.KVPut(invoiceKey(inv.ID), toStoredInvoice(inv))
}

// InvoiceGet loads an instance record. Missing and undecodable records both
// read as absent.
func (s *EscrowState) InvoiceGet(id [32]byte) (*escrow.Invoice, bool) {
	stored := new(storedInvoice)
	ok, err := s.KVGet(invoiceKey(id), stored)
	if err != nil || !ok {
		return nil, false
	}
	return stored.toInvoice(), true
}

// EscrowBalance returns the vault balance an instance holds for a token.
func (s *EscrowState) EscrowBalance(id [32]byte, token string) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := s.KVGet(vaultKey(id, token), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// EscrowCredit adds funds to an instance's token vault.
func (s *EscrowState) EscrowCredit(id [32]byte, token string, amt *big.Int) error {
	if amt == nil || amt.Sign() <= 0 {
		return fmt.Errorf("state: escrow credit must be positive")
	}
	balance, err := s.EscrowBalance(id, token)
	if err != nil {
		return err
	}
	return s.KVPut(vaultKey(id, token), new(big.Int).Add(balance, amt))
}

// EscrowDebit removes funds from an instance's token vault, failing when the
// vault balance is insufficient.
func (s *EscrowState) EscrowDebit(id [32]byte, token string, amt *big.Int) error {
	if amt == nil || amt.Sign() <= 0 {
		return fmt.Errorf("state: escrow debit must be positive")
	}
	balance, err := s.EscrowBalance(id, token)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("state: escrow balance underflow")
	}
	return s.KVPut(vaultKey(id, token), new(big.Int).Sub(balance, amt))
}

// ImplementationAdd appends a template as the next version of a kind.
// Versions start at 0; the stored counter is the number of registered
// versions, so the newest version is always counter minus one.
func (s *EscrowState) ImplementationAdd(kind string, template [20]byte) (uint64, error) {
	var registered uint64
	if _, err := s.KVGet(implCountKey(kind), &registered); err != nil {
		return 0, err
	}
	version := registered
	if err := s.KVPut(implKey(kind, version), template); err != nil {
		return 0, err
	}
	if err := s.KVPut(implCountKey(kind), registered+1); err != nil {
		return 0, err
	}
	return version, nil
}

// ImplementationAt resolves a specific registered version of a kind.
func (s *EscrowState) ImplementationAt(kind string, version uint64) ([20]byte, bool, error) {
	var template [20]byte
	ok, err := s.KVGet(implKey(kind, version), &template)
	if err != nil {
		return [20]byte{}, false, err
	}
	return template, ok, nil
}

// ImplementationLatest resolves the newest registered version of a kind.
func (s *EscrowState) ImplementationLatest(kind string) ([20]byte, uint64, bool, error) {
	var registered uint64
	ok, err := s.KVGet(implCountKey(kind), &registered)
	if err != nil || !ok || registered == 0 {
		return [20]byte{}, 0, false, err
	}
	latest := registered - 1
	template, ok, err := s.ImplementationAt(kind, latest)
	if err != nil || !ok {
		return [20]byte{}, 0, false, err
	}
	return template, latest, true, nil
}

// InvoiceCount returns the number of instances minted so far.
func (s *EscrowState) InvoiceCount() (uint64, error) {
	var count uint64
	if _, err := s.KVGet(countKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// InvoiceIndexPut appends an id at the creation sequence, advancing the
// counter. The sequence must equal the current count.
func (s *EscrowState) InvoiceIndexPut(seq uint64, id [32]byte) error {
	count, err := s.InvoiceCount()
	if err != nil {
		return err
	}
	if seq != count {
		return fmt.Errorf("state: invoice index gap (seq %d, count %d)", seq, count)
	}
	if err := s.KVPut(indexKey(seq), id); err != nil {
		return err
	}
	return s.KVPut(countKey, seq+1)
}

// InvoiceIndexGet resolves the id minted at a creation sequence.
func (s *EscrowState) InvoiceIndexGet(seq uint64) ([32]byte, bool, error) {
	var id [32]byte
	ok, err := s.KVGet(indexKey(seq), &id)
	if err != nil {
		return [32]byte{}, false, err
	}
	return id, ok, nil
}

// ResolutionRate returns a resolver's registered rate and whether one is
// registered.
func (s *EscrowState) ResolutionRate(resolver [20]byte) (uint32, bool, error) {
	var rate uint32
	ok, err := s.KVGet(rateKey(resolver), &rate)
	if err != nil {
		return 0, false, err
	}
	return rate, ok, nil
}

// SetResolutionRate registers a resolver's rate.
func (s *EscrowState) SetResolutionRate(resolver [20]byte, rateBps uint32) error {
	return s.KVPut(rateKey(resolver), rateBps)
}

// HasRole reports role membership for a fixed-size address.
func (s *EscrowState) HasRole(role string, addr [20]byte) bool {
	return s.Manager.HasRole(role, addr[:])
}

// GrantRole assigns a role to a fixed-size address.
func (s *EscrowState) GrantRole(role string, addr [20]byte) error {
	return s.Manager.SetRole(role, addr[:])
}
