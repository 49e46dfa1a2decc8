package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// ResolverType selects the dispute-resolution variant wired into an invoice.
type ResolverType uint8

const (
	// ResolverIndividual is a named trusted party who resolves a locked
	// dispute by proposing a split directly.
	ResolverIndividual ResolverType = iota
	// ResolverArbitrator is an external ruling service issuing a binding
	// ruling after an evidence/appeal process.
	ResolverArbitrator
)

// Valid reports whether the resolver type is within the supported range.
func (r ResolverType) Valid() bool {
	switch r {
	case ResolverIndividual, ResolverArbitrator:
		return true
	default:
		return false
	}
}

func (r ResolverType) String() string {
	switch r {
	case ResolverIndividual:
		return "individual"
	case ResolverArbitrator:
		return "arbitrator"
	default:
		return fmt.Sprintf("resolver(%d)", uint8(r))
	}
}

// ParseResolverType maps the canonical lowercase names back to the enum.
func ParseResolverType(s string) (ResolverType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "individual":
		return ResolverIndividual, nil
	case "arbitrator":
		return ResolverArbitrator, nil
	default:
		return 0, fmt.Errorf("%w: unsupported resolver type %q", ErrValidation, s)
	}
}

const (
	// MaxMilestones bounds the milestone list for a single invoice.
	MaxMilestones = 50
	// MaxTerminationDuration is the furthest a termination timestamp may sit
	// past the creation time (two years in seconds).
	MaxTerminationDuration int64 = 63_072_000
	// MaxFeeBps caps the protocol fee skim.
	MaxFeeBps uint32 = 1_000
	// MaxResolutionRateBps caps an individual resolver's fee rate.
	MaxResolutionRateBps uint32 = 10_000
	// bpsDenominator converts basis points into fractions.
	bpsDenominator int64 = 10_000
)

// Invoice is the per-instance escrow record: the state half of the
// clone-based deployment model. The engine is the shared behaviour module;
// every invoice is an independently stored record that never references
// another instance.
type Invoice struct {
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

	ResolverType      ResolverType
	Resolver          [20]byte
	ResolutionRateBps uint32

	Token      string
	Milestones []*big.Int
	Released   *big.Int
	// MilestoneIndex is the next milestone due for release. Monotonically
	// non-decreasing, never exceeds len(Milestones).
	MilestoneIndex uint32

	Termination int64
	Locked      bool
	DisputeID   uint64
	// EvidenceGroupID keys evidence and appeal records for the arbitrator
	// variant.
	EvidenceGroupID uint64
	Verified        bool

	FeeBps   uint32
	Treasury [20]byte

	DetailsURI  string
	MetaVersion uint32
	CreatedAt   int64
}

// Clone returns a deep copy of the invoice so callers can safely mutate the
// copy without affecting the stored instance.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	clone := *inv
	if inv.Released != nil {
		clone.Released = new(big.Int).Set(inv.Released)
	} else {
		clone.Released = big.NewInt(0)
	}
	if len(inv.Milestones) > 0 {
		clone.Milestones = make([]*big.Int, len(inv.Milestones))
		for i, amount := range inv.Milestones {
			if amount != nil {
				clone.Milestones[i] = new(big.Int).Set(amount)
			} else {
				clone.Milestones[i] = big.NewInt(0)
			}
		}
	}
	return &clone
}

// TotalOwed returns the sum of all milestone amounts.
func (inv *Invoice) TotalOwed() *big.Int {
	total := big.NewInt(0)
	if inv == nil {
		return total
	}
	for _, amount := range inv.Milestones {
		if amount != nil {
			total.Add(total, amount)
		}
	}
	return total
}

// CumulativeDue returns the sum of milestone amounts for indexes [0, i].
func (inv *Invoice) CumulativeDue(i uint32) (*big.Int, error) {
	if inv == nil || int(i) >= len(inv.Milestones) {
		return nil, fmt.Errorf("%w: milestone index out of range", ErrValidation)
	}
	total := big.NewInt(0)
	for idx := 0; idx <= int(i); idx++ {
		if inv.Milestones[idx] != nil {
			total.Add(total, inv.Milestones[idx])
		}
	}
	return total, nil
}

// ProviderPayout is the address provider-side releases are paid to.
func (inv *Invoice) ProviderPayout() [20]byte {
	if inv.ProviderReceiver != ([20]byte{}) {
		return inv.ProviderReceiver
	}
	return inv.Provider
}

// ClientPayout is the address client-side withdrawals are paid to.
func (inv *Invoice) ClientPayout() [20]byte {
	if inv.ClientReceiver != ([20]byte{}) {
		return inv.ClientReceiver
	}
	return inv.Client
}

// Terminated reports whether the termination timestamp has passed.
func (inv *Invoice) Terminated(now int64) bool {
	return now > inv.Termination
}

// NormalizeToken canonicalises a token symbol. Any non-empty symbol is
// accepted; instances can receive foreign tokens that later get swept.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("%w: token symbol must not be empty", ErrValidation)
	}
	return trimmed, nil
}

// SanitizeInvoice validates and normalises the supplied invoice, returning a
// cloned instance with canonical token casing and non-nil amount fields. The
// function does not mutate the original value.
func SanitizeInvoice(inv *Invoice) (*Invoice, error) {
	if inv == nil {
		return nil, fmt.Errorf("%w: nil invoice", ErrValidation)
	}
	clone := inv.Clone()
	token, err := NormalizeToken(clone.Token)
	if err != nil {
		return nil, err
	}
	clone.Token = token
	if clone.Client == ([20]byte{}) {
		return nil, fmt.Errorf("%w: client address required", ErrValidation)
	}
	if clone.Provider == ([20]byte{}) {
		return nil, fmt.Errorf("%w: provider address required", ErrValidation)
	}
	if clone.Resolver == ([20]byte{}) {
		return nil, fmt.Errorf("%w: resolver address required", ErrValidation)
	}
	if !clone.ResolverType.Valid() {
		return nil, fmt.Errorf("%w: unsupported resolver type %d", ErrValidation, clone.ResolverType)
	}
	if len(clone.Milestones) == 0 {
		return nil, fmt.Errorf("%w: milestone list must not be empty", ErrValidation)
	}
	if len(clone.Milestones) > MaxMilestones {
		return nil, fmt.Errorf("%w: milestone count %d exceeds %d", ErrValidation, len(clone.Milestones), MaxMilestones)
	}
	for i, amount := range clone.Milestones {
		if amount == nil || amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: milestone %d amount must be positive", ErrValidation, i)
		}
	}
	if int(clone.MilestoneIndex) > len(clone.Milestones) {
		return nil, fmt.Errorf("%w: milestone index out of range", ErrValidation)
	}
	if clone.Released.Sign() < 0 {
		return nil, fmt.Errorf("%w: released total must be non-negative", ErrValidation)
	}
	if clone.FeeBps > MaxFeeBps {
		return nil, fmt.Errorf("%w: fee bps %d exceeds %d", ErrValidation, clone.FeeBps, MaxFeeBps)
	}
	if clone.FeeBps > 0 && clone.Treasury == ([20]byte{}) {
		return nil, fmt.Errorf("%w: treasury required when fee bps set", ErrValidation)
	}
	if clone.ResolutionRateBps > MaxResolutionRateBps {
		return nil, fmt.Errorf("%w: resolution rate bps %d exceeds %d", ErrValidation, clone.ResolutionRateBps, MaxResolutionRateBps)
	}
	clone.DetailsURI = strings.TrimSpace(clone.DetailsURI)
	clone.Kind = strings.TrimSpace(clone.Kind)
	return clone, nil
}
