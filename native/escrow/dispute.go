package escrow

import (
	"fmt"
	"math/big"
)

// Arbitrator is the external arbitration-service capability consumed by the
// Arbitrator resolver variant. Costs are quoted in the platform's native
// token. Rulings arrive asynchronously through Engine.Rule.
type Arbitrator interface {
	ArbitrationCost(extra []byte) (*big.Int, error)
	CreateDispute(rulingOptions uint64, extra []byte) (uint64, error)
	AppealCost(disputeID uint64, extra []byte) (*big.Int, error)
	Appeal(disputeID uint64, extra []byte) error
}

// NumRulingOptions is the highest ruling an arbitrator may return. Ruling 0
// ("refused to arbitrate") falls back to the even split.
const NumRulingOptions uint64 = 5

// rulingRatio maps a ruling onto a client:provider split of the full
// balance.
func rulingRatio(ruling uint64) (client int64, provider int64, err error) {
	switch ruling {
	case 0:
		return 1, 1, nil
	case 1:
		return 1, 0, nil
	case 2:
		return 3, 1, nil
	case 3:
		return 1, 1, nil
	case 4:
		return 1, 3, nil
	case 5:
		return 0, 1, nil
	default:
		return 0, 0, fmt.Errorf("%w: ruling %d out of range", ErrValidation, ruling)
	}
}

// Lock suspends release/withdraw pending dispute resolution. Client or
// provider, positive balance, before termination, not already locked. The
// Arbitrator variant opens an external dispute, paying the arbitrator's
// quoted fee from the caller's native balance.
func (e *Engine) Lock(id [32]byte, caller [20]byte, detailsURI string) error {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	if caller != inv.Client && caller != inv.Provider {
		return fmt.Errorf("%w: only client or provider may lock", ErrUnauthorized)
	}
	if inv.Locked {
		return fmt.Errorf("%w: already locked", ErrState)
	}
	if inv.Terminated(e.now()) {
		return fmt.Errorf("%w: instance past termination", ErrState)
	}
	balance, err := e.balanceOf(inv, inv.Token)
	if err != nil {
		return err
	}
	if balance.Sign() == 0 {
		return fmt.Errorf("%w: zero balance", ErrEconomic)
	}
	if inv.ResolverType == ResolverArbitrator {
		arb, err := e.arbitrator(inv.Resolver)
		if err != nil {
			return err
		}
		cost, err := arb.ArbitrationCost(nil)
		if err != nil {
			return err
		}
		if cost != nil && cost.Sign() > 0 {
			if err := e.transferToken(caller, inv.Resolver, e.nativeSymbol, cost); err != nil {
				return err
			}
		}
		disputeID, err := arb.CreateDispute(NumRulingOptions, nil)
		if err != nil {
			return err
		}
		inv.DisputeID = disputeID
		inv.EvidenceGroupID = disputeID
	}
	inv.Locked = true
	if err := e.storeInvoice(inv); err != nil {
		return err
	}
	e.emit(NewLockedEvent(inv, caller, detailsURI))
	if inv.ResolverType == ResolverArbitrator {
		e.emit(NewDisputeOpenedEvent(inv))
	}
	return nil
}

// Resolve settles a locked Individual-resolver dispute. The registered
// resolver proposes the split; the awards plus the resolution fee must
// reconstruct the balance exactly.
func (e *Engine) Resolve(id [32]byte, caller [20]byte, clientAward, providerAward *big.Int, detailsURI string) error {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	if inv.ResolverType != ResolverIndividual {
		return fmt.Errorf("%w: resolve requires an individual resolver", ErrState)
	}
	if !inv.Locked {
		return fmt.Errorf("%w: not locked", ErrState)
	}
	if caller != inv.Resolver {
		return fmt.Errorf("%w: only the resolver may resolve", ErrUnauthorized)
	}
	balance, err := e.balanceOf(inv, inv.Token)
	if err != nil {
		return err
	}
	if balance.Sign() == 0 {
		return fmt.Errorf("%w: zero balance", ErrEconomic)
	}
	client := cloneBigInt(clientAward)
	provider := cloneBigInt(providerAward)
	if client.Sign() < 0 || provider.Sign() < 0 {
		return fmt.Errorf("%w: awards must be non-negative", ErrValidation)
	}
	fee := bpsShare(balance, inv.ResolutionRateBps)
	sum := new(big.Int).Add(client, provider)
	sum.Add(sum, fee)
	if sum.Cmp(balance) != 0 {
		return fmt.Errorf("%w: awards %s + %s + fee %s do not reconstruct balance %s", ErrEconomic, client, provider, fee, balance)
	}
	inv.Locked = false
	inv.MilestoneIndex = uint32(len(inv.Milestones))
	inv.Released = new(big.Int).Add(inv.Released, balance)
	if err := e.storeInvoice(inv); err != nil {
		return err
	}
	// Zero legs are skipped; resolution payouts take no protocol fee.
	if err := e.payout(inv, inv.ClientPayout(), inv.Token, client, false); err != nil {
		return err
	}
	if err := e.payout(inv, inv.ProviderPayout(), inv.Token, provider, false); err != nil {
		return err
	}
	if err := e.payout(inv, inv.Resolver, inv.Token, fee, false); err != nil {
		return err
	}
	e.emit(NewResolvedEvent(inv, client, provider, fee, detailsURI))
	return nil
}

// Rule applies the external arbitrator's binding ruling to a locked
// Arbitrator-variant instance. The ruling maps onto a proportional split of
// the full balance; no resolver fee is taken on this path.
func (e *Engine) Rule(id [32]byte, caller [20]byte, disputeID, ruling uint64) error {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	if inv.ResolverType != ResolverArbitrator {
		return fmt.Errorf("%w: rule requires an arbitrator resolver", ErrState)
	}
	if !inv.Locked {
		return fmt.Errorf("%w: not locked", ErrState)
	}
	if caller != inv.Resolver {
		return fmt.Errorf("%w: only the arbitrator may rule", ErrUnauthorized)
	}
	if disputeID != inv.DisputeID {
		return fmt.Errorf("%w: dispute id mismatch", ErrValidation)
	}
	clientRatio, providerRatio, err := rulingRatio(ruling)
	if err != nil {
		return err
	}
	balance, err := e.balanceOf(inv, inv.Token)
	if err != nil {
		return err
	}
	if balance.Sign() == 0 {
		return fmt.Errorf("%w: zero balance", ErrEconomic)
	}
	denom := big.NewInt(clientRatio + providerRatio)
	providerAward := new(big.Int).Mul(balance, big.NewInt(providerRatio))
	providerAward.Div(providerAward, denom)
	clientAward := new(big.Int).Sub(balance, providerAward)
	inv.Locked = false
	inv.MilestoneIndex = uint32(len(inv.Milestones))
	inv.Released = new(big.Int).Add(inv.Released, balance)
	if err := e.storeInvoice(inv); err != nil {
		return err
	}
	if err := e.payout(inv, inv.ClientPayout(), inv.Token, clientAward, false); err != nil {
		return err
	}
	if err := e.payout(inv, inv.ProviderPayout(), inv.Token, providerAward, false); err != nil {
		return err
	}
	e.emit(NewRuledEvent(inv, ruling, clientAward, providerAward))
	return nil
}

// SubmitEvidence records an evidence URI against the instance's evidence
// group. Arbitrator variant, while locked, client or provider only.
func (e *Engine) SubmitEvidence(id [32]byte, caller [20]byte, uri string) error {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	if inv.ResolverType != ResolverArbitrator {
		return fmt.Errorf("%w: evidence requires an arbitrator resolver", ErrState)
	}
	if !inv.Locked {
		return fmt.Errorf("%w: not locked", ErrState)
	}
	if caller != inv.Client && caller != inv.Provider {
		return fmt.Errorf("%w: only client or provider may submit evidence", ErrUnauthorized)
	}
	if uri == "" {
		return fmt.Errorf("%w: evidence uri required", ErrValidation)
	}
	e.emit(NewEvidenceEvent(inv, caller, uri))
	return nil
}

// Appeal escalates the current ruling, forwarding the arbitrator's quoted
// appeal cost from the caller's native balance.
func (e *Engine) Appeal(id [32]byte, caller [20]byte, uri string) error {
	inv, err := e.loadInvoice(id)
	if err != nil {
		return err
	}
	if inv.ResolverType != ResolverArbitrator {
		return fmt.Errorf("%w: appeal requires an arbitrator resolver", ErrState)
	}
	if !inv.Locked {
		return fmt.Errorf("%w: not locked", ErrState)
	}
	if caller != inv.Client && caller != inv.Provider {
		return fmt.Errorf("%w: only client or provider may appeal", ErrUnauthorized)
	}
	arb, err := e.arbitrator(inv.Resolver)
	if err != nil {
		return err
	}
	cost, err := arb.AppealCost(inv.DisputeID, nil)
	if err != nil {
		return err
	}
	if cost != nil && cost.Sign() > 0 {
		if err := e.transferToken(caller, inv.Resolver, e.nativeSymbol, cost); err != nil {
			return err
		}
	}
	if err := arb.Appeal(inv.DisputeID, nil); err != nil {
		return err
	}
	e.emit(NewAppealEvent(inv, caller, uri))
	return nil
}
