package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"invoicechain/core/types"
)

const (
	EventTypeCreated                 = "escrow.created"
	EventTypeDisputeMetadata         = "escrow.disputeMetadata"
	EventTypeVerified                = "escrow.verified"
	EventTypeMilestoneReleased       = "escrow.milestoneReleased"
	EventTypeRemainderReleased       = "escrow.remainderReleased"
	EventTypeTokenSwept              = "escrow.tokenSwept"
	EventTypeWithdrawn               = "escrow.withdrawn"
	EventTypeLocked                  = "escrow.locked"
	EventTypeDisputeOpened           = "escrow.disputeOpened"
	EventTypeResolved                = "escrow.resolved"
	EventTypeRuled                   = "escrow.ruled"
	EventTypeEvidence                = "escrow.evidence"
	EventTypeAppeal                  = "escrow.appeal"
	EventTypeMilestonesAdded         = "escrow.milestonesAdded"
	EventTypeDetailsUpdated          = "escrow.detailsUpdated"
	EventTypeMetadata                = "escrow.metadata"
	EventTypeClientUpdated           = "escrow.clientUpdated"
	EventTypeProviderUpdated         = "escrow.providerUpdated"
	EventTypeClientReceiverUpdated   = "escrow.clientReceiverUpdated"
	EventTypeProviderReceiverUpdated = "escrow.providerReceiverUpdated"
	EventTypeDeposit                 = "escrow.deposit"
	EventTypeNativeWrapped           = "escrow.nativeWrapped"
	EventTypeFeeTransfer             = "escrow.feeTransfer"
	EventTypeImplementationAdded     = "factory.implementationAdded"
	EventTypeInvoiceCreated          = "factory.invoiceCreated"
	EventTypeEscrowFunded            = "factory.escrowFunded"
	EventTypeResolutionRateUpdated   = "factory.resolutionRateUpdated"
)

func baseAttributes(inv *Invoice) map[string]string {
	attrs := make(map[string]string)
	if inv == nil {
		return attrs
	}
	attrs["id"] = hex.EncodeToString(inv.ID[:])
	attrs["address"] = hex.EncodeToString(inv.Address[:])
	attrs["token"] = inv.Token
	return attrs
}

func newInvoiceEvent(eventType string, inv *Invoice) *types.Event {
	return &types.Event{Type: eventType, Attributes: baseAttributes(inv)}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// NewCreatedEvent is the canonical init record for a new instance.
func NewCreatedEvent(inv *Invoice) *types.Event {
	evt := newInvoiceEvent(EventTypeCreated, inv)
	evt.Attributes["client"] = hex.EncodeToString(inv.Client[:])
	evt.Attributes["provider"] = hex.EncodeToString(inv.Provider[:])
	evt.Attributes["resolver"] = hex.EncodeToString(inv.Resolver[:])
	evt.Attributes["resolverType"] = inv.ResolverType.String()
	evt.Attributes["resolutionRateBps"] = strconv.FormatUint(uint64(inv.ResolutionRateBps), 10)
	evt.Attributes["milestones"] = strconv.Itoa(len(inv.Milestones))
	evt.Attributes["total"] = amountString(inv.TotalOwed())
	evt.Attributes["termination"] = strconv.FormatInt(inv.Termination, 10)
	evt.Attributes["feeBps"] = strconv.FormatUint(uint64(inv.FeeBps), 10)
	evt.Attributes["kind"] = inv.Kind
	evt.Attributes["version"] = strconv.FormatUint(inv.Version, 10)
	evt.Attributes["verified"] = strconv.FormatBool(inv.Verified)
	if strings.TrimSpace(inv.DetailsURI) != "" {
		evt.Attributes["details"] = inv.DetailsURI
	}
	return evt
}

// NewDisputeMetadataEvent carries the arbitration metadata indexers need for
// the Arbitrator variant.
func NewDisputeMetadataEvent(inv *Invoice) *types.Event {
	evt := newInvoiceEvent(EventTypeDisputeMetadata, inv)
	evt.Attributes["arbitrator"] = hex.EncodeToString(inv.Resolver[:])
	evt.Attributes["rulingOptions"] = strconv.FormatUint(NumRulingOptions, 10)
	if strings.TrimSpace(inv.DetailsURI) != "" {
		evt.Attributes["details"] = inv.DetailsURI
	}
	return evt
}

// NewVerifiedEvent records the one-time verification transition.
func NewVerifiedEvent(inv *Invoice) *types.Event {
	evt := newInvoiceEvent(EventTypeVerified, inv)
	evt.Attributes["client"] = hex.EncodeToString(inv.Client[:])
	return evt
}

// NewMilestoneReleasedEvent records the payout of a single milestone.
func NewMilestoneReleasedEvent(inv *Invoice, index uint32, amount *big.Int) *types.Event {
	evt := newInvoiceEvent(EventTypeMilestoneReleased, inv)
	evt.Attributes["milestoneId"] = strconv.FormatUint(uint64(index), 10)
	evt.Attributes["amount"] = amountString(amount)
	return evt
}

// NewRemainderReleasedEvent records a residual-balance payout after all
// milestones released.
func NewRemainderReleasedEvent(inv *Invoice, amount *big.Int) *types.Event {
	evt := newInvoiceEvent(EventTypeRemainderReleased, inv)
	evt.Attributes["amount"] = amountString(amount)
	return evt
}

// NewTokenSweptEvent records a foreign-token sweep to the provider.
func NewTokenSweptEvent(inv *Invoice, token string, amount *big.Int) *types.Event {
	evt := newInvoiceEvent(EventTypeTokenSwept, inv)
	evt.Attributes["sweptToken"] = token
	evt.Attributes["amount"] = amountString(amount)
	return evt
}

// NewWithdrawnEvent records a post-termination withdrawal to the client.
func NewWithdrawnEvent(inv *Invoice, token string, amount *big.Int) *types.Event {
	evt := newInvoiceEvent(EventTypeWithdrawn, inv)
	evt.Attributes["withdrawnToken"] = token
	evt.Attributes["amount"] = amountString(amount)
	return evt
}

// NewLockedEvent records a dispute lock.
func NewLockedEvent(inv *Invoice, caller [20]byte, detailsURI string) *types.Event {
	evt := newInvoiceEvent(EventTypeLocked, inv)
	evt.Attributes["caller"] = hex.EncodeToString(caller[:])
	if strings.TrimSpace(detailsURI) != "" {
		evt.Attributes["details"] = detailsURI
	}
	return evt
}

// NewDisputeOpenedEvent records the external dispute opened for an
// Arbitrator-variant lock.
func NewDisputeOpenedEvent(inv *Invoice) *types.Event {
	evt := newInvoiceEvent(EventTypeDisputeOpened, inv)
	evt.Attributes["disputeId"] = strconv.FormatUint(inv.DisputeID, 10)
	evt.Attributes["evidenceGroupId"] = strconv.FormatUint(inv.EvidenceGroupID, 10)
	evt.Attributes["arbitrator"] = hex.EncodeToString(inv.Resolver[:])
	return evt
}

// NewResolvedEvent records an individual-resolver settlement.
func NewResolvedEvent(inv *Invoice, clientAward, providerAward, fee *big.Int, detailsURI string) *types.Event {
	evt := newInvoiceEvent(EventTypeResolved, inv)
	evt.Attributes["clientAward"] = amountString(clientAward)
	evt.Attributes["providerAward"] = amountString(providerAward)
	evt.Attributes["resolutionFee"] = amountString(fee)
	if strings.TrimSpace(detailsURI) != "" {
		evt.Attributes["details"] = detailsURI
	}
	return evt
}

// NewRuledEvent records an arbitrator ruling and the resulting split.
func NewRuledEvent(inv *Invoice, ruling uint64, clientAward, providerAward *big.Int) *types.Event {
	evt := newInvoiceEvent(EventTypeRuled, inv)
	evt.Attributes["disputeId"] = strconv.FormatUint(inv.DisputeID, 10)
	evt.Attributes["ruling"] = strconv.FormatUint(ruling, 10)
	evt.Attributes["clientAward"] = amountString(clientAward)
	evt.Attributes["providerAward"] = amountString(providerAward)
	return evt
}

// NewEvidenceEvent keys a submitted evidence URI by the stored evidence
// group.
func NewEvidenceEvent(inv *Invoice, submitter [20]byte, uri string) *types.Event {
	evt := newInvoiceEvent(EventTypeEvidence, inv)
	evt.Attributes["arbitrator"] = hex.EncodeToString(inv.Resolver[:])
	evt.Attributes["evidenceGroupId"] = strconv.FormatUint(inv.EvidenceGroupID, 10)
	evt.Attributes["submitter"] = hex.EncodeToString(submitter[:])
	evt.Attributes["uri"] = uri
	return evt
}

// NewAppealEvent records an appeal against the current ruling.
func NewAppealEvent(inv *Invoice, submitter [20]byte, uri string) *types.Event {
	evt := newInvoiceEvent(EventTypeAppeal, inv)
	evt.Attributes["disputeId"] = strconv.FormatUint(inv.DisputeID, 10)
	evt.Attributes["evidenceGroupId"] = strconv.FormatUint(inv.EvidenceGroupID, 10)
	evt.Attributes["submitter"] = hex.EncodeToString(submitter[:])
	if strings.TrimSpace(uri) != "" {
		evt.Attributes["uri"] = uri
	}
	return evt
}

// NewMilestonesAddedEvent records appended milestone amounts.
func NewMilestonesAddedEvent(inv *Invoice, added []*big.Int) *types.Event {
	evt := newInvoiceEvent(EventTypeMilestonesAdded, inv)
	evt.Attributes["added"] = strconv.Itoa(len(added))
	evt.Attributes["milestones"] = strconv.Itoa(len(inv.Milestones))
	evt.Attributes["total"] = amountString(inv.TotalOwed())
	return evt
}

// NewDetailsUpdatedEvent records a details URI change.
func NewDetailsUpdatedEvent(inv *Invoice) *types.Event {
	evt := newInvoiceEvent(EventTypeDetailsUpdated, inv)
	evt.Attributes["details"] = inv.DetailsURI
	return evt
}

// NewMetadataEvent records the metadata revision bump accompanying a details
// change.
func NewMetadataEvent(inv *Invoice) *types.Event {
	evt := newInvoiceEvent(EventTypeMetadata, inv)
	evt.Attributes["metaVersion"] = strconv.FormatUint(uint64(inv.MetaVersion), 10)
	evt.Attributes["details"] = inv.DetailsURI
	return evt
}

// NewAddressUpdatedEvent records a party or receiver reassignment.
func NewAddressUpdatedEvent(eventType string, inv *Invoice, next [20]byte) *types.Event {
	evt := newInvoiceEvent(eventType, inv)
	evt.Attributes["newAddress"] = hex.EncodeToString(next[:])
	return evt
}

// NewDepositEvent records funds arriving in the instance vault.
func NewDepositEvent(inv *Invoice, from [20]byte, token string, amount *big.Int) *types.Event {
	evt := newInvoiceEvent(EventTypeDeposit, inv)
	evt.Attributes["from"] = hex.EncodeToString(from[:])
	evt.Attributes["depositToken"] = token
	evt.Attributes["amount"] = amountString(amount)
	return evt
}

// NewNativeWrappedEvent records a native-asset sweep into the wrapped token.
func NewNativeWrappedEvent(inv *Invoice, amount *big.Int) *types.Event {
	evt := newInvoiceEvent(EventTypeNativeWrapped, inv)
	evt.Attributes["amount"] = amountString(amount)
	return evt
}

// NewFeeTransferEvent records a protocol fee skim to the treasury.
func NewFeeTransferEvent(inv *Invoice, token string, fee *big.Int) *types.Event {
	evt := newInvoiceEvent(EventTypeFeeTransfer, inv)
	evt.Attributes["feeToken"] = token
	evt.Attributes["amount"] = amountString(fee)
	evt.Attributes["treasury"] = hex.EncodeToString(inv.Treasury[:])
	return evt
}

// NewImplementationAddedEvent records a new template version registration.
func NewImplementationAddedEvent(kind string, template [20]byte, version uint64) *types.Event {
	return &types.Event{Type: EventTypeImplementationAdded, Attributes: map[string]string{
		"kind":     kind,
		"template": hex.EncodeToString(template[:]),
		"version":  strconv.FormatUint(version, 10),
	}}
}

// NewInvoiceCreatedEvent records a factory creation, including the resolved
// template version.
func NewInvoiceCreatedEvent(inv *Invoice, invoiceID uint64) *types.Event {
	evt := newInvoiceEvent(EventTypeInvoiceCreated, inv)
	evt.Attributes["invoiceId"] = strconv.FormatUint(invoiceID, 10)
	evt.Attributes["kind"] = inv.Kind
	evt.Attributes["version"] = strconv.FormatUint(inv.Version, 10)
	evt.Attributes["template"] = hex.EncodeToString(inv.Template[:])
	return evt
}

// NewEscrowFundedEvent records the atomic funding leg of createAndDeposit.
func NewEscrowFundedEvent(inv *Invoice, funder [20]byte, amount *big.Int) *types.Event {
	evt := newInvoiceEvent(EventTypeEscrowFunded, inv)
	evt.Attributes["funder"] = hex.EncodeToString(funder[:])
	evt.Attributes["amount"] = amountString(amount)
	return evt
}

// NewResolutionRateUpdatedEvent records a resolver's self-registered rate.
func NewResolutionRateUpdatedEvent(resolver [20]byte, rateBps uint32, detailsURI string) *types.Event {
	attrs := map[string]string{
		"resolver": hex.EncodeToString(resolver[:]),
		"rateBps":  strconv.FormatUint(uint64(rateBps), 10),
	}
	if strings.TrimSpace(detailsURI) != "" {
		attrs["details"] = detailsURI
	}
	return &types.Event{Type: EventTypeResolutionRateUpdated, Attributes: attrs}
}
