package escrow

import "errors"

// Failure categories. Every operation failure wraps exactly one of these so
// callers (RPC, gateway) can map errors onto stable status codes. All
// failures are terminal for the call that raised them; the enclosing state
// journal guarantees no partial effect survives.
var (
	// ErrUnauthorized marks callers that are not the entitled
	// client/provider/resolver/arbitrator for the operation.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrState marks operations invalid for the current lifecycle phase
	// (locked/unlocked, terminated, already initialised).
	ErrState = errors.New("escrow: invalid state")
	// ErrValidation marks malformed construction or call arguments.
	ErrValidation = errors.New("escrow: validation")
	// ErrEconomic marks operations whose funds do not satisfy the required
	// accounting identity.
	ErrEconomic = errors.New("escrow: economic")
)

var (
	errNilState        = errors.New("escrow engine: state not configured")
	errInvoiceNotFound = errors.New("escrow engine: invoice not found")
)
