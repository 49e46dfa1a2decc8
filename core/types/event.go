package types

// Event is the wire form of a state-transition notification. Escrow
// operations attach their payload as flat string attributes so the event
// feed stays stable across schema changes.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
