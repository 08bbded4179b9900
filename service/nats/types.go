package nats

import "time"

// Stream and subject layout for deal lifecycle events.
const (
	StreamName     = "DEALS"
	SubjectPrefix  = "deals"
	SubjectPattern = "deals.*"
)

// DealEvent is published after every confirmed status transition.
type DealEvent struct {
	DealID      string    `json:"deal_id"`
	Status      string    `json:"status"`
	Instruction string    `json:"instruction"`
	Signature   string    `json:"signature,omitempty"`
	Slot        uint64    `json:"slot,omitempty"`
	Seller      string    `json:"seller"`
	Buyer       string    `json:"buyer"`
	Timestamp   time.Time `json:"timestamp"`
}

// Subject returns the per-deal subject the event is published on.
func (e DealEvent) Subject() string {
	return SubjectPrefix + "." + e.DealID
}
