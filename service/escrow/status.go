// Package escrow implements the deal lifecycle: instruction building,
// precondition checks and the two-phase build/confirm protocol over the
// store and the network client.
package escrow

import (
	"fmt"
	"strings"
)

// Status is a deal's lifecycle state.
type Status string

const (
	StatusInit     Status = "INIT"
	StatusFunded   Status = "FUNDED"
	StatusDisputed Status = "DISPUTED"
	StatusResolved Status = "RESOLVED"
	StatusReleased Status = "RELEASED"
	StatusRefunded Status = "REFUNDED"
)

// Terminal reports whether no further fund-moving transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Action names a confirmable lifecycle operation.
type Action string

const (
	ActionInitiate    Action = "INITIATE"
	ActionFund        Action = "FUND"
	ActionRelease     Action = "RELEASE"
	ActionRefund      Action = "REFUND"
	ActionOpenDispute Action = "OPEN_DISPUTE"
	ActionResolve     Action = "RESOLVE"
)

// ParseAction parses a client-supplied action name.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionInitiate:
		return ActionInitiate, nil
	case ActionFund:
		return ActionFund, nil
	case ActionRelease:
		return ActionRelease, nil
	case ActionRefund:
		return ActionRefund, nil
	case ActionOpenDispute:
		return ActionOpenDispute, nil
	case ActionResolve:
		return ActionResolve, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrValidation, s)
	}
}

// Instruction returns the on-chain instruction name the action confirms.
func (a Action) Instruction() string {
	switch a {
	case ActionOpenDispute:
		return "open_dispute"
	default:
		return strings.ToLower(string(a))
	}
}

// transition is one row of the state machine: which statuses an action may
// be confirmed from and where it lands.
type transition struct {
	from []Status
	to   Status
}

// transitions is the confirm-time state machine. Initiate re-confirms in
// place; resolve records the verdict, after which only the release or refund
// matching the ticket's final action can move funds.
var transitions = map[Action]transition{
	ActionInitiate:    {from: []Status{StatusInit}, to: StatusInit},
	ActionFund:        {from: []Status{StatusInit}, to: StatusFunded},
	ActionRelease:     {from: []Status{StatusFunded, StatusResolved}, to: StatusReleased},
	ActionRefund:      {from: []Status{StatusFunded, StatusResolved}, to: StatusRefunded},
	ActionOpenDispute: {from: []Status{StatusFunded}, to: StatusDisputed},
	ActionResolve:     {from: []Status{StatusDisputed, StatusFunded}, to: StatusResolved},
}

// fromStatuses returns the valid source statuses for an action as strings
// for the store's transition query.
func fromStatuses(a Action) []string {
	tr := transitions[a]
	out := make([]string, len(tr.from))
	for i, s := range tr.from {
		out[i] = string(s)
	}
	return out
}

// allowedFrom reports whether the action can be confirmed from the status.
func allowedFrom(a Action, s Status) bool {
	for _, from := range transitions[a].from {
		if s == from {
			return true
		}
	}
	return false
}
