// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package lifecycle

import (
	"fmt"

	"github.com/foonetic/serum-dex/dex"
)

// State is a checkpoint in market readiness. States are reached strictly in
// order.
type State uint8

const (
	Uninitialized State = iota
	BookAccountsCreated
	QueueAccountsCreated
	MintsCreated
	VaultsCreatedAndFunded
	MarketInitialized
	OpenOrdersReady
	OrderSubmitted
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case BookAccountsCreated:
		return "BookAccountsCreated"
	case QueueAccountsCreated:
		return "QueueAccountsCreated"
	case MintsCreated:
		return "MintsCreated"
	case VaultsCreatedAndFunded:
		return "VaultsCreatedAndFunded"
	case MarketInitialized:
		return "MarketInitialized"
	case OpenOrdersReady:
		return "OpenOrdersReady"
	case OrderSubmitted:
		return "OrderSubmitted"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Terminal is true for the final state.
func (s State) Terminal() bool {
	return s == OrderSubmitted
}

// Next is the only state reachable from s. The terminal state has no
// successor and returns itself.
func (s State) Next() State {
	if s >= OrderSubmitted {
		return OrderSubmitted
	}
	return s + 1
}

// ErrBadTransition is returned for an attempt to move to any state other than
// the successor of the current one.
const ErrBadTransition = dex.ErrorKind("invalid state transition")

// machine holds the current state and only moves it forward one step.
type machine struct {
	state State
}

func (m *machine) advance(to State) error {
	if m.state.Terminal() || to != m.state.Next() {
		return dex.NewError(ErrBadTransition, fmt.Sprintf("%s -> %s", m.state, to))
	}
	m.state = to
	return nil
}
