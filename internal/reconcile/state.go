package reconcile

import "fmt"

// State is the engine's position in a reconciliation cycle.
//
//	Idle -> TokenExchange -> Reconciled -> Idle
//	                      -> AwaitingFullTransfer -> Applying -> Idle
//
// Failed is reachable from any in-flight state and returns to Idle once
// the error is recorded.
type State int

const (
	Idle State = iota
	TokenExchange
	Reconciled
	AwaitingFullTransfer
	Applying
	Failed
)

var stateNames = [...]string{"idle", "token-exchange", "reconciled", "awaiting-full-transfer", "applying", "failed"}

func (s State) String() string {
	if s < Idle || s > Failed {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// InFlight reports whether a cycle is between Idle states.
func (s State) InFlight() bool {
	return s == TokenExchange || s == AwaitingFullTransfer || s == Applying
}
