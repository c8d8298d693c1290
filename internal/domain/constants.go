package domain

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a transaction job
type State string

// Job state constants
const (
	StatePending    State = "pending"
	StateSubmitted  State = "submitted"
	StateConfirming State = "confirming"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
	StateAbandoned  State = "abandoned"
)

// AllStates lists every job state in lifecycle order
var AllStates = []State{
	StatePending,
	StateSubmitted,
	StateConfirming,
	StateConfirmed,
	StateFailed,
	StateAbandoned,
}

// IsTerminal reports whether no further transitions are possible from s
func (s State) IsTerminal() bool {
	switch s {
	case StateConfirmed, StateFailed, StateAbandoned:
		return true
	default:
		return false
	}
}

// HasTxRef reports whether a job in state s must carry a chain transaction reference
func (s State) HasTxRef() bool {
	switch s {
	case StateSubmitted, StateConfirming, StateConfirmed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// ParseState parses a state name, case-insensitively
func ParseState(s string) (State, error) {
	state := State(strings.ToLower(strings.TrimSpace(s)))
	if !state.Valid() {
		return "", fmt.Errorf("unknown job state %q", s)
	}
	return state, nil
}

// transitions holds the allowed edges of the job state machine.
// pending -> pending is the backoff reschedule edge.
var transitions = map[State][]State{
	StatePending:    {StatePending, StateSubmitted, StateFailed, StateAbandoned},
	StateSubmitted:  {StateConfirming, StatePending, StateFailed, StateAbandoned},
	StateConfirming: {StateConfirmed, StatePending, StateFailed, StateAbandoned},
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Chain identifies a target blockchain
type Chain string

// Supported chains
const (
	ChainEthereum Chain = "ethereum"
	ChainSolana   Chain = "solana"
)

var chainAliases = map[string]Chain{
	"ethereum": ChainEthereum,
	"eth":      ChainEthereum,
	"solana":   ChainSolana,
	"sol":      ChainSolana,
}

// ParseChain normalizes a chain name or alias (ETH, SOL). Unknown names are
// returned normalized so that the registry can report them as unsupported.
func ParseChain(s string) Chain {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if chain, ok := chainAliases[normalized]; ok {
		return chain
	}
	return Chain(normalized)
}

// Operation is the kind of on-chain action a job performs
type Operation string

// Supported operations
const (
	OperationMint     Operation = "mint"
	OperationTransfer Operation = "transfer"
)
