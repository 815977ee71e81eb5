package bootstrap

// State is a node of the orchestration state machine.
type State string

const (
	StatePending          State = "Pending"
	StateStackCreating    State = "StackCreating"
	StateStackReady       State = "StackReady"
	StateAccessConfigured State = "AccessConfigured"
	StateAddonsInstalling State = "AddonsInstalling"
	StateReady            State = "Ready"
	StatePartiallyReady   State = "PartiallyReady"
	StateFailed           State = "Failed"
)

// transitions lists the legal successors of each non-terminal state.
var transitions = map[State][]State{
	StatePending:          {StateStackCreating},
	StateStackCreating:    {StateStackReady, StateFailed},
	StateStackReady:       {StateAccessConfigured, StateFailed},
	StateAccessConfigured: {StateAddonsInstalling, StateFailed},
	StateAddonsInstalling: {StateReady, StatePartiallyReady, StateFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateReady || s == StatePartiallyReady || s == StateFailed
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Outcome is the tagged result of an idempotent create.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeAlreadyExists
)

func (o Outcome) String() string {
	if o == OutcomeAlreadyExists {
		return "already-exists"
	}
	return "created"
}

// Merge folds two outcomes: the result is Created if either step created something.
func (o Outcome) Merge(other Outcome) Outcome {
	if o == OutcomeCreated || other == OutcomeCreated {
		return OutcomeCreated
	}
	return OutcomeAlreadyExists
}

// settle derives the terminal state for an add-on phase that had no fatal error.
func settle(results []AddonInstallResult) State {
	for _, r := range results {
		if r.Outcome == AddonFailed {
			return StatePartiallyReady
		}
	}
	return StateReady
}
