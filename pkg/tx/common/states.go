package common

var transitions = map[TxState][]TxState{
	TxInit:       {TxPreparing},
	TxPreparing:  {TxPrepared, TxAborting},
	TxPrepared:   {TxCommitting},
	TxCommitting: {TxCommitted},
	TxAborting:   {TxAborted},
}

// CanTransition reports whether the state machine allows from -> to.
// Terminal states have no outgoing edges and PREPARED can only move forward.
func CanTransition(from, to TxState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s TxState) Terminal() bool {
	return s == TxCommitted || s == TxAborted
}

func (s TxState) Valid() bool {
	switch s {
	case TxInit, TxPreparing, TxPrepared, TxCommitting, TxCommitted, TxAborting, TxAborted:
		return true
	}
	return false
}

// Decision returns the outcome implied by a state. ok is false while the vote
// is still open.
func (s TxState) Decision() (d Decision, ok bool) {
	switch s {
	case TxPrepared, TxCommitting, TxCommitted:
		return DecisionCommit, true
	case TxAborting, TxAborted:
		return DecisionAbort, true
	}
	return "", false
}

// FinalState is where a decided transaction ends once every participant acked.
func (d Decision) FinalState() TxState {
	if d == DecisionCommit {
		return TxCommitted
	}
	return TxAborted
}
