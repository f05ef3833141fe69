package coordinator

import (
	"errors"
	"strings"

	"tx-lab-tpc-go/pkg/tx/common"
)

// FinalizeError lists participants that did not acknowledge the decision
// within one finalize pass. The transaction keeps its COMMITTING/ABORTING
// state and can be finalized again.
type FinalizeError struct {
	TxID     common.TxID
	Decision common.Decision
	Failures []ParticipantFailure
}

type ParticipantFailure struct {
	Participant common.ParticipantID
	Err         error
}

func (e *FinalizeError) Error() string {
	if e == nil || len(e.Failures) == 0 {
		return "finalize failed"
	}
	var b strings.Builder
	b.WriteString("finalize ")
	b.WriteString(string(e.TxID))
	b.WriteString(" (")
	b.WriteString(string(e.Decision))
	b.WriteString(") failed: ")
	for i, f := range e.Failures {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(string(f.Participant))
		if f.Err != nil {
			b.WriteString(": ")
			b.WriteString(f.Err.Error())
		}
	}
	return b.String()
}

// Unwrap exposes the participant errors to errors.Is, e.g. ErrCorruptState.
func (e *FinalizeError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			out = append(out, f.Err)
		}
	}
	return out
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, common.ErrCorruptState):
		return "corrupt_state"
	case errors.Is(err, common.ErrInProgress):
		return "in_progress"
	case errors.Is(err, common.ErrTransientUnavailable):
		return "transient"
	}
	return "other"
}
