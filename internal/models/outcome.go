package models

import "encoding/json"

// Outcome tags the result of a pipeline stage so callers can tell a
// challenge page apart from the end of the catalog or a transport error.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePartial
	OutcomeBlocked
	OutcomeError
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePartial:
		return "partial"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeError:
		return "error"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}
