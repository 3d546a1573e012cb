package extract

// State is a step of the per-document pipeline.
type State int

const (
	StateAwaitingInput State = iota
	StateNormalizing
	StateExtracting
	StateAggregating
	StateParsing
	StateParsed
	StateMerged
)

var stateNames = [...]string{
	StateAwaitingInput: "awaiting_input",
	StateNormalizing:   "normalizing",
	StateExtracting:    "extracting",
	StateAggregating:   "aggregating",
	StateParsing:       "parsing",
	StateParsed:        "parsed",
	StateMerged:        "merged",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
