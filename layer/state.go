package layer

import "fmt"

// State of a Layer. Transitions are one-way:
// Open -> Closing -> Closed -> Archived.
type State int

const (
	// Open layers accept writes. Exactly one layer, the top, is Open.
	Open State = iota
	// Closing layers reject new mutations while in-flight ones drain.
	Closing
	// Closed layers are drained, but not yet archived.
	Closed
	// Archived layers are packed into their container, and their staging
	// directory has been reclaimed.
	Archived
)

var stateNames = [...]string{"open", "closing", "closed", "archived"}

func (s State) String() string {
	if s < Open || s > Archived {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState parses a State from its String form.
func ParseState(s string) (State, error) {
	for i, n := range stateNames {
		if n == s {
			return State(i), nil
		}
	}
	return Open, fmt.Errorf("unknown layer state %q", s)
}
