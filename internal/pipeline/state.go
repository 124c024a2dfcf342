package pipeline

import "fmt"

// State tracks where an in-flight request sits in the enforcement pipeline.
// Transitions are explicit so each one can be tested in isolation.
type State string

const (
	StateReceived         State = "received"
	StateScanningPrompt   State = "scanning_prompt"
	StateForwarding       State = "forwarding"
	StateScanningResponse State = "scanning_response"
	StateRelaying         State = "relaying"
	StateBlocked          State = "blocked"
	StateDone             State = "done"
)

// transitions lists the legal next states. StateDone is reachable from every
// non-terminal state so error exits have a single terminal path. Relaying can
// return to scanning for the next window of a streamed response.
var transitions = map[State][]State{
	StateReceived:         {StateScanningPrompt},
	StateScanningPrompt:   {StateForwarding, StateBlocked, StateDone},
	StateForwarding:       {StateScanningResponse, StateRelaying, StateDone},
	StateScanningResponse: {StateRelaying, StateBlocked, StateDone},
	StateRelaying:         {StateScanningResponse, StateDone},
	StateBlocked:          {StateDone},
	StateDone:             nil,
}

// CanTransition reports whether from may move to next.
func CanTransition(from, next State) bool {
	for _, s := range transitions[from] {
		if s == next {
			return true
		}
	}
	return false
}

// tracker holds the current state for one request.
type tracker struct {
	state State
}

func newTracker() *tracker {
	return &tracker{state: StateReceived}
}

// to advances the tracker. An illegal transition is a programming error.
func (t *tracker) to(next State) {
	if !CanTransition(t.state, next) {
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", t.state, next))
	}
	t.state = next
}
