package proxy

import "fmt"

// State is one stage in a proxied request's lifecycle.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateInputChecked   State = "INPUT_CHECKED"
	StateBlockedInput   State = "BLOCKED_INPUT"
	StateProviderCalled State = "PROVIDER_CALLED"
	StateProviderError  State = "PROVIDER_ERROR"
	StateOutputChecked  State = "OUTPUT_CHECKED"
	StateBlockedOutput  State = "BLOCKED_OUTPUT"
	StateCompleted      State = "COMPLETED"
	StatePersisted      State = "PERSISTED"
)

// transitions is the authoritative lifecycle table. Anything outside it is a
// programmer error, not a runtime condition. PERSISTED is reached
// asynchronously from every terminal state once the audit record lands.
var transitions = map[State][]State{
	StateReceived:       {StateInputChecked},
	StateInputChecked:   {StateBlockedInput, StateProviderCalled},
	StateProviderCalled: {StateOutputChecked, StateProviderError},
	StateOutputChecked:  {StateBlockedOutput, StateCompleted},
	StateBlockedInput:   {StatePersisted},
	StateBlockedOutput:  {StatePersisted},
	StateCompleted:      {StatePersisted},
	StateProviderError:  {StatePersisted},
	StatePersisted:      nil,
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state ends the synchronous request phase.
func (s State) Terminal() bool {
	switch s {
	case StateBlockedInput, StateBlockedOutput, StateCompleted, StateProviderError:
		return true
	}
	return false
}

// machine tracks one request through the table and panics on an illegal
// step. A panic here means the orchestrator code path itself is wrong.
type machine struct {
	state State
}

func newMachine() *machine {
	return &machine{state: StateReceived}
}

func (m *machine) to(next State) {
	if !CanTransition(m.state, next) {
		panic(fmt.Sprintf("proxy: illegal transition %s -> %s", m.state, next))
	}
	m.state = next
}
