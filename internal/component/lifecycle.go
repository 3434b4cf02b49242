// Package component implements the pluggable component runtime (spec.md
// §4.6): components declare dependencies on one another, the runtime
// resolves a dependency DAG into a start order (and its reverse for
// shutdown), drives each component through a lifecycle state machine,
// and aggregates per-component health into one runtime-wide report.
// Adapted from the teacher's AgentFramework/AgentRunner split: Runner
// here plays the role of AgentRunner (the piece a component author
// implements), Runtime plays AgentFramework (the piece that drives it).
package component

import "fmt"

// State is one point in a component's lifecycle.
type State int

const (
	Uninitialized State = iota
	Registered
	Initializing
	Initialized
	Starting
	Running
	Stopping
	Stopped
	Disposing
	Disposed
	Failed
	Recovering
)

func (s State) String() string {
	names := [...]string{
		"Uninitialized", "Registered", "Initializing", "Initialized",
		"Starting", "Running", "Stopping", "Stopped", "Disposing",
		"Disposed", "Failed", "Recovering",
	}
	if int(s) < 0 || int(s) >= len(names) {
		return "Unknown"
	}
	return names[s]
}

// validTransitions enumerates the lifecycle edges the runtime permits;
// anything else is rejected as a LifecycleError.
var validTransitions = map[State][]State{
	Uninitialized: {Registered},
	Registered:    {Initializing},
	Initializing:  {Initialized, Failed},
	Initialized:   {Starting},
	Starting:      {Running, Failed},
	Running:       {Stopping, Failed, Recovering},
	Recovering:    {Running, Failed},
	Stopping:      {Stopped, Failed},
	Stopped:       {Disposing, Initializing},
	Disposing:     {Disposed, Failed},
	Failed:        {Recovering, Disposing},
	Disposed:      {},
}

func canTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transitionError reports an illegal lifecycle transition attempt.
type transitionError struct {
	component string
	from, to  State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("component %q: illegal transition %s -> %s", e.component, e.from, e.to)
}

// IsolationLevel controls how strictly the runtime contains a
// component's failures from affecting its siblings (spec.md §4.6).
type IsolationLevel int

const (
	// IsolationNone runs the component inline with no failure containment;
	// a panic propagates to the runtime's own goroutine.
	IsolationNone IsolationLevel = iota
	// IsolationStandard recovers panics into a Failed transition but shares
	// the runtime's process and address space otherwise.
	IsolationStandard
	// IsolationStrict recovers panics exactly as IsolationStandard does;
	// Stop still runs on the runtime's own goroutine, so a hang in Stop
	// blocks the rest of shutdown.
	IsolationStrict
	// IsolationSandbox also recovers panics exactly as IsolationStandard
	// does; a panic in Init or Start fails the component and aborts the
	// remaining start sequence, dependents included.
	IsolationSandbox
)
