// Package lifecycle implements the per-model state machine. Transitions are
// looked up in a static adjacency table; illegal transitions fail without
// mutating state and without notifying observers.
package lifecycle

// State represents the lifecycle state of one model.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateDiscovered    State = "discovered"
	StateDownloading   State = "downloading"
	StateDownloaded    State = "downloaded"
	StateExtracting    State = "extracting"
	StateExtracted     State = "extracted"
	StateValidating    State = "validating"
	StateValidated     State = "validated"
	StateInitializing  State = "initializing"
	StateInitialized   State = "initialized"
	StateLoading       State = "loading"
	StateLoaded        State = "loaded"
	StateReady         State = "ready"
	StateExecuting     State = "executing"
	StateError         State = "error"
	StateCleanup       State = "cleanup"
)

// transitions is the legal adjacency table. A model may only move along
// these edges; everything else is an invalid transition.
var transitions = map[State][]State{
	StateUninitialized: {StateDiscovered},
	StateDiscovered:    {StateDownloading},
	StateDownloading:   {StateDownloaded, StateError},
	StateDownloaded:    {StateExtracting},
	StateExtracting:    {StateExtracted, StateError},
	StateExtracted:     {StateValidating},
	StateValidating:    {StateValidated, StateError},
	StateValidated:     {StateInitializing},
	StateInitializing:  {StateInitialized, StateError},
	StateInitialized:   {StateLoading},
	StateLoading:       {StateLoaded, StateError},
	StateLoaded:        {StateReady},
	StateReady:         {StateExecuting, StateCleanup},
	StateExecuting:     {StateReady, StateError},
	StateError:         {StateCleanup},
	StateCleanup:       {StateUninitialized},
}

// Legal reports whether from -> to is an edge of the transition table.
// Pure lookup; never blocks.
func Legal(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
