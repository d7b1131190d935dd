package lifecycle

import "sync"

// Event describes one successful transition, delivered to observers.
type Event struct {
	ModelID string
	From    State
	To      State
	// Cause is set when To == StateError.
	Cause error
}

// Token identifies one observer subscription.
type Token uint64

// Machine tracks one State per model id. Transitions on the same model are
// serialized through a per-model mutex; transitions on different models
// never block each other.
type Machine struct {
	mu     sync.RWMutex // guards models map itself
	models map[string]*modelState

	obsMu     sync.RWMutex
	observers map[Token]func(Event)
	nextToken Token
}

type modelState struct {
	mu    sync.Mutex
	state State
	cause error
}

func NewMachine() *Machine {
	return &Machine{
		models:    make(map[string]*modelState),
		observers: make(map[Token]func(Event)),
	}
}

// Subscribe registers an observer. Observers are invoked synchronously after
// each successful transition, in no particular order relative to each other,
// but strictly ordered per model.
func (m *Machine) Subscribe(fn func(Event)) Token {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.nextToken++
	tok := m.nextToken
	m.observers[tok] = fn
	return tok
}

// Unsubscribe removes an observer. Unknown tokens are a no-op.
func (m *Machine) Unsubscribe(tok Token) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	delete(m.observers, tok)
}

// State returns the current state for modelID. Unknown models report
// StateUninitialized.
func (m *Machine) State(modelID string) State {
	m.mu.RLock()
	ms := m.models[modelID]
	m.mu.RUnlock()
	if ms == nil {
		return StateUninitialized
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.state
}

// Cause returns the error recorded by the last transition into StateError,
// or nil.
func (m *Machine) Cause(modelID string) error {
	m.mu.RLock()
	ms := m.models[modelID]
	m.mu.RUnlock()
	if ms == nil {
		return nil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.cause
}

// Transition moves modelID to target. An illegal edge fails with an
// InvalidTransition error and leaves state untouched.
func (m *Machine) Transition(modelID string, target State) error {
	return m.transition(modelID, target, nil)
}

// Fail transitions modelID to StateError recording cause.
func (m *Machine) Fail(modelID string, cause error) error {
	return m.transition(modelID, StateError, cause)
}

func (m *Machine) transition(modelID string, target State, cause error) error {
	ms := m.modelState(modelID)

	ms.mu.Lock()
	from := ms.state
	if !Legal(from, target) {
		ms.mu.Unlock()
		return invalidTransitionError{modelID: modelID, from: from, to: target}
	}
	ms.state = target
	if target == StateError {
		ms.cause = cause
	} else if target == StateCleanup || target == StateUninitialized {
		ms.cause = nil
	}
	// Notify while holding the per-model lock so observers see transitions
	// for one model in exact order.
	m.notify(Event{ModelID: modelID, From: from, To: target, Cause: cause})
	ms.mu.Unlock()
	return nil
}

func (m *Machine) modelState(modelID string) *modelState {
	m.mu.RLock()
	ms := m.models[modelID]
	m.mu.RUnlock()
	if ms != nil {
		return ms
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms = m.models[modelID]; ms == nil {
		ms = &modelState{state: StateUninitialized}
		m.models[modelID] = ms
	}
	return ms
}

func (m *Machine) notify(e Event) {
	m.obsMu.RLock()
	fns := make([]func(Event), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
}

// Forget drops tracking for modelID. Used when a model is unregistered.
func (m *Machine) Forget(modelID string) {
	m.mu.Lock()
	delete(m.models, modelID)
	m.mu.Unlock()
}
