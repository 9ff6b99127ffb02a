package fsm

import (
	"fmt"
	"sync"
)

// Handler is executed after a transition has been applied. It runs without
// the machine lock held, so it may fire further events.
type Handler[S comparable, E comparable] func(from, to S, event E) error

type transition[S comparable, E comparable] struct {
	to      S
	handler Handler[S, E]
}

// StateMachine is a small table driven state machine safe for concurrent use.
type StateMachine[S comparable, E comparable] struct {
	mu          sync.RWMutex
	current     S
	transitions map[S]map[E]transition[S, E]
	terminal    map[S]bool
}

func New[S comparable, E comparable](initial S) *StateMachine[S, E] {
	return &StateMachine[S, E]{
		current:     initial,
		transitions: make(map[S]map[E]transition[S, E]),
		terminal:    make(map[S]bool),
	}
}

func (sm *StateMachine[S, E]) Current() S {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Is reports whether the machine is currently in any of the given states.
func (sm *StateMachine[S, E]) Is(states ...S) bool {
	cur := sm.Current()
	for _, s := range states {
		if s == cur {
			return true
		}
	}
	return false
}

func (sm *StateMachine[S, E]) AddTransition(from, to S, event E, handler Handler[S, E]) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.transitions[from]; !ok {
		sm.transitions[from] = make(map[E]transition[S, E])
	}
	sm.transitions[from][event] = transition[S, E]{to: to, handler: handler}
}

// Terminal marks states from which no event is ever accepted.
func (sm *StateMachine[S, E]) Terminal(states ...S) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, s := range states {
		sm.terminal[s] = true
	}
}

// Can reports whether event is accepted in the current state.
func (sm *StateMachine[S, E]) Can(event E) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.terminal[sm.current] {
		return false
	}
	_, ok := sm.transitions[sm.current][event]
	return ok
}

// Fire triggers a state transition. The new state is visible before the
// handler runs; a handler error is returned but does not undo the move.
func (sm *StateMachine[S, E]) Fire(event E) error {
	sm.mu.Lock()
	from := sm.current
	t, ok := sm.transitions[from][event]
	if !ok || sm.terminal[from] {
		sm.mu.Unlock()
		return fmt.Errorf("invalid transition from %v via %v", from, event)
	}
	sm.current = t.to
	sm.mu.Unlock()

	if t.handler != nil {
		return t.handler(from, t.to, event)
	}
	return nil
}

// Personal.AI order the ending
