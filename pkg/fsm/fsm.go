// Package fsm provides a small, synchronous finite state machine used to
// drive timer-based control loops. Transitions fire inline on the
// caller's goroutine so loop code can branch on the returned state
// without futures or callbacks.
package fsm

import (
	"context"
	"fmt"
	"sync"
)

// State is a state identifier.
type State string

// Trigger is an event identifier that may cause a transition.
type Trigger string

// Action runs during a transition. A returned error aborts the
// transition before the state changes.
type Action func(ctx context.Context, t Transition) error

// Guard decides whether a transition may occur.
type Guard func(ctx context.Context, t Transition) bool

// Transition describes the transition being executed.
type Transition struct {
	Trigger Trigger
	From    State
	To      State
}

type transitionDef struct {
	to       State
	guard    Guard
	actions  []Action
	internal bool
}

type stateConfig struct {
	onEntry     []Action
	onExit      []Action
	transitions map[Trigger]*transitionDef
}

// Machine is a thread-safe finite state machine.
type Machine struct {
	id string

	mu      sync.Mutex
	current State
	states  map[State]*stateConfig

	onTransition []func(Transition)
}

// New creates a machine with the given initial state.
func New(id string, initial State) *Machine {
	return &Machine{
		id:      id,
		current: initial,
		states:  make(map[State]*stateConfig),
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Is reports whether the machine is currently in state s.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// Configure returns a builder for the given state, creating its
// configuration on first use.
func (m *Machine) Configure(s State) *Builder {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.states[s]
	if !ok {
		cfg = &stateConfig{transitions: make(map[Trigger]*transitionDef)}
		m.states[s] = cfg
	}
	return &Builder{state: s, cfg: cfg}
}

// OnTransition registers a listener invoked after every completed
// transition, including internal ones.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = append(m.onTransition, fn)
}

// Fire applies trigger to the current state and returns the resulting
// state. Firing a trigger the current state does not permit is an error
// and leaves the state unchanged.
func (m *Machine) Fire(ctx context.Context, trigger Trigger) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.states[m.current]
	if !ok {
		return m.current, fmt.Errorf("fsm %s: state %s has no configuration", m.id, m.current)
	}
	def, ok := cfg.transitions[trigger]
	if !ok {
		return m.current, fmt.Errorf("fsm %s: state %s does not permit trigger %s", m.id, m.current, trigger)
	}

	t := Transition{Trigger: trigger, From: m.current, To: def.to}
	if def.guard != nil && !def.guard(ctx, t) {
		return m.current, fmt.Errorf("fsm %s: guard blocked %s -> %s on %s", m.id, t.From, t.To, trigger)
	}

	if !def.internal {
		for _, a := range cfg.onExit {
			if err := a(ctx, t); err != nil {
				return m.current, fmt.Errorf("fsm %s: exit action: %w", m.id, err)
			}
		}
	}
	for _, a := range def.actions {
		if err := a(ctx, t); err != nil {
			return m.current, fmt.Errorf("fsm %s: transition action: %w", m.id, err)
		}
	}

	m.current = def.to

	if !def.internal {
		if next, ok := m.states[def.to]; ok {
			for _, a := range next.onEntry {
				if err := a(ctx, t); err != nil {
					return m.current, fmt.Errorf("fsm %s: entry action: %w", m.id, err)
				}
			}
		}
	}

	for _, fn := range m.onTransition {
		fn(t)
	}
	return m.current, nil
}

// Builder configures one state fluently.
type Builder struct {
	state State
	cfg   *stateConfig
}

// Permit allows trigger to move this state to next.
func (b *Builder) Permit(trigger Trigger, next State) *Builder {
	return b.PermitIf(trigger, next, nil)
}

// PermitIf allows the transition only when guard returns true.
func (b *Builder) PermitIf(trigger Trigger, next State, guard Guard) *Builder {
	b.cfg.transitions[trigger] = &transitionDef{to: next, guard: guard}
	return b
}

// PermitWithAction allows the transition and runs action during it.
func (b *Builder) PermitWithAction(trigger Trigger, next State, action Action) *Builder {
	b.cfg.transitions[trigger] = &transitionDef{to: next, actions: []Action{action}}
	return b
}

// Internal runs action on trigger without leaving the state. Entry and
// exit actions do not run.
func (b *Builder) Internal(trigger Trigger, action Action) *Builder {
	def := &transitionDef{to: b.state, internal: true}
	if action != nil {
		def.actions = []Action{action}
	}
	b.cfg.transitions[trigger] = def
	return b
}

// Ignore makes trigger a no-op in this state instead of an error.
func (b *Builder) Ignore(trigger Trigger) *Builder {
	return b.Internal(trigger, nil)
}

// OnEntry runs action whenever this state is entered externally.
func (b *Builder) OnEntry(action Action) *Builder {
	b.cfg.onEntry = append(b.cfg.onEntry, action)
	return b
}

// OnExit runs action whenever this state is exited externally.
func (b *Builder) OnExit(action Action) *Builder {
	b.cfg.onExit = append(b.cfg.onExit, action)
	return b
}
