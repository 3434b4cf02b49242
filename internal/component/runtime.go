package component

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaygrid/core/internal/buserr"
	"github.com/relaygrid/core/internal/logging"
)

// node is the runtime's bookkeeping for one registered component.
type node struct {
	desc  Descriptor
	mu    sync.Mutex
	state State
}

func (n *node) transition(to State) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !canTransition(n.state, to) {
		return &transitionError{component: n.desc.Name, from: n.state, to: to}
	}
	n.state = to
	return nil
}

func (n *node) getState() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Runtime drives a set of registered components through their
// lifecycle in dependency order.
type Runtime struct {
	log   *logging.Logger
	mu    sync.Mutex
	nodes map[string]*node
	order []string // resolved start order, computed by Resolve
}

// New builds an empty Runtime.
func New(log *logging.Logger) *Runtime {
	if log == nil {
		log = logging.New("component", false)
	}
	return &Runtime{log: log, nodes: make(map[string]*node)}
}

// Register adds a component descriptor. Call Resolve once every
// component has been registered.
func (r *Runtime) Register(desc Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if desc.Name == "" {
		return fmt.Errorf("component: descriptor has no name")
	}
	if _, exists := r.nodes[desc.Name]; exists {
		return fmt.Errorf("component: %q already registered", desc.Name)
	}
	r.nodes[desc.Name] = &node{desc: desc, state: Uninitialized}
	return nil
}

// Resolve computes a topological start order from the registered
// dependency graph, failing with a LifecycleError on an unknown
// dependency or a cycle.
func (r *Runtime) Resolve() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, n := range r.nodes {
		for _, dep := range n.desc.DependsOn {
			if _, ok := r.nodes[dep]; !ok {
				return buserr.New(buserr.LifecycleError, fmt.Sprintf("component %q depends on unregistered component %q", name, dep))
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(r.nodes))
	var order []string

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return buserr.New(buserr.LifecycleError, fmt.Sprintf("component dependency cycle detected: %v", append(path, name)))
		}
		color[name] = gray
		for _, dep := range r.nodes[name].desc.DependsOn {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		color[name] = black
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	sortStrings(names)

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	r.order = order
	for _, n := range r.nodes {
		if err := n.transition(Registered); err != nil {
			return err
		}
	}
	return nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// Contributions collects every component's Init contribution, keyed by
// component name, for the host to wire into the bus after Start.
type Contributions map[string]Contribution

// Start initializes and starts every component in dependency order. A
// failure at any component aborts the remaining start sequence and
// leaves already-started components running (the caller should call
// Stop to unwind).
func (r *Runtime) Start(ctx context.Context) (Contributions, error) {
	if r.order == nil {
		if err := r.Resolve(); err != nil {
			return nil, err
		}
	}

	contributions := make(Contributions, len(r.order))
	for _, name := range r.order {
		n := r.nodes[name]
		if err := n.transition(Initializing); err != nil {
			return contributions, err
		}
		contrib, err := runIsolated(ctx, n, func() (Contribution, error) {
			return n.desc.Runner.Init(ctx)
		})
		if err != nil {
			_ = n.transition(Failed)
			return contributions, buserr.Wrap(buserr.LifecycleError, "component "+name+" failed to initialize", err)
		}
		if err := n.transition(Initialized); err != nil {
			return contributions, err
		}
		contributions[name] = contrib

		if err := n.transition(Starting); err != nil {
			return contributions, err
		}
		if _, err := runIsolated(ctx, n, func() (struct{}, error) {
			return struct{}{}, n.desc.Runner.Start(ctx)
		}); err != nil {
			_ = n.transition(Failed)
			return contributions, buserr.Wrap(buserr.LifecycleError, "component "+name+" failed to start", err)
		}
		if err := n.transition(Running); err != nil {
			return contributions, err
		}
		r.log.Info("component %q running", name)
	}
	return contributions, nil
}

// Stop stops every component in reverse start order, continuing past
// individual failures so one stuck component can't block the rest of
// shutdown. It returns the first error encountered, if any.
func (r *Runtime) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		n := r.nodes[name]
		if n.getState() != Running && n.getState() != Failed {
			continue
		}
		if err := n.transition(Stopping); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		_, err := runIsolated(ctx, n, func() (struct{}, error) {
			return struct{}{}, n.desc.Runner.Stop(ctx)
		})
		if err != nil {
			_ = n.transition(Failed)
			r.log.Error("component %q failed to stop: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := n.transition(Stopped); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispose releases every component's resources, in reverse start order,
// regardless of their current state (it is safe to call after a
// partial Start failure).
func (r *Runtime) Dispose(ctx context.Context) error {
	var firstErr error
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		n := r.nodes[name]
		if n.getState() == Disposed || n.getState() == Uninitialized {
			continue
		}
		_ = n.transition(Disposing)
		_, err := runIsolated(ctx, n, func() (struct{}, error) {
			return struct{}{}, n.desc.Runner.Dispose(ctx)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
		_ = n.transition(Disposed)
	}
	return firstErr
}

// HealthReport is the runtime-wide health aggregation.
type HealthReport struct {
	Healthy    bool
	Components map[string]Health
}

// Health polls HealthCheck on every Running component and aggregates
// the result; the aggregate is healthy only if every component is.
func (r *Runtime) Health(ctx context.Context) HealthReport {
	report := HealthReport{Healthy: true, Components: make(map[string]Health, len(r.nodes))}
	for name, n := range r.nodes {
		if n.getState() != Running {
			h := Health{Healthy: n.getState() != Failed, Detail: "state: " + n.getState().String()}
			report.Components[name] = h
			report.Healthy = report.Healthy && h.Healthy
			continue
		}
		h := n.desc.Runner.HealthCheck(ctx)
		report.Components[name] = h
		report.Healthy = report.Healthy && h.Healthy
	}
	return report
}

// State returns a component's current lifecycle state.
func (r *Runtime) State(name string) (State, bool) {
	r.mu.Lock()
	n, ok := r.nodes[name]
	r.mu.Unlock()
	if !ok {
		return Uninitialized, false
	}
	return n.getState(), true
}

// runIsolated runs fn, recovering a panic into an error when the
// component's isolation level is Standard or stricter (IsolationNone
// lets a panic propagate to the runtime's caller, matching the
// teacher's default of not hiding programming errors during
// development).
func runIsolated[T any](_ context.Context, n *node, fn func() (T, error)) (result T, err error) {
	if n.desc.Isolation == IsolationNone {
		return fn()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("component %q panicked: %v", n.desc.Name, p)
		}
	}()
	return fn()
}
