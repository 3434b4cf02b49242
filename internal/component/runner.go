package component

import (
	"context"

	"github.com/relaygrid/core/internal/pipeline"
	"github.com/relaygrid/core/internal/registry"
)

// Health is one component's self-reported status.
type Health struct {
	Healthy bool
	Detail  string
}

// Contribution is what a component hands back to the runtime during
// Init: the handlers and pipeline behaviors it wants wired into the bus.
// A component that only talks to other components (no bus traffic of
// its own) may return a zero-value Contribution.
type Contribution struct {
	Handlers  []registry.Registration
	Behaviors []pipeline.Registered
}

// Runner is the interface a component author implements; the runtime
// drives it through Init/Start/Stop/Dispose and polls HealthCheck.
// This plays the role the teacher's AgentRunner interface plays for
// BaseAgent/AgentFramework: Runner holds domain logic, Runtime holds
// the generic lifecycle/DAG machinery around it.
type Runner interface {
	// Init prepares the component and returns what it contributes to the
	// bus. ctx is cancelled if startup is aborted.
	Init(ctx context.Context) (Contribution, error)

	// Start begins the component's steady-state work (e.g. opening
	// connections, launching background goroutines). It must not block
	// beyond its own setup.
	Start(ctx context.Context) error

	// Stop gracefully winds the component down. ctx carries a shutdown
	// deadline.
	Stop(ctx context.Context) error

	// Dispose releases any resources Init/Start acquired. Called exactly
	// once, after Stop, even if Stop failed.
	Dispose(ctx context.Context) error

	// HealthCheck reports the component's current health. Called only
	// while the component is Running.
	HealthCheck(ctx context.Context) Health
}

// Descriptor registers one component with the runtime.
type Descriptor struct {
	Name         string
	Runner       Runner
	DependsOn    []string
	Isolation    IsolationLevel
}
