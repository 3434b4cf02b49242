package component

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	name       string
	log        *[]string
	initErr    error
	startErr   error
	stopErr    error
	healthy    bool
}

func (f *fakeRunner) Init(ctx context.Context) (Contribution, error) {
	*f.log = append(*f.log, f.name+":init")
	return Contribution{}, f.initErr
}
func (f *fakeRunner) Start(ctx context.Context) error {
	*f.log = append(*f.log, f.name+":start")
	return f.startErr
}
func (f *fakeRunner) Stop(ctx context.Context) error {
	*f.log = append(*f.log, f.name+":stop")
	return f.stopErr
}
func (f *fakeRunner) Dispose(ctx context.Context) error {
	*f.log = append(*f.log, f.name+":dispose")
	return nil
}
func (f *fakeRunner) HealthCheck(ctx context.Context) Health {
	return Health{Healthy: f.healthy}
}

func TestStartRespectsDependencyOrder(t *testing.T) {
	var log []string
	rt := New(nil)
	require.NoError(t, rt.Register(Descriptor{Name: "db", Runner: &fakeRunner{name: "db", log: &log, healthy: true}}))
	require.NoError(t, rt.Register(Descriptor{Name: "api", Runner: &fakeRunner{name: "api", log: &log, healthy: true}, DependsOn: []string{"db"}}))

	_, err := rt.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"db:init", "db:start", "api:init", "api:start"}, log)

	state, ok := rt.State("api")
	require.True(t, ok)
	assert.Equal(t, Running, state)
}

func TestStopRunsInReverseOrder(t *testing.T) {
	var log []string
	rt := New(nil)
	require.NoError(t, rt.Register(Descriptor{Name: "db", Runner: &fakeRunner{name: "db", log: &log, healthy: true}}))
	require.NoError(t, rt.Register(Descriptor{Name: "api", Runner: &fakeRunner{name: "api", log: &log, healthy: true}, DependsOn: []string{"db"}}))

	_, err := rt.Start(context.Background())
	require.NoError(t, err)
	log = nil

	err = rt.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"api:stop", "db:stop"}, log)
}

func TestCycleDetectedAtResolve(t *testing.T) {
	rt := New(nil)
	require.NoError(t, rt.Register(Descriptor{Name: "a", Runner: &fakeRunner{name: "a", log: &[]string{}}, DependsOn: []string{"b"}}))
	require.NoError(t, rt.Register(Descriptor{Name: "b", Runner: &fakeRunner{name: "b", log: &[]string{}}, DependsOn: []string{"a"}}))

	err := rt.Resolve()
	assert.Error(t, err)
}

func TestUnknownDependencyRejected(t *testing.T) {
	rt := New(nil)
	require.NoError(t, rt.Register(Descriptor{Name: "a", Runner: &fakeRunner{name: "a", log: &[]string{}}, DependsOn: []string{"missing"}}))

	err := rt.Resolve()
	assert.Error(t, err)
}

func TestStartFailureAbortsRemainingComponents(t *testing.T) {
	var log []string
	rt := New(nil)
	require.NoError(t, rt.Register(Descriptor{Name: "broken", Runner: &fakeRunner{name: "broken", log: &log, startErr: errors.New("boom")}}))
	require.NoError(t, rt.Register(Descriptor{Name: "downstream", Runner: &fakeRunner{name: "downstream", log: &log}, DependsOn: []string{"broken"}}))

	_, err := rt.Start(context.Background())
	require.Error(t, err)
	assert.NotContains(t, log, "downstream:init")

	state, _ := rt.State("broken")
	assert.Equal(t, Failed, state)
}

func TestHealthAggregatesComponents(t *testing.T) {
	rt := New(nil)
	require.NoError(t, rt.Register(Descriptor{Name: "good", Runner: &fakeRunner{name: "good", log: &[]string{}, healthy: true}}))
	require.NoError(t, rt.Register(Descriptor{Name: "bad", Runner: &fakeRunner{name: "bad", log: &[]string{}, healthy: false}}))

	_, err := rt.Start(context.Background())
	require.NoError(t, err)

	report := rt.Health(context.Background())
	assert.False(t, report.Healthy)
	assert.True(t, report.Components["good"].Healthy)
	assert.False(t, report.Components["bad"].Healthy)
}

func TestIsolationStandardRecoversPanic(t *testing.T) {
	rt := New(nil)
	require.NoError(t, rt.Register(Descriptor{
		Name:      "panicky",
		Isolation: IsolationStandard,
		Runner:    &panicRunner{},
	}))

	_, err := rt.Start(context.Background())
	require.Error(t, err)
}

type panicRunner struct{}

func (panicRunner) Init(ctx context.Context) (Contribution, error) { panic("kaboom") }
func (panicRunner) Start(ctx context.Context) error                { return nil }
func (panicRunner) Stop(ctx context.Context) error                 { return nil }
func (panicRunner) Dispose(ctx context.Context) error              { return nil }
func (panicRunner) HealthCheck(ctx context.Context) Health         { return Health{Healthy: true} }
