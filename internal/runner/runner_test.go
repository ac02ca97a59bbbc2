package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/andrej220/linen/pkg/config"
	"github.com/andrej220/linen/pkg/executor"
	"github.com/andrej220/linen/pkg/noderegistry"
	dm "github.com/andrej220/linen/pkg/shared-models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitErr struct{ status int }

func (e exitErr) Error() string   { return fmt.Sprintf("exit status %d", e.status) }
func (e exitErr) ExitStatus() int { return e.status }

type fakeExec struct {
	host   string
	run    func(script string) ([]string, []string, error)
	closed atomic.Bool
}

func (f *fakeExec) Run(_ context.Context, script string) ([]string, []string, error) {
	return f.run(script)
}

func (f *fakeExec) Close() error {
	f.closed.Store(true)
	return nil
}

type memorySink struct {
	mu      sync.Mutex
	results []dm.Result
	err     error
}

func (s *memorySink) Save(_ context.Context, res dm.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return s.err
}

type fixture struct {
	runner  *Runner
	reg     *noderegistry.Registry[executor.Executor]
	sink    *memorySink
	created atomic.Int32
	execs   sync.Map // host -> *fakeExec
	runFn   func(script string) ([]string, []string, error)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:  noderegistry.New[executor.Executor](),
		sink: &memorySink{},
		runFn: func(script string) ([]string, []string, error) {
			return []string{"ran " + script}, nil, nil
		},
	}
	create := func(ctx context.Context, cfg noderegistry.ConfigMap, runID noderegistry.RunID) (*fakeExec, error) {
		f.created.Add(1)
		host, _ := cfg["host"].(string)
		if host == "unreachable" {
			return nil, errors.New("dial tcp: connection refused")
		}
		e := &fakeExec{host: host, run: func(s string) ([]string, []string, error) { return f.runFn(s) }}
		f.execs.Store(host, e)
		return e, nil
	}
	inv := &config.Inventory{Nodes: []config.NodeSpec{
		{Name: "node-1", Config: map[string]any{"host": "10.0.0.1"}},
		{Name: "node-2", Driver: "ssh", Config: map[string]any{"host": "10.0.0.2"}},
		{Name: "down", Config: map[string]any{"host": "unreachable"}},
		{Name: "odd", Driver: "telnet", Config: map[string]any{"host": "10.0.0.3"}},
	}}
	f.runner = New(f.reg, inv, Drivers{config.DriverSSH: executor.Adapt(create)}, f.sink, nil)
	t.Cleanup(func() { f.reg.Close() })
	return f
}

func (f *fixture) exec(host string) *fakeExec {
	v, ok := f.execs.Load(host)
	if !ok {
		return nil
	}
	return v.(*fakeExec)
}

func TestExecuteReusesConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := uuid.New()

	res, err := f.runner.Execute(ctx, dm.Request{RunID: runID, Node: "node-1", Script: "uptime"})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, runID, res.RunID)
	assert.Equal(t, []string{"ran uptime"}, res.Stdout)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	_, err = f.runner.Execute(ctx, dm.Request{Node: "node-1", Script: "df -h"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.created.Load())
	assert.Equal(t, []string{"node-1"}, f.reg.ListNames())
	assert.Len(t, f.sink.results, 2)
	assert.NotEqual(t, uuid.Nil, f.sink.results[1].RunID)
}

func TestExecuteInvalidRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Execute(context.Background(), dm.Request{Node: "node-1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, f.sink.results)
}

func TestExecuteUnknownNodeAndDriver(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Execute(context.Background(), dm.Request{Node: "ghost", Script: "id"})
	require.NoError(t, err)
	assert.Contains(t, res.Error, ErrUnknownNode.Error())
	assert.Contains(t, res.Error, "ghost")

	res, err = f.runner.Execute(context.Background(), dm.Request{Node: "odd", Script: "id"})
	require.NoError(t, err)
	assert.Contains(t, res.Error, "telnet")
	assert.Equal(t, int32(0), f.created.Load())
}

func TestExecuteCreationFailureReportsNode(t *testing.T) {
	f := newFixture(t)
	res, err := f.runner.Execute(context.Background(), dm.Request{Node: "down", Script: "id"})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Contains(t, res.Error, `"down"`)
	assert.Contains(t, res.Error, "connection refused")
	assert.Empty(t, f.reg.ListNames())
}

func TestExecuteScriptFailureKeepsConnection(t *testing.T) {
	f := newFixture(t)
	f.runFn = func(string) ([]string, []string, error) {
		return []string{"partial"}, []string{"denied"}, exitErr{status: 2}
	}
	res, err := f.runner.Execute(context.Background(), dm.Request{Node: "node-2", Script: "cat /etc/shadow"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitStatus)
	assert.Equal(t, []string{"denied"}, res.Stderr)
	assert.False(t, res.OK())
	assert.Equal(t, []string{"node-2"}, f.reg.ListNames())
}

func TestExecuteTransportFailureEvicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.runner.Execute(ctx, dm.Request{Node: "node-1", Script: "id"})
	require.NoError(t, err)
	first := f.exec("10.0.0.1")
	require.NotNil(t, first)

	f.runFn = func(string) ([]string, []string, error) {
		return nil, nil, fmt.Errorf("session: %w", executor.ErrTransport)
	}
	res, err := f.runner.Execute(ctx, dm.Request{Node: "node-1", Script: "id"})
	require.NoError(t, err)
	assert.Contains(t, res.Error, "transport")
	assert.True(t, first.closed.Load())
	assert.Empty(t, f.reg.ListNames())

	f.runFn = func(s string) ([]string, []string, error) { return []string{"ok"}, nil, nil }
	res, err = f.runner.Execute(ctx, dm.Request{Node: "node-1", Script: "id"})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, int32(2), f.created.Load())
}

func TestStaleTransportFailureKeepsReplacementConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := dm.Request{Node: "node-1", Script: "id"}

	entered := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	f.runFn = func(string) ([]string, []string, error) {
		if runs.Add(1) == 1 {
			close(entered)
			<-release
			return nil, nil, fmt.Errorf("session: %w", executor.ErrTransport)
		}
		return []string{"ok"}, nil, nil
	}

	staleDone := make(chan dm.Result, 1)
	go func() {
		res, err := f.runner.Execute(ctx, req)
		assert.NoError(t, err)
		staleDone <- res
	}()
	<-entered
	stale := f.exec("10.0.0.1")
	require.NotNil(t, stale)

	require.NoError(t, f.reg.Evict("node-1"))
	res, err := f.runner.Execute(ctx, req)
	require.NoError(t, err)
	require.True(t, res.OK())
	fresh := f.exec("10.0.0.1")
	require.NotSame(t, stale, fresh)

	close(release)
	res = <-staleDone
	assert.Contains(t, res.Error, "transport")
	assert.False(t, fresh.closed.Load())
	assert.Equal(t, []string{"node-1"}, f.reg.ListNames())
	assert.Equal(t, int32(2), f.created.Load())
}

func TestExecuteSinkError(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("disk full")
	_, err := f.runner.Execute(context.Background(), dm.Request{Node: "node-1", Script: "id"})
	assert.ErrorContains(t, err, "disk full")
}

func TestReloadEvictsChangedNodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, n := range []string{"node-1", "node-2"} {
		_, err := f.runner.Execute(ctx, dm.Request{Node: n, Script: "id"})
		require.NoError(t, err)
	}

	next := &config.Inventory{Nodes: []config.NodeSpec{
		{Name: "node-1", Config: map[string]any{"host": "10.0.0.1"}},
		{Name: "node-3", Config: map[string]any{"host": "10.0.0.30"}},
	}}
	evicted := f.runner.Reload(next)
	assert.Equal(t, []string{"node-2"}, evicted)
	assert.True(t, f.exec("10.0.0.2").closed.Load())
	assert.False(t, f.exec("10.0.0.1").closed.Load())
	assert.Equal(t, []string{"node-1"}, f.reg.ListNames())
	assert.Same(t, next, f.runner.Inventory())

	res, err := f.runner.Execute(ctx, dm.Request{Node: "node-2", Script: "id"})
	require.NoError(t, err)
	assert.Contains(t, res.Error, ErrUnknownNode.Error())
}

func TestExecuteConcurrentRequestsShareConnection(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.runner.Execute(context.Background(), dm.Request{Node: "node-2", Script: "id"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), f.created.Load())
	assert.Len(t, f.sink.results, 20)
}

func TestExecuteAppliesOutputProcessors(t *testing.T) {
	f := newFixture(t)
	f.runFn = func(string) ([]string, []string, error) {
		return []string{" NAME: Ubuntu ", "", "VERSION: 24.04"}, nil, nil
	}
	res, err := f.runner.Execute(context.Background(), dm.Request{
		Node:   "node-1",
		Script: "cat /etc/os-release",
		Output: []string{"drop_empty", "key_value"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"NAME: Ubuntu", "VERSION: 24.04"}, res.Stdout)

	_, err = f.runner.Execute(context.Background(), dm.Request{Node: "node-1", Script: "id", Output: []string{"upper"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorContains(t, err, `"upper"`)
}
