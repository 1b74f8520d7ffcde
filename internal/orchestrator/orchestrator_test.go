package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"conduit/internal/bus"
	"conduit/internal/pool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	local *bus.LocalBus
	pool  *pool.Pool
	orch  *Orchestrator

	completed chan pool.Result
	failed    chan pool.Result
}

func newHarness(t *testing.T, poolCfg pool.Config, handlers map[pool.Role]pool.Handler, cfg Config) *harness {
	t.Helper()
	local := bus.NewLocalBus(zap.NewNop())
	p, err := pool.New(poolCfg, handlers, local, zap.NewNop())
	require.NoError(t, err)
	o, err := New(p, local, cfg, zap.NewNop())
	require.NoError(t, err)

	h := &harness{
		local:     local,
		pool:      p,
		orch:      o,
		completed: make(chan pool.Result, 64),
		failed:    make(chan pool.Result, 64),
	}
	_, err = local.Subscribe(bus.TopicTaskCompleted, func(ctx context.Context, env bus.Envelope) error {
		if r, ok := env.Data.(pool.Result); ok {
			h.completed <- r
		}
		return nil
	}, nil)
	require.NoError(t, err)
	_, err = local.Subscribe(bus.TopicTaskFailed, func(ctx context.Context, env bus.Envelope) error {
		if r, ok := env.Data.(pool.Result); ok {
			h.failed <- r
		}
		return nil
	}, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = h.orch.Close()
		_ = h.pool.Close()
		_ = h.local.Close()
	})
	return h
}

func waitResult(t *testing.T, ch chan pool.Result) pool.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for result")
		return pool.Result{}
	}
}

func singleWorkerConfig() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.MinAgents = 1
	cfg.MaxAgents = 1
	cfg.MaintenanceInterval = time.Hour
	return cfg
}

func okHandlers() map[pool.Role]pool.Handler {
	h := pool.HandlerFunc(func(ctx context.Context, task pool.Task) (interface{}, error) {
		return "ok", nil
	})
	out := make(map[pool.Role]pool.Handler)
	for _, role := range pool.Roles() {
		out[role] = h
	}
	return out
}

func TestSubmitFlowsThroughBusToCompletion(t *testing.T) {
	h := newHarness(t, singleWorkerConfig(), okHandlers(), DefaultConfig())

	err := h.orch.Submit(context.Background(), pool.Task{ID: "t1", Type: "code:generate"})
	require.NoError(t, err)

	r := waitResult(t, h.completed)
	require.Equal(t, "t1", r.TaskID)
	require.True(t, r.Success)
	require.Equal(t, pool.RoleCoder, r.Role)
}

func TestQueueDrainsInPriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	block := make(chan struct{})
	handlers := map[pool.Role]pool.Handler{
		pool.RoleCoder: pool.HandlerFunc(func(ctx context.Context, task pool.Task) (interface{}, error) {
			if task.ID == "blocker" {
				<-block
				return nil, nil
			}
			mu.Lock()
			order = append(order, task.ID)
			mu.Unlock()
			return nil, nil
		}),
	}
	h := newHarness(t, singleWorkerConfig(), handlers, DefaultConfig())

	require.NoError(t, h.orch.Submit(context.Background(), pool.Task{ID: "blocker", Type: "code:fix"}))
	require.NoError(t, h.orch.Submit(context.Background(), pool.Task{ID: "low", Type: "code:fix", Priority: bus.PriorityLow}))
	require.NoError(t, h.orch.Submit(context.Background(), pool.Task{ID: "med", Type: "code:fix"}))
	require.NoError(t, h.orch.Submit(context.Background(), pool.Task{ID: "crit", Type: "code:fix", Priority: bus.PriorityCritical}))
	require.Equal(t, 3, h.orch.Pending())

	close(block)
	for i := 0; i < 4; i++ {
		waitResult(t, h.completed)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"crit", "med", "low"}, order)
	require.Equal(t, 0, h.orch.Pending())
}

func TestUnroutableTaskFailsLoudly(t *testing.T) {
	h := newHarness(t, singleWorkerConfig(), okHandlers(), DefaultConfig())

	require.NoError(t, h.orch.Submit(context.Background(), pool.Task{ID: "bad", Type: "interpretive:dance"}))
	r := waitResult(t, h.failed)
	require.Equal(t, "bad", r.TaskID)
	require.Equal(t, "routing_failed", r.Error.Code)
	require.Equal(t, 0, h.orch.Pending())
}

func TestFailedTaskSpawnsRecovery(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	handlers := map[pool.Role]pool.Handler{
		pool.RoleTester: pool.HandlerFunc(func(ctx context.Context, task pool.Task) (interface{}, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return nil, errors.New("flaky")
			}
			return "fixed", nil
		}),
	}
	h := newHarness(t, singleWorkerConfig(), handlers, Config{MaxRecoveryAttempts: 2})

	require.NoError(t, h.orch.Submit(context.Background(), pool.Task{
		ID:    "orig",
		Type:  "test:run",
		Input: map[string]interface{}{"suite": "unit"},
	}))

	failedFirst := waitResult(t, h.failed)
	require.Equal(t, "orig", failedFirst.TaskID)

	recovered := waitResult(t, h.completed)
	require.True(t, recovered.Success)
	require.NotEqual(t, "orig", recovered.TaskID, "recovery task is derived, not replayed")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, attempts)
}

func TestRecoveryAttemptsBounded(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	handlers := map[pool.Role]pool.Handler{
		pool.RoleTester: pool.HandlerFunc(func(ctx context.Context, task pool.Task) (interface{}, error) {
			mu.Lock()
			attempts++
			mu.Unlock()
			return nil, errors.New("always broken")
		}),
	}
	h := newHarness(t, singleWorkerConfig(), handlers, Config{MaxRecoveryAttempts: 2})

	require.NoError(t, h.orch.Submit(context.Background(), pool.Task{ID: "doomed", Type: "test:run"}))

	// Original plus two recovery attempts, then the lineage is abandoned.
	for i := 0; i < 3; i++ {
		waitResult(t, h.failed)
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, attempts)
}

func TestRecoveryDisabled(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	handlers := map[pool.Role]pool.Handler{
		pool.RoleCoder: pool.HandlerFunc(func(ctx context.Context, task pool.Task) (interface{}, error) {
			mu.Lock()
			attempts++
			mu.Unlock()
			return nil, errors.New("broken")
		}),
	}
	h := newHarness(t, singleWorkerConfig(), handlers, Config{MaxRecoveryAttempts: 0})

	require.NoError(t, h.orch.Submit(context.Background(), pool.Task{Type: "code:fix"}))
	waitResult(t, h.failed)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, attempts)
}

func TestExpiredTasksReportedNotEnforced(t *testing.T) {
	block := make(chan struct{})
	handlers := map[pool.Role]pool.Handler{
		pool.RoleCoder: pool.HandlerFunc(func(ctx context.Context, task pool.Task) (interface{}, error) {
			<-block
			return nil, nil
		}),
	}
	h := newHarness(t, singleWorkerConfig(), handlers, DefaultConfig())

	require.NoError(t, h.orch.Submit(context.Background(), pool.Task{ID: "busy", Type: "code:fix"}))
	past := time.Now().Add(-time.Minute)
	require.NoError(t, h.orch.Submit(context.Background(), pool.Task{ID: "stale", Type: "code:fix", Deadline: &past}))

	expired := h.orch.ExpiredTasks()
	require.Len(t, expired, 1)
	require.Equal(t, "stale", expired[0].ID)
	// The stale task is still queued; deadlines are advisory.
	require.Equal(t, 1, h.orch.Pending())

	close(block)
	waitResult(t, h.completed)
	waitResult(t, h.completed)
}

// Two workers finishing at the same moment trigger two concurrent queue
// passes. The queued task must still run exactly once.
func TestConcurrentIdleWorkersDispatchQueuedTaskOnce(t *testing.T) {
	var mu sync.Mutex
	gate := make(chan struct{})
	counts := make(map[string]int)

	handlers := map[pool.Role]pool.Handler{
		pool.RoleCoder: pool.HandlerFunc(func(ctx context.Context, task pool.Task) (interface{}, error) {
			if strings.HasPrefix(task.ID, "blocker") {
				mu.Lock()
				ch := gate
				mu.Unlock()
				<-ch
				return nil, nil
			}
			mu.Lock()
			counts[task.ID]++
			mu.Unlock()
			return nil, nil
		}),
	}
	cfg := pool.DefaultConfig()
	cfg.MinAgents = 2
	cfg.MaxAgents = 2
	cfg.MaintenanceInterval = time.Hour
	h := newHarness(t, cfg, handlers, DefaultConfig())

	for i := 0; i < 300; i++ {
		mu.Lock()
		gate = make(chan struct{})
		release := gate
		mu.Unlock()

		a := fmt.Sprintf("blocker-a-%d", i)
		b := fmt.Sprintf("blocker-b-%d", i)
		victim := fmt.Sprintf("victim-%d", i)
		require.NoError(t, h.orch.Submit(context.Background(), pool.Task{ID: a, Type: "code:fix"}))
		require.NoError(t, h.orch.Submit(context.Background(), pool.Task{ID: b, Type: "code:fix"}))
		require.NoError(t, h.orch.Submit(context.Background(), pool.Task{ID: victim, Type: "code:fix"}))
		require.Equal(t, 1, h.orch.Pending(), "iteration %d: victim should be queued behind both blockers", i)

		// Free both workers at once.
		close(release)
		for n := 0; n < 3; n++ {
			waitResult(t, h.completed)
		}

		mu.Lock()
		got := counts[victim]
		mu.Unlock()
		require.Equal(t, 1, got, "iteration %d: task %q dispatched %d times", i, victim, got)
	}
}

func TestCloseStopsIntake(t *testing.T) {
	h := newHarness(t, singleWorkerConfig(), okHandlers(), DefaultConfig())
	require.NoError(t, h.orch.Close())
	h.orch.Enqueue(context.Background(), pool.Task{Type: "code:fix"})
	require.Equal(t, 0, h.orch.Pending())
	require.NoError(t, h.orch.Close())
}
