// Package orchestrator implements the priority-queue task dispatcher that
// sits above the worker pool. It is purely reactive: enqueued tasks are
// matched against idle, capability-matched workers whenever a task arrives
// or a worker frees up, and unmatched tasks simply wait for the next
// trigger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"conduit/internal/bus"
	"conduit/internal/pool"
)

// Config tunes orchestrator behavior.
type Config struct {
	// MaxRecoveryAttempts bounds how many derived recovery tasks are
	// requeued for one failing lineage. Zero disables recovery.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`
}

// DefaultConfig enables a single recovery attempt.
func DefaultConfig() Config {
	return Config{MaxRecoveryAttempts: 1}
}

// Orchestrator is a privileged bus participant: it subscribes to task and
// worker lifecycle topics and drains its queue in descending priority order,
// assigning at most one task per idle worker per pass.
//
// The task topics must be locally routed on the supplied transport;
// orchestration over a remote-only transport would never observe its own
// triggers.
type Orchestrator struct {
	mu       sync.Mutex
	queue    []pool.Task
	inflight map[string]pool.Task
	attempts map[string]int
	closed   bool

	pool      *pool.Pool
	transport bus.Transport
	cfg       Config
	logger    *zap.Logger
	subIDs    []string
}

// New wires the orchestrator onto the transport. It subscribes to
// task:created, task:failed, task:completed and agent:stateChanged.
func New(p *pool.Pool, transport bus.Transport, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if p == nil {
		return nil, errors.New("orchestrator: pool required")
	}
	if transport == nil {
		return nil, errors.New("orchestrator: transport required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		inflight:  make(map[string]pool.Task),
		attempts:  make(map[string]int),
		pool:      p,
		transport: transport,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
	}

	subs := []struct {
		topic   string
		handler bus.Handler
	}{
		{bus.TopicTaskCreated, o.onTaskCreated},
		{bus.TopicTaskCompleted, o.onTaskCompleted},
		{bus.TopicTaskFailed, o.onTaskFailed},
		{bus.TopicAgentStateChanged, o.onAgentStateChanged},
	}
	for _, s := range subs {
		id, err := transport.Subscribe(s.topic, s.handler, nil)
		if err != nil {
			o.Close()
			return nil, fmt.Errorf("orchestrator: subscribe %s: %w", s.topic, err)
		}
		o.subIDs = append(o.subIDs, id)
	}
	return o, nil
}

// Submit publishes the task on task:created; the orchestrator's own
// subscription enqueues it. Producers elsewhere on the bus publish the same
// topic directly.
func (o *Orchestrator) Submit(ctx context.Context, task pool.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Priority == "" {
		task.Priority = bus.PriorityMedium
	}
	return o.transport.Publish(ctx, bus.TopicTaskCreated, task, "orchestrator", &bus.PublishOptions{
		Priority: task.Priority,
	})
}

// Enqueue adds the task to the priority queue and runs one queue pass.
func (o *Orchestrator) Enqueue(ctx context.Context, task pool.Task) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Priority == "" {
		task.Priority = bus.PriorityMedium
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, task)
	sort.SliceStable(o.queue, func(i, j int) bool {
		return o.queue[i].Priority.Weight() > o.queue[j].Priority.Weight()
	})
	o.mu.Unlock()
	o.ProcessQueue(ctx)
}

// ProcessQueue walks the queue once in priority order. Each task is claimed
// under the lock before it is offered to the pool, so concurrent passes
// (two workers turning idle at the same moment) can never dispatch the same
// task twice. Tasks the pool cannot take right now are put back for the
// next trigger; tasks with no route are failed out loud.
func (o *Orchestrator) ProcessQueue(ctx context.Context) {
	for {
		task, ok := o.claimNext()
		if !ok {
			return
		}
		assigned, err := o.pool.TryAssign(ctx, task)
		switch {
		case err != nil:
			o.mu.Lock()
			delete(o.inflight, task.ID)
			o.mu.Unlock()
			o.logger.Error("task cannot be routed",
				zap.String("task", task.ID),
				zap.String("type", task.Type),
				zap.Error(err))
			o.publishRoutingFailure(ctx, task, err)
		case assigned:
			// Already inflight from the claim.
		default:
			o.unclaim(task)
			return
		}
	}
}

// claimNext pops the highest-priority task and marks it inflight in one
// critical section. The inflight entry must exist before TryAssign runs:
// the pool completes fast tasks synchronously enough that the result
// handler may fire before the pass resumes.
func (o *Orchestrator) claimNext() (pool.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || len(o.queue) == 0 {
		return pool.Task{}, false
	}
	task := o.queue[0]
	o.queue = o.queue[1:]
	o.inflight[task.ID] = task
	return task, true
}

// unclaim returns a task the pool declined to the front of its priority
// band and drops the inflight entry.
func (o *Orchestrator) unclaim(task pool.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, task.ID)
	if o.closed {
		return
	}
	o.queue = append([]pool.Task{task}, o.queue...)
	sort.SliceStable(o.queue, func(i, j int) bool {
		return o.queue[i].Priority.Weight() > o.queue[j].Priority.Weight()
	})
}

func (o *Orchestrator) onTaskCreated(ctx context.Context, env bus.Envelope) error {
	task, ok := taskFromEnvelope(env)
	if !ok {
		return fmt.Errorf("orchestrator: task:created carried %T", env.Data)
	}
	o.Enqueue(ctx, task)
	return nil
}

func (o *Orchestrator) onAgentStateChanged(ctx context.Context, env bus.Envelope) error {
	change, ok := env.Data.(pool.StateChange)
	if !ok {
		if ptr, isPtr := env.Data.(*pool.StateChange); isPtr && ptr != nil {
			change = *ptr
		} else {
			return nil
		}
	}
	// Only a worker turning idle can unblock the queue.
	if change.Status == pool.StatusIdle {
		o.ProcessQueue(ctx)
	}
	return nil
}

func (o *Orchestrator) onTaskCompleted(ctx context.Context, env bus.Envelope) error {
	if result, ok := resultFromEnvelope(env); ok {
		o.mu.Lock()
		delete(o.inflight, result.TaskID)
		delete(o.attempts, result.TaskID)
		o.mu.Unlock()
	}
	return nil
}

// onTaskFailed requeues a derived recovery task for a failed lineage until
// MaxRecoveryAttempts is exhausted.
func (o *Orchestrator) onTaskFailed(ctx context.Context, env bus.Envelope) error {
	result, ok := resultFromEnvelope(env)
	if !ok {
		return nil
	}
	o.mu.Lock()
	original, known := o.inflight[result.TaskID]
	delete(o.inflight, result.TaskID)
	used := o.attempts[result.TaskID]
	delete(o.attempts, result.TaskID)
	o.mu.Unlock()

	if !known || used >= o.cfg.MaxRecoveryAttempts {
		if known {
			o.logger.Warn("recovery attempts exhausted",
				zap.String("task", result.TaskID),
				zap.Int("attempts", used))
		}
		return nil
	}

	recovery := pool.Task{
		ID:           uuid.NewString(),
		Type:         original.Type,
		Priority:     original.Priority,
		Input:        original.Input,
		Deadline:     original.Deadline,
		ParentTaskID: result.TaskID,
	}
	o.mu.Lock()
	o.attempts[recovery.ID] = used + 1
	o.mu.Unlock()
	o.logger.Info("requeueing recovery task",
		zap.String("failed", result.TaskID),
		zap.String("recovery", recovery.ID),
		zap.Int("attempt", used+1))
	o.Enqueue(ctx, recovery)
	return nil
}

func (o *Orchestrator) publishRoutingFailure(ctx context.Context, task pool.Task, cause error) {
	result := pool.Result{
		TaskID:  task.ID,
		Success: false,
		Error:   &pool.TaskError{Code: "routing_failed", Message: cause.Error()},
	}
	if err := o.transport.Publish(ctx, bus.TopicTaskFailed, result, "orchestrator", nil); err != nil {
		o.logger.Warn("routing-failure publish failed", zap.Error(err))
	}
}

// Pending returns the number of queued tasks.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// QueuedTasks returns a copy of the queue in dispatch order.
func (o *Orchestrator) QueuedTasks() []pool.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]pool.Task(nil), o.queue...)
}

// ExpiredTasks returns queued tasks whose deadline has passed. Deadlines
// are carried, never enforced; external watchdogs decide what to do.
func (o *Orchestrator) ExpiredTasks() []pool.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []pool.Task
	for _, task := range o.queue {
		if task.Deadline != nil && task.Deadline.Before(nowFunc()) {
			out = append(out, task)
		}
	}
	return out
}

// Close unsubscribes from the bus and stops accepting tasks.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	subs := o.subIDs
	o.subIDs = nil
	o.mu.Unlock()
	for _, id := range subs {
		_ = o.transport.Unsubscribe(id)
	}
	return nil
}

// nowFunc is swapped in tests.
var nowFunc = time.Now

func taskFromEnvelope(env bus.Envelope) (pool.Task, bool) {
	switch data := env.Data.(type) {
	case pool.Task:
		return data, true
	case *pool.Task:
		if data != nil {
			return *data, true
		}
	}
	return pool.Task{}, false
}

func resultFromEnvelope(env bus.Envelope) (pool.Result, bool) {
	switch data := env.Data.(type) {
	case pool.Result:
		return data, true
	case *pool.Result:
		if data != nil {
			return *data, true
		}
	}
	return pool.Result{}, false
}
