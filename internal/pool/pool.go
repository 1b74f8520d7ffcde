package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"conduit/internal/bus"
	"conduit/internal/emitter"
)

// Signal names fired on the pool's Signals emitter.
const (
	SignalTaskCompleted = "taskCompleted"
	SignalTaskFailed    = "taskFailed"
	SignalWorkerAdded   = "workerAdded"
	SignalWorkerRemoved = "workerRemoved"
)

// Config governs pool elasticity.
type Config struct {
	MinAgents int `yaml:"min_agents"`
	MaxAgents int `yaml:"max_agents"`
	// IdleTimeout retires workers idle longer than this, while pool size
	// exceeds MinAgents.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// WarmupThreshold is the busy-percentage above which the pool scales
	// up on its periodic check.
	WarmupThreshold float64 `yaml:"warmup_threshold"`
	// ScaleStepSize is the maximum number of workers created per scaling
	// decision.
	ScaleStepSize int `yaml:"scale_step_size"`
	// MaintenanceInterval is the cadence of the scaling check and
	// idle-worker sweep.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// DefaultConfig returns the pool elasticity defaults.
func DefaultConfig() Config {
	return Config{
		MinAgents:           1,
		MaxAgents:           8,
		IdleTimeout:         time.Minute,
		WarmupThreshold:     70,
		ScaleStepSize:       2,
		MaintenanceInterval: 5 * time.Second,
	}
}

// Validate fails fast on inconsistent elasticity bounds.
func (c Config) Validate() error {
	if c.MinAgents < 1 {
		return fmt.Errorf("pool: min_agents must be at least 1, have %d", c.MinAgents)
	}
	if c.MaxAgents < c.MinAgents {
		return fmt.Errorf("pool: max_agents %d below min_agents %d", c.MaxAgents, c.MinAgents)
	}
	if c.ScaleStepSize < 1 {
		return fmt.Errorf("pool: scale_step_size must be at least 1, have %d", c.ScaleStepSize)
	}
	return nil
}

// StateChange is the payload published on agent:stateChanged.
type StateChange struct {
	WorkerID string `json:"workerId"`
	Role     Role   `json:"role"`
	Status   Status `json:"status"`
}

// Metrics is the pool's aggregate utilization view.
type Metrics struct {
	TotalWorkers       int
	BusyWorkers        int
	IdleWorkers        int
	SpecializedWorkers int
	QueuedTasks        int
	TasksCompleted     int64
	TasksFailed        int64
	AvgExecutionMs     float64
	LoadPercent        float64
}

// Pool owns a set of generic workers and routes tasks to them. It is the
// sole mutator of worker state; callers observe through snapshots only.
// Task lifecycle events flow back through the bus transport it was
// constructed with.
type Pool struct {
	mu      sync.Mutex
	workers map[string]*worker
	queue   []Task
	closed  bool

	cfg       Config
	handlers  map[Role]Handler
	transport bus.Transport

	tasksCompleted int64
	tasksFailed    int64
	execMsTotal    float64
	execCount      int64

	signals *emitter.Emitter
	logger  *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
	loopWG    sync.WaitGroup
	taskWG    sync.WaitGroup
}

// New creates a Pool with MinAgents unassigned workers and starts the
// maintenance loop. transport may be nil, in which case lifecycle events
// are only emitted on Signals.
func New(cfg Config, handlers map[Role]Handler, transport bus.Transport, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		workers:   make(map[string]*worker),
		cfg:       cfg,
		handlers:  handlers,
		transport: transport,
		signals:   emitter.New(logger),
		logger:    logger.Named("pool"),
		done:      make(chan struct{}),
	}
	for i := 0; i < cfg.MinAgents; i++ {
		w := newWorker()
		p.workers[w.id] = w
	}
	p.loopWG.Add(1)
	go p.maintenanceLoop()
	return p, nil
}

// AssignTask routes the task per the search order: specialized idle worker
// holding the required role, then any idle same-role worker, then any idle
// worker reassigned to the role, then a freshly created worker if the pool
// is below MaxAgents. With no capacity the task is enqueued and a scale-up
// check is triggered. Routing failures (unknown task type) are returned as
// errors; handler failures are not, they arrive as Results on the bus.
func (p *Pool) AssignTask(ctx context.Context, task Task) error {
	assigned, err := p.route(ctx, task, true)
	if err != nil {
		return err
	}
	if !assigned {
		p.logger.Debug("task queued, pool saturated", zap.String("task", task.ID))
	}
	return nil
}

// TryAssign routes the task like AssignTask but never enqueues: it reports
// false when no worker can take the task right now. Used by the
// orchestrator, which keeps its own priority queue.
func (p *Pool) TryAssign(ctx context.Context, task Task) (bool, error) {
	return p.route(ctx, task, false)
}

func (p *Pool) route(ctx context.Context, task Task, enqueue bool) (bool, error) {
	role, err := RoleForTaskType(task.Type)
	if err != nil {
		return false, err
	}
	normalizeTask(&task)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false, fmt.Errorf("pool: closed")
	}
	w := p.selectWorkerLocked(role)
	if w == nil {
		if !enqueue {
			p.mu.Unlock()
			return false, nil
		}
		p.queue = append(p.queue, task)
		sort.SliceStable(p.queue, func(i, j int) bool {
			return p.queue[i].Priority.Weight() > p.queue[j].Priority.Weight()
		})
		p.scaleUpLocked("queue pressure")
		p.mu.Unlock()
		return false, nil
	}
	p.dispatchLocked(ctx, w, task, role)
	workerID := w.id
	p.mu.Unlock()
	p.publishStateChange(workerID, role, StatusBusy)
	return true, nil
}

// selectWorkerLocked implements the assignment search order. It returns nil
// when the pool has no capacity, after attempting worker creation.
func (p *Pool) selectWorkerLocked(role Role) *worker {
	var sameRole, anyIdle *worker
	for _, w := range p.workers {
		if w.status != StatusIdle {
			continue
		}
		if w.role == role {
			if w.isSpecializedFor(role) {
				return w
			}
			if sameRole == nil {
				sameRole = w
			}
			continue
		}
		if anyIdle == nil {
			anyIdle = w
		}
	}
	if sameRole != nil {
		return sameRole
	}
	if anyIdle != nil {
		return anyIdle
	}
	if len(p.workers) < p.cfg.MaxAgents {
		w := newWorker()
		p.workers[w.id] = w
		p.signals.Emit(SignalWorkerAdded, w.id)
		p.logger.Debug("worker created for demand", zap.String("worker", w.id))
		return w
	}
	return nil
}

// dispatchLocked marks the worker busy on the required role and launches
// the task. Callers hold p.mu and publish the busy state change after
// releasing it; publishing under the lock would deadlock with bus handlers
// that call back into the pool.
func (p *Pool) dispatchLocked(ctx context.Context, w *worker, task Task, role Role) {
	w.assignRole(role)
	w.status = StatusBusy
	w.currentTasks[task.ID] = true
	w.lastActivity = time.Now()

	p.taskWG.Add(1)
	go p.runTask(ctx, w.id, task, role)
}

// runTask executes the role handler and contains any failure: a handler
// error or panic becomes a structured failure Result, and the worker
// returns to idle either way so one failing task never wedges it.
func (p *Pool) runTask(ctx context.Context, workerID string, task Task, role Role) {
	defer p.taskWG.Done()
	start := time.Now()

	handler := p.handlers[role]
	var output interface{}
	var err error
	if handler == nil {
		err = fmt.Errorf("pool: no handler registered for role %q", role)
	} else {
		output, err = p.process(ctx, handler, task)
	}
	duration := time.Since(start)

	result := Result{
		TaskID:   task.ID,
		WorkerID: workerID,
		Role:     role,
		Success:  err == nil,
		Output:   output,
		Duration: duration,
	}
	if err != nil {
		result.Error = &TaskError{Code: "task_failed", Message: err.Error()}
	}

	p.mu.Lock()
	if w, ok := p.workers[workerID]; ok {
		delete(w.currentTasks, task.ID)
		// A failing handler parks the worker in the error state until the
		// failure has been reported; it is freed below either way.
		if err != nil {
			w.status = StatusError
		} else {
			w.status = StatusIdle
		}
		w.lastActivity = time.Now()
		w.recordExecution(role, duration)
	}
	if err == nil {
		p.tasksCompleted++
	} else {
		p.tasksFailed++
	}
	p.execMsTotal += float64(duration) / float64(time.Millisecond)
	p.execCount++
	p.mu.Unlock()

	if err == nil {
		p.signals.Emit(SignalTaskCompleted, result)
		p.publish(bus.TopicTaskCompleted, result, task.Priority)
	} else {
		p.logger.Warn("task failed",
			zap.String("task", task.ID),
			zap.String("worker", workerID),
			zap.Error(err))
		p.signals.Emit(SignalTaskFailed, result)
		p.publish(bus.TopicTaskFailed, result, task.Priority)
		p.publishStateChange(workerID, role, StatusError)

		p.mu.Lock()
		if w, ok := p.workers[workerID]; ok && w.status == StatusError {
			w.status = StatusIdle
			w.lastActivity = time.Now()
		}
		p.mu.Unlock()
	}
	p.publishStateChange(workerID, role, StatusIdle)

	// A freed worker may unblock queued work.
	p.drainQueue(context.Background())
}

func (p *Pool) process(ctx context.Context, handler Handler, task Task) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.ProcessTask(ctx, task)
}

// drainQueue assigns queued tasks to idle workers, highest priority first.
func (p *Pool) drainQueue(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.closed || len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		role, err := RoleForTaskType(task.Type)
		if err != nil {
			// Unreachable for tasks admitted through route, but never
			// drop silently.
			p.queue = p.queue[1:]
			p.mu.Unlock()
			p.logger.Error("queued task lost routing", zap.String("task", task.ID), zap.Error(err))
			continue
		}
		w := p.selectWorkerLocked(role)
		if w == nil {
			p.mu.Unlock()
			return
		}
		p.queue = p.queue[1:]
		p.dispatchLocked(ctx, w, task, role)
		workerID := w.id
		p.mu.Unlock()
		p.publishStateChange(workerID, role, StatusBusy)
	}
}

func (p *Pool) maintenanceLoop() {
	defer p.loopWG.Done()
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			p.scaleUpLocked("load check")
			p.retireIdleLocked()
			p.mu.Unlock()
			p.drainQueue(context.Background())
		}
	}
}

// scaleUpLocked creates up to ScaleStepSize workers when load exceeds the
// warmup threshold, bounded by MaxAgents. Callers hold p.mu.
func (p *Pool) scaleUpLocked(reason string) {
	total := len(p.workers)
	if total >= p.cfg.MaxAgents {
		return
	}
	busy := 0
	for _, w := range p.workers {
		if w.status == StatusBusy {
			busy++
		}
	}
	load := 0.0
	if total > 0 {
		load = float64(busy) / float64(total) * 100
	}
	if load <= p.cfg.WarmupThreshold && len(p.queue) == 0 {
		return
	}
	step := p.cfg.ScaleStepSize
	if total+step > p.cfg.MaxAgents {
		step = p.cfg.MaxAgents - total
	}
	for i := 0; i < step; i++ {
		w := newWorker()
		p.workers[w.id] = w
		p.signals.Emit(SignalWorkerAdded, w.id)
	}
	p.logger.Debug("scaled up",
		zap.Int("added", step),
		zap.Float64("load", load),
		zap.String("reason", reason))
}

// retireIdleLocked removes workers idle beyond IdleTimeout while the pool
// stays above MinAgents. Busy workers are never eligible. Callers hold p.mu.
func (p *Pool) retireIdleLocked() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	for id, w := range p.workers {
		if len(p.workers) <= p.cfg.MinAgents {
			return
		}
		if w.status != StatusIdle || w.lastActivity.After(cutoff) {
			continue
		}
		delete(p.workers, id)
		p.signals.Emit(SignalWorkerRemoved, id)
		p.logger.Debug("retired idle worker", zap.String("worker", id))
	}
}

func (p *Pool) publish(topic string, data interface{}, priority bus.Priority) {
	if p.transport == nil {
		return
	}
	err := p.transport.Publish(context.Background(), topic, data, "pool", &bus.PublishOptions{Priority: priority})
	if err != nil {
		p.logger.Warn("lifecycle publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (p *Pool) publishStateChange(workerID string, role Role, status Status) {
	p.publish(bus.TopicAgentStateChanged, StateChange{
		WorkerID: workerID,
		Role:     role,
		Status:   status,
	}, bus.PriorityMedium)
}

// WorkerStates returns independent snapshots of every worker, ordered by
// creation time.
func (p *Pool) WorkerStates() []WorkerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerState, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// WorkerState returns a snapshot of one worker.
func (p *Pool) WorkerState(id string) (WorkerState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return WorkerState{}, false
	}
	return w.snapshot(), true
}

// Size returns the current number of pool workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Metrics returns the aggregate utilization snapshot.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := Metrics{
		TotalWorkers:   len(p.workers),
		QueuedTasks:    len(p.queue),
		TasksCompleted: p.tasksCompleted,
		TasksFailed:    p.tasksFailed,
	}
	for _, w := range p.workers {
		switch w.status {
		case StatusBusy:
			m.BusyWorkers++
		default:
			m.IdleWorkers++
		}
		if len(w.specializations) > 0 {
			m.SpecializedWorkers++
		}
	}
	if p.execCount > 0 {
		m.AvgExecutionMs = p.execMsTotal / float64(p.execCount)
	}
	if m.TotalWorkers > 0 {
		m.LoadPercent = float64(m.BusyWorkers) / float64(m.TotalWorkers) * 100
	}
	return m
}

// SetElasticity adjusts the scaling bounds at runtime. A raised minimum
// takes effect immediately by creating workers; a lowered maximum drains
// through retirement on the next maintenance sweeps rather than evicting
// busy workers.
func (p *Pool) SetElasticity(minAgents, maxAgents int, idleTimeout time.Duration) error {
	if minAgents < 1 {
		return fmt.Errorf("pool: min_agents must be at least 1, have %d", minAgents)
	}
	if maxAgents < minAgents {
		return fmt.Errorf("pool: max_agents %d below min_agents %d", maxAgents, minAgents)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("pool: closed")
	}
	p.cfg.MinAgents = minAgents
	p.cfg.MaxAgents = maxAgents
	p.cfg.IdleTimeout = idleTimeout
	for len(p.workers) < p.cfg.MinAgents {
		w := newWorker()
		p.workers[w.id] = w
		p.signals.Emit(SignalWorkerAdded, w.id)
	}
	p.logger.Info("elasticity updated",
		zap.Int("min", minAgents),
		zap.Int("max", maxAgents),
		zap.Duration("idle_timeout", idleTimeout))
	return nil
}

// Signals exposes pool lifecycle signals.
func (p *Pool) Signals() *emitter.Emitter { return p.signals }

// Close stops the maintenance loop, waits for in-flight tasks, and rejects
// further assignment. Idempotent.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
	})
	p.loopWG.Wait()
	p.taskWG.Wait()
	return nil
}

func normalizeTask(task *Task) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Priority == "" {
		task.Priority = bus.PriorityMedium
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
}
