package pool

import (
	"time"

	"github.com/google/uuid"
)

// Status is a worker's lifecycle state.
type Status string

const (
	StatusIdle  Status = "idle"
	StatusBusy  Status = "busy"
	StatusError Status = "error"
)

const (
	// scoreSeed is the initial performance score for a role.
	scoreSeed = 1.0
	// specializationThreshold is the score above which a worker earns the
	// specialization flag for a role. The flag is monotonic: it is never
	// revoked by later slow executions.
	specializationThreshold = 1.2
	// scoreDecay and scoreGain weight the responsiveness moving average:
	// newScore = scoreDecay*old + scoreGain*(1000/execMs).
	scoreDecay = 0.7
	scoreGain  = 0.3
)

// worker is a pool member. The pool is the sole owner and mutator; all
// fields are guarded by the pool's lock. External callers only ever see
// WorkerState snapshots.
type worker struct {
	id              string
	role            Role
	status          Status
	currentTasks    map[string]bool
	lastActivity    time.Time
	capabilities    []string
	scores          map[Role]float64
	specializations map[Role]bool
	createdAt       time.Time
}

func newWorker() *worker {
	now := time.Now()
	return &worker{
		id:              uuid.NewString(),
		role:            RoleUnassigned,
		status:          StatusIdle,
		currentTasks:    make(map[string]bool),
		lastActivity:    now,
		scores:          make(map[Role]float64),
		specializations: make(map[Role]bool),
		createdAt:       now,
	}
}

// assignRole transitions the worker to role and installs that role's fixed
// capability set. Assigning the role it already holds changes nothing, so
// capabilities are never duplicated.
func (w *worker) assignRole(role Role) {
	if role == w.role {
		return
	}
	w.role = role
	w.capabilities = CapabilitiesFor(role)
	w.lastActivity = time.Now()
}

// recordExecution folds one task execution into the worker's performance
// score for role and earns specialization once the score crosses the
// threshold.
func (w *worker) recordExecution(role Role, execution time.Duration) {
	ms := float64(execution) / float64(time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	old, ok := w.scores[role]
	if !ok {
		old = scoreSeed
	}
	score := scoreDecay*old + scoreGain*(1000/ms)
	w.scores[role] = score
	if score > specializationThreshold {
		w.specializations[role] = true
	}
}

func (w *worker) isSpecializedFor(role Role) bool {
	return w.specializations[role]
}

func (w *worker) hasCapability(taskType string) bool {
	for _, c := range w.capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// WorkerState is an immutable snapshot of one worker.
type WorkerState struct {
	ID              string
	Role            Role
	Status          Status
	CurrentTasks    []string
	LastActivity    time.Time
	Capabilities    []string
	Scores          map[Role]float64
	Specializations []Role
	CreatedAt       time.Time
}

// snapshot copies the worker into an independent WorkerState.
func (w *worker) snapshot() WorkerState {
	s := WorkerState{
		ID:           w.id,
		Role:         w.role,
		Status:       w.status,
		LastActivity: w.lastActivity,
		Capabilities: append([]string(nil), w.capabilities...),
		Scores:       make(map[Role]float64, len(w.scores)),
		CreatedAt:    w.createdAt,
	}
	for id := range w.currentTasks {
		s.CurrentTasks = append(s.CurrentTasks, id)
	}
	for role, score := range w.scores {
		s.Scores[role] = score
	}
	for role, on := range w.specializations {
		if on {
			s.Specializations = append(s.Specializations, role)
		}
	}
	return s
}
