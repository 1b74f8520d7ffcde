package pool

import (
	"context"
	"time"

	"conduit/internal/bus"
)

// Task is one unit of work routed through the pool. Deadline is carried but
// not enforced by the pool or orchestrator; external watchdogs may consult
// it.
type Task struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Priority     bus.Priority           `json:"priority"`
	Input        map[string]interface{} `json:"input,omitempty"`
	Deadline     *time.Time             `json:"deadline,omitempty"`
	ParentTaskID string                 `json:"parentTaskId,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// TaskError is the structured failure carried in a Result.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result reports one task's outcome. Handler errors are contained here;
// they never propagate to the pool's caller as an error.
type Result struct {
	TaskID   string        `json:"taskId"`
	WorkerID string        `json:"workerId"`
	Role     Role          `json:"role"`
	Success  bool          `json:"success"`
	Output   interface{}   `json:"output,omitempty"`
	Error    *TaskError    `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Handler is the external task-processing seam. The pool only routes;
// actual AI/codegen/test-execution logic plugs in here, one handler per
// role.
type Handler interface {
	ProcessTask(ctx context.Context, task Task) (interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task) (interface{}, error)

// ProcessTask calls f.
func (f HandlerFunc) ProcessTask(ctx context.Context, task Task) (interface{}, error) {
	return f(ctx, task)
}
