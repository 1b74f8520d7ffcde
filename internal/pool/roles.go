// Package pool implements the dynamic worker pool and task router. Workers
// are generic until assigned a role; the pool routes each task to an idle,
// capability-matched worker, recruits or creates workers under load, and
// retires idle ones down to the configured minimum.
package pool

import (
	"errors"
	"fmt"
)

// Role is a named specialization determining which task types a worker may
// handle.
type Role string

const (
	RoleUnassigned Role = ""
	RoleArchitect  Role = "architect"
	RoleCoder      Role = "coder"
	RoleTester     Role = "tester"
	RoleReviewer   Role = "reviewer"
	RoleResearcher Role = "researcher"
)

// ErrUnknownTaskType is wrapped into routing errors for task types absent
// from the routing table.
var ErrUnknownTaskType = errors.New("pool: unknown task type")

// roleCapabilities is the fixed capability set installed on a worker when it
// is assigned the role.
var roleCapabilities = map[Role][]string{
	RoleArchitect:  {"design:plan", "design:review"},
	RoleCoder:      {"code:generate", "code:refactor", "code:fix"},
	RoleTester:     {"test:generate", "test:run"},
	RoleReviewer:   {"code:review", "diff:analyze"},
	RoleResearcher: {"research:query", "docs:summarize"},
}

// taskTypeRoles routes each task type to the role that handles it.
var taskTypeRoles = func() map[string]Role {
	m := make(map[string]Role)
	for role, caps := range roleCapabilities {
		for _, c := range caps {
			m[c] = role
		}
	}
	return m
}()

// RoleForTaskType resolves a task type to its handling role. Unknown types
// are a routing failure, never silently dropped.
func RoleForTaskType(taskType string) (Role, error) {
	role, ok := taskTypeRoles[taskType]
	if !ok {
		return RoleUnassigned, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	return role, nil
}

// CapabilitiesFor returns a copy of the fixed capability set for role.
func CapabilitiesFor(role Role) []string {
	return append([]string(nil), roleCapabilities[role]...)
}

// Roles lists every assignable role.
func Roles() []Role {
	return []Role{RoleArchitect, RoleCoder, RoleTester, RoleReviewer, RoleResearcher}
}
