package domain

import (
	"fmt"
	"strings"
)

// TaskState is the lifecycle position of one Task Instance.
type TaskState string

const (
	TaskStatePending      TaskState = "PENDING"
	TaskStateProvisioning TaskState = "PROVISIONING"
	TaskStateRunning      TaskState = "RUNNING"
	TaskStateSucceeded    TaskState = "SUCCEEDED"
	TaskStateFailed       TaskState = "FAILED"
	TaskStateReclaimed    TaskState = "RECLAIMED"
)

// There is no edge out of FAILED other than reclaim: failed tasks are never retried.
var taskTransitions = map[TaskState][]TaskState{
	TaskStatePending:      {TaskStateProvisioning, TaskStateFailed},
	TaskStateProvisioning: {TaskStateRunning, TaskStateFailed},
	TaskStateRunning:      {TaskStateSucceeded, TaskStateFailed},
	TaskStateSucceeded:    {TaskStateReclaimed},
	TaskStateFailed:       {TaskStateReclaimed},
	TaskStateReclaimed:    {},
}

func (s TaskState) Valid() bool {
	_, ok := taskTransitions[s]
	return ok
}

// Finished reports whether the task reached an outcome (succeeded or failed).
func (s TaskState) Finished() bool {
	return s == TaskStateSucceeded || s == TaskStateFailed
}

// Terminal reports whether nothing further will happen to the task.
func (s TaskState) Terminal() bool {
	return s == TaskStateReclaimed
}

func ParseTaskState(v string) (TaskState, error) {
	s := TaskState(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown task state %q", v)
	}
	return s, nil
}

func CanTransitionTaskState(from, to TaskState) bool {
	for _, candidate := range taskTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func ValidateTaskTransition(from, to TaskState) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("invalid task state transition %q -> %q", from, to)
	}
	if !CanTransitionTaskState(from, to) {
		return fmt.Errorf("task state transition %q -> %q not allowed", from, to)
	}
	return nil
}

// PathTo returns the states to pass through, in order, to move from one state to
// a later one. A task observed as SUCCEEDED while still recorded as
// PROVISIONING yields [RUNNING, SUCCEEDED]. It returns nil when to is not
// reachable.
func PathTo(from, to TaskState) []TaskState {
	if from == to {
		return nil
	}
	type node struct {
		state TaskState
		path  []TaskState
	}
	queue := []node{{state: from}}
	seen := map[TaskState]bool{from: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range taskTransitions[cur.state] {
			if seen[next] {
				continue
			}
			path := append(append([]TaskState(nil), cur.path...), next)
			if next == to {
				return path
			}
			seen[next] = true
			queue = append(queue, node{state: next, path: path})
		}
	}
	return nil
}
