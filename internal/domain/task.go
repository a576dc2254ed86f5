package domain

import "time"

// TaskKind identifies the request that produced a QueryTask.
type TaskKind string

const (
	TaskQuery  TaskKind = "query"
	TaskEdit   TaskKind = "edit_query"
	TaskReview TaskKind = "review_result"
)

// TaskState is the lifecycle state of a QueryTask.
type TaskState string

const (
	TaskPending    TaskState = "PENDING"
	TaskRunning    TaskState = "RUNNING"
	TaskCancelling TaskState = "CANCELLING"
	TaskCancelled  TaskState = "CANCELLED"
	TaskCompleted  TaskState = "COMPLETED"
	TaskFailed     TaskState = "FAILED"
)

// Active reports whether the task still occupies the session's single task slot.
func (s TaskState) Active() bool {
	return s == TaskRunning || s == TaskCancelling
}

// Terminal reports whether the task has finished.
func (s TaskState) Terminal() bool {
	return s == TaskCancelled || s == TaskCompleted || s == TaskFailed
}

// QueryTask is one unit of requested agent work.
type QueryTask struct {
	ID        string
	Kind      TaskKind
	Text      string
	Files     []string
	Resume    bool
	State     TaskState
	StartedAt time.Time
}
