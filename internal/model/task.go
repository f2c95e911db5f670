package model

import "time"

// TaskKind selects which enrichment strategy a task runs.
type TaskKind string

const (
	KindEmbedding   TaskKind = "embedding"
	KindPlatforms   TaskKind = "platforms"
	KindReleaseDate TaskKind = "release-date"
)

// AllKinds lists every task kind in a stable order.
func AllKinds() []TaskKind {
	return []TaskKind{KindEmbedding, KindPlatforms, KindReleaseDate}
}

// ParseKind converts a path or CLI argument into a TaskKind.
func ParseKind(s string) (TaskKind, bool) {
	for _, k := range AllKinds() {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Attribute returns the derived attribute a kind fills in.
func (k TaskKind) Attribute() Attribute {
	switch k {
	case KindEmbedding:
		return AttributeEmbedding
	case KindPlatforms:
		return AttributePlatformLinks
	case KindReleaseDate:
		return AttributeReleaseDate
	}
	return ""
}

// TaskStatus is a state in the task lifecycle.
type TaskStatus string

const (
	TaskStarting   TaskStatus = "starting"
	TaskCounting   TaskStatus = "counting"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskStopping   TaskStatus = "stopping"
	TaskStopped    TaskStatus = "stopped"
)

// taskTransitions lists the allowed next states for each status.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStarting:   {TaskCounting, TaskFailed, TaskStopping},
	TaskCounting:   {TaskProcessing, TaskFailed, TaskStopping},
	TaskProcessing: {TaskCompleted, TaskFailed, TaskStopping},
	TaskStopping:   {TaskStopped, TaskFailed},
}

// CanTransition reports whether a task may move from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends a task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskStopped
}

// Task is one supervised run of an enrichment strategy.
type Task struct {
	ID         string     `json:"taskId"`
	Kind       TaskKind   `json:"kind"`
	Status     TaskStatus `json:"status"`
	Processed  int        `json:"processed"`
	Failed     int        `json:"failed"`
	Total      int        `json:"total"`
	StartTime  time.Time  `json:"startTime"`
	LastUpdate time.Time  `json:"lastUpdate"`
	LastError  string     `json:"lastError,omitempty"`
	Restarts   int        `json:"restarts"`
}
