package crawler

import (
	"time"

	"github.com/google/uuid"
)

// State is a component lifecycle state.
type State string

// Lifecycle states. Completed, Failed and Stopped are terminal.
const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StatePausing    State = "pausing"
	StatePaused     State = "paused"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

// ComponentInfo is the immutable identity of a component instance.
type ComponentInfo struct {
	Name   string `json:"name"`
	ID     string `json:"id"`
	NodeID string `json:"node_id"`
	Kind   Kind   `json:"-"`
}

// NewComponentInfo assigns a fresh instance id to a component of kind on node.
func NewComponentInfo(kind Kind, nodeID string) ComponentInfo {
	return ComponentInfo{
		Name:   kind.String(),
		ID:     uuid.NewString(),
		NodeID: nodeID,
		Kind:   kind,
	}
}

// ComponentStatus is a point-in-time snapshot. It is never mutated after creation.
type ComponentStatus struct {
	Info               ComponentInfo `json:"info"`
	State              State         `json:"state"`
	TasksInUse         int           `json:"tasks_in_use"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
	QueueCount         int           `json:"queue_count"`

	// Abandoned counts timed-out processors that have not yet returned.
	Abandoned int `json:"abandoned"`

	// Processed counts items that reached a terminal item status.
	Processed     int64     `json:"processed"`
	Failed        int64     `json:"failed"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
	Error         string    `json:"error,omitempty"`
	CapturedAt    time.Time `json:"captured_at"`
}

// Idle reports whether the snapshot shows no queued and no running work.
func (s ComponentStatus) Idle() bool {
	return s.QueueCount == 0 && s.TasksInUse == 0 && s.Abandoned == 0
}

// ComponentFilter selects components by name or id. The zero value and
// MatchAll match every component.
type ComponentFilter struct {
	Names []string
	IDs   []string
	all   bool
}

// MatchAll is the sentinel filter that short-circuits matching.
var MatchAll = ComponentFilter{all: true}

// FilterByName matches components whose name is one of names.
func FilterByName(names ...string) ComponentFilter {
	return ComponentFilter{Names: names}
}

// FilterByID matches components whose instance id is one of ids.
func FilterByID(ids ...string) ComponentFilter {
	return ComponentFilter{IDs: ids}
}

// Matches reports whether info is selected by the filter.
func (f ComponentFilter) Matches(info ComponentInfo) bool {
	if f.all || (len(f.Names) == 0 && len(f.IDs) == 0) {
		return true
	}
	for _, n := range f.Names {
		if n == info.Name {
			return true
		}
	}
	for _, id := range f.IDs {
		if id == info.ID {
			return true
		}
	}
	return false
}
