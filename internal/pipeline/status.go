package pipeline

// NodeStatus is the lifecycle of a canvas node's media asset. Order matters:
// a pipeline always moves a node forward, never backward. `failed` sits
// outside the order and is reachable from any non-terminal status.
type NodeStatus string

const (
	StatusUploading  NodeStatus = "uploading"
	StatusGenerating NodeStatus = "generating"
	StatusCompleted  NodeStatus = "completed"
	StatusFin        NodeStatus = "fin"
	StatusFailed     NodeStatus = "failed"
)

var statusOrder = map[NodeStatus]int{
	StatusUploading:  0,
	StatusGenerating: 1,
	StatusCompleted:  2,
	StatusFin:        3,
}

func (s NodeStatus) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusOrder[s]
	return ok
}

// Terminal statuses accept no further pipeline except an explicit retry,
// which the caller models as a fresh run.
func (s NodeStatus) Terminal() bool {
	return s == StatusFin || s == StatusFailed
}

func (s NodeStatus) Before(other NodeStatus) bool {
	a, okA := statusOrder[s]
	b, okB := statusOrder[other]
	return okA && okB && a < b
}

// CanTransition reports whether a node may move from one status to another.
func CanTransition(from, to NodeStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return from.Before(to)
}
