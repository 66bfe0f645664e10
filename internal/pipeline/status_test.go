package pipeline

import "testing"

func TestNodeStatusOrdering(t *testing.T) {
	forward := []NodeStatus{StatusUploading, StatusGenerating, StatusCompleted, StatusFin}
	for i := 0; i < len(forward); i++ {
		for j := 0; j < len(forward); j++ {
			got := forward[i].Before(forward[j])
			if want := i < j; got != want {
				t.Fatalf("Before(%s, %s): want=%v got=%v", forward[i], forward[j], want, got)
			}
		}
	}
	if StatusFailed.Before(StatusFin) || StatusUploading.Before(StatusFailed) {
		t.Fatalf("failed should sit outside the ordering")
	}
}

func TestCanTransition(t *testing.T) {
	allow := [][2]NodeStatus{
		{StatusUploading, StatusGenerating},
		{StatusUploading, StatusCompleted},
		{StatusGenerating, StatusCompleted},
		{StatusCompleted, StatusFin},
		{StatusUploading, StatusFailed},
		{StatusGenerating, StatusFailed},
		{StatusCompleted, StatusFailed},
	}
	for _, p := range allow {
		if !CanTransition(p[0], p[1]) {
			t.Fatalf("CanTransition(%s, %s): want=true", p[0], p[1])
		}
	}
	deny := [][2]NodeStatus{
		{StatusGenerating, StatusUploading},
		{StatusCompleted, StatusGenerating},
		{StatusFin, StatusFailed},
		{StatusFailed, StatusUploading},
		{StatusFailed, StatusCompleted},
		{StatusUploading, StatusUploading},
		{NodeStatus("bogus"), StatusGenerating},
		{StatusUploading, NodeStatus("bogus")},
	}
	for _, p := range deny {
		if CanTransition(p[0], p[1]) {
			t.Fatalf("CanTransition(%s, %s): want=false", p[0], p[1])
		}
	}
}

func TestTaskStateTerminal(t *testing.T) {
	if TaskPending.Terminal() || TaskSubmitted.Terminal() {
		t.Fatalf("non-terminal states reported terminal")
	}
	if !TaskCompleted.Terminal() || !TaskFailed.Terminal() {
		t.Fatalf("terminal states reported non-terminal")
	}
}
