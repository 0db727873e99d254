package scheduler

import (
	"strings"
	"testing"

	"github.com/ShayCichocki/gantry/pkg/models"
)

func graphOf(tasks ...models.Task) *models.TaskGraph {
	return &models.TaskGraph{Version: 1, Tasks: tasks}
}

func TestGetReadyHonorsDependencies(t *testing.T) {
	s := New(graphOf(
		models.Task{ID: "A"},
		models.Task{ID: "B", DependsOn: []string{"A"}},
	))

	ready := s.GetReady()
	if len(ready) != 1 || ready[0] != "A" {
		t.Fatalf("expected [A], got %v", ready)
	}

	s.StartTask("A")
	s.CompleteTask("A")

	ready = s.GetReady()
	if len(ready) != 1 || ready[0] != "B" {
		t.Fatalf("expected [B] after A done, got %v", ready)
	}
}

func TestGetReadyHonorsMutex(t *testing.T) {
	s := New(graphOf(
		models.Task{ID: "A", Mutex: []string{"db"}},
		models.Task{ID: "B", Mutex: []string{"db"}},
	))

	ready := s.GetReady()
	if len(ready) != 2 {
		t.Fatalf("expected both ready before start, got %v", ready)
	}

	s.StartTask("A")

	ready = s.GetReady()
	if len(ready) != 0 {
		t.Fatalf("expected no ready tasks while db is locked, got %v", ready)
	}

	holder, held := s.MutexHolder("db")
	if !held || holder != "A" {
		t.Errorf("expected db held by A, got %q held=%v", holder, held)
	}

	s.CompleteTask("A")

	ready = s.GetReady()
	if len(ready) != 1 || ready[0] != "B" {
		t.Fatalf("expected [B] after A released db, got %v", ready)
	}
}

func TestMutexMutualExclusion(t *testing.T) {
	s := New(graphOf(
		models.Task{ID: "A", Mutex: []string{"db"}},
		models.Task{ID: "B", Mutex: []string{"db"}},
		models.Task{ID: "C"},
	))

	s.StartTask("A")
	s.StartTask("C")

	// B must never appear ready while A holds db.
	for _, id := range s.GetReady() {
		if id == "B" {
			t.Fatal("B became ready while A holds its mutex")
		}
	}
}

func TestEmptyEntriesIgnored(t *testing.T) {
	s := New(graphOf(
		models.Task{ID: "A", DependsOn: []string{""}, Mutex: []string{""}},
	))

	ready := s.GetReady()
	if len(ready) != 1 || ready[0] != "A" {
		t.Fatalf("empty dep/mutex entries should be no-ops, got %v", ready)
	}
}

func TestCompleteTaskGuarded(t *testing.T) {
	s := New(graphOf(
		models.Task{ID: "A", Mutex: []string{"db"}},
		models.Task{ID: "B", Mutex: []string{"db"}},
	))

	s.StartTask("A")
	s.CompleteTask("A")
	// Second complete on an already-done task must not release B's lock.
	s.StartTask("B")
	s.CompleteTask("A")

	holder, held := s.MutexHolder("db")
	if !held || holder != "B" {
		t.Fatalf("stale complete released B's mutex: holder=%q held=%v", holder, held)
	}
	if s.State("A") != StateDone {
		t.Errorf("A should remain done, got %s", s.State("A"))
	}
}

func TestRetryTaskReturnsToPending(t *testing.T) {
	s := New(graphOf(models.Task{ID: "A", Mutex: []string{"db"}}))

	s.StartTask("A")
	s.RetryTask("A")

	if s.State("A") != StatePending {
		t.Errorf("expected pending after retry, got %s", s.State("A"))
	}
	if _, held := s.MutexHolder("db"); held {
		t.Error("mutex should be released on retry")
	}
}

func TestCheckDeadlockAndFailedDeps(t *testing.T) {
	s := New(graphOf(
		models.Task{ID: "A"},
		models.Task{ID: "B", DependsOn: []string{"A"}},
	))

	if s.CheckDeadlock() {
		t.Fatal("fresh graph should not be deadlocked")
	}

	s.StartTask("A")
	s.FailTask("A")

	if !s.CheckDeadlock() {
		t.Fatal("expected deadlock: B blocked on failed A, nothing running")
	}
	if !s.HasFailedDeps("B") {
		t.Error("B should report failed deps")
	}
	if s.HasFailedDeps("A") {
		t.Error("A has no deps and should not report failed deps")
	}
}

func TestExplainBlock(t *testing.T) {
	s := New(graphOf(
		models.Task{ID: "A"},
		models.Task{ID: "B", DependsOn: []string{"A"}, Mutex: []string{"db"}},
		models.Task{ID: "C", Mutex: []string{"db"}},
	))

	s.StartTask("C")

	explain := s.ExplainBlock("B")
	if want := "dependsOn: A (pending)"; !strings.Contains(explain, want) {
		t.Errorf("expected %q in explanation, got %q", want, explain)
	}
	if want := "mutex: db (held by C)"; !strings.Contains(explain, want) {
		t.Errorf("expected %q in explanation, got %q", want, explain)
	}
}

func TestCompletedTasksStartDone(t *testing.T) {
	s := New(graphOf(
		models.Task{ID: "A", Completed: true},
		models.Task{ID: "B", DependsOn: []string{"A"}},
	))

	if s.State("A") != StateDone {
		t.Fatalf("completed task should start done, got %s", s.State("A"))
	}

	ready := s.GetReady()
	if len(ready) != 1 || ready[0] != "B" {
		t.Fatalf("expected [B], got %v", ready)
	}
}

func TestGetReadyPreservesInputOrder(t *testing.T) {
	s := New(graphOf(
		models.Task{ID: "Z"},
		models.Task{ID: "M"},
		models.Task{ID: "A"},
	))

	ready := s.GetReady()
	want := []string{"Z", "M", "A"}
	if len(ready) != len(want) {
		t.Fatalf("expected %v, got %v", want, ready)
	}
	for i := range want {
		if ready[i] != want[i] {
			t.Fatalf("expected input order %v, got %v", want, ready)
		}
	}
}
