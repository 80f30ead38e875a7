package task

import (
	"testing"
	"time"
)

func TestComputeSemanticHashStable(t *testing.T) {
	a := ComputeSemanticHash("Draft email #1", "write the opener", "goal-1")
	b := ComputeSemanticHash("Draft email #1", "write the opener", "goal-1")
	if a != b {
		t.Error("identical inputs must hash identically")
	}

	c := ComputeSemanticHash("Draft email #1", "write the opener", "goal-2")
	if a == c {
		t.Error("different goal ids must produce different hashes")
	}

	// Field boundaries must not be ambiguous.
	d := ComputeSemanticHash("ab", "c", "g")
	e := ComputeSemanticHash("a", "bc", "g")
	if d == e {
		t.Error("hash must separate name and description")
	}
}

func TestComputePriorityAgingBoost(t *testing.T) {
	now := time.Now()
	fresh := ComputePriority(PriorityInputs{BasePriority: 1, PendingSince: now, Now: now})
	aged := ComputePriority(PriorityInputs{BasePriority: 1, PendingSince: now.Add(-25 * time.Minute), Now: now})

	if aged <= fresh {
		t.Errorf("aged task (%v) should outrank fresh task (%v)", aged, fresh)
	}
	// sqrt(25) == 5
	if diff := aged - fresh; diff < 4.9 || diff > 5.1 {
		t.Errorf("aging boost = %v, want ~5 for 25 minutes", diff)
	}
}

func TestComputePrioritySublinearAging(t *testing.T) {
	now := time.Now()
	boost := func(minutes float64) float64 {
		return ComputePriority(PriorityInputs{
			PendingSince: now.Add(-time.Duration(minutes * float64(time.Minute))),
			Now:          now,
		})
	}

	// Doubling the wait should less than double the boost.
	if boost(100)/boost(50) >= 2 {
		t.Error("aging boost must grow sublinearly")
	}
}

func TestComputePriorityRecoveryPenalty(t *testing.T) {
	now := time.Now()
	healthy := ComputePriority(PriorityInputs{BasePriority: 1, Now: now})
	failing := ComputePriority(PriorityInputs{BasePriority: 1, RecoveryCount: 3, Now: now})

	if diff := healthy - failing; diff < 0.29 || diff > 0.31 {
		t.Errorf("recovery penalty = %v, want 0.3 for 3 recoveries", diff)
	}
}

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusReady, false},
		{StatusInProgress, false},
		{StatusFailed, false}, // failed tasks re-enter the queue via recovery
		{StatusNeedsRevision, false},
		{StatusCompleted, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("Status(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestFillSemanticHash(t *testing.T) {
	tk := &Task{Name: "n", Description: "d", GoalID: "g"}
	tk.FillSemanticHash()
	if tk.SemanticHash != ComputeSemanticHash("n", "d", "g") {
		t.Error("FillSemanticHash must use the task's own fields")
	}
}
