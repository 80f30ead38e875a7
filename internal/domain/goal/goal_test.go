package goal

import "testing"

func TestCalculatedProgress(t *testing.T) {
	tests := []struct {
		name            string
		current, target float64
		want            float64
	}{
		{"zero target", 5, 0, 0},
		{"halfway", 50, 100, 50},
		{"complete", 100, 100, 100},
		{"over target clamps", 150, 100, 100},
		{"fractional", 1, 3, 100.0 / 3.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &Goal{CurrentValue: tt.current, TargetValue: tt.target}
			if got := g.CalculatedProgress(); got != tt.want {
				t.Errorf("CalculatedProgress() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransparencyGap(t *testing.T) {
	g := &Goal{CurrentValue: 67, TargetValue: 100, ReportedProgress: 67}
	if g.TransparencyGap() {
		t.Error("matching reported progress should not flag a gap")
	}

	g.ReportedProgress = 100
	if !g.TransparencyGap() {
		t.Error("diverging reported progress must flag a gap")
	}
}

func TestSatisfied(t *testing.T) {
	g := &Goal{CurrentValue: 100, TargetValue: 100}
	if !g.Satisfied() {
		t.Error("current == target should satisfy")
	}
	g.CurrentValue = 99
	if g.Satisfied() {
		t.Error("current < target should not satisfy")
	}
	g = &Goal{CurrentValue: 5, TargetValue: 0}
	if g.Satisfied() {
		t.Error("zero target never satisfies")
	}
}

func TestStatusAcceptsTasks(t *testing.T) {
	accepting := []Status{StatusPending, StatusActive}
	for _, s := range accepting {
		if !s.AcceptsTasks() {
			t.Errorf("%s should accept tasks", s)
		}
	}
	rejecting := []Status{StatusPaused, StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range rejecting {
		if s.AcceptsTasks() {
			t.Errorf("%s should not accept tasks", s)
		}
	}
}

func TestPriorityWeight(t *testing.T) {
	if PriorityCritical.Weight() <= PriorityHigh.Weight() {
		t.Error("critical must outweigh high")
	}
	if PriorityHigh.Weight() <= PriorityMedium.Weight() {
		t.Error("high must outweigh medium")
	}
	if PriorityMedium.Weight() <= PriorityLow.Weight() {
		t.Error("medium must outweigh low")
	}
}
