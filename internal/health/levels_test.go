package health

import (
	"testing"
	"time"
)

func TestAdvance_LadderUnderConstantSuccess(t *testing.T) {
	s := State{}
	var levelChanges []int
	// Thresholds: 10,10,10,6,6 to reach the terminal level.
	total := 10 + 10 + 10 + 6 + 6
	for i := 0; i < total; i++ {
		var changed bool
		s, _, changed = Advance(DefaultLevels, s, true)
		if changed {
			levelChanges = append(levelChanges, i+1)
		}
	}

	if s.LevelIndex != 5 {
		t.Fatalf("LevelIndex = %d, want 5", s.LevelIndex)
	}
	// Level changes occur exactly at the cumulative thresholds.
	want := []int{10, 20, 30, 36, 42}
	if len(levelChanges) != len(want) {
		t.Fatalf("level changes at %v, want %v", levelChanges, want)
	}
	for i := range want {
		if levelChanges[i] != want[i] {
			t.Errorf("level change %d at success #%d, want #%d", i, levelChanges[i], want[i])
		}
	}

	// Terminal level: stays at 5 indefinitely.
	for i := 0; i < 1000; i++ {
		var changed bool
		var delay time.Duration
		s, delay, changed = Advance(DefaultLevels, s, true)
		if changed || s.LevelIndex != 5 {
			t.Fatalf("left terminal level at extra success #%d: %+v", i, s)
		}
		if delay != 900*time.Second {
			t.Fatalf("delay = %v at terminal level, want 900s", delay)
		}
	}
}

func TestAdvance_IntervalPerLevel(t *testing.T) {
	s := State{}
	_, delay, _ := Advance(DefaultLevels, s, true)
	if delay != 10*time.Second {
		t.Errorf("level 0 delay = %v, want 10s", delay)
	}

	s = State{LevelIndex: 3}
	_, delay, _ = Advance(DefaultLevels, s, true)
	if delay != 300*time.Second {
		t.Errorf("level 3 delay = %v, want 300s", delay)
	}
}

func TestAdvance_SingleFailureResetsFromAnyLevel(t *testing.T) {
	for idx := range DefaultLevels {
		s := State{LevelIndex: idx, ConsecutiveSuccess: 5}
		next, delay, _ := Advance(DefaultLevels, s, false)
		if next.LevelIndex != 0 || next.ConsecutiveSuccess != 0 {
			t.Errorf("failure at level %d: state = %+v, want zero state", idx, next)
		}
		if delay != 10*time.Second {
			t.Errorf("failure at level %d: delay = %v, want 10s", idx, delay)
		}
	}
}

func TestAdvance_ThresholdBoundary(t *testing.T) {
	// The 9th success on level 0 does not advance; the 10th does.
	s := State{LevelIndex: 0, ConsecutiveSuccess: 8}
	s, _, changed := Advance(DefaultLevels, s, true)
	if changed || s.LevelIndex != 0 {
		t.Fatalf("advanced one success early: %+v", s)
	}
	s, delay, changed := Advance(DefaultLevels, s, true)
	if !changed || s.LevelIndex != 1 || s.ConsecutiveSuccess != 0 {
		t.Fatalf("did not advance at threshold: %+v", s)
	}
	if delay != 30*time.Second {
		t.Errorf("post-advance delay = %v, want the new level's 30s", delay)
	}
}

func TestShouldLogSuccess(t *testing.T) {
	tests := []struct {
		total        int
		levelChanged bool
		want         bool
	}{
		{1, false, true},
		{2, false, true},
		{3, false, true},
		{4, false, false},
		{10, true, true},
		{19, false, false},
		{20, false, true},
		{40, false, true},
		{41, false, false},
	}
	for _, tt := range tests {
		if got := shouldLogSuccess(tt.total, tt.levelChanged); got != tt.want {
			t.Errorf("shouldLogSuccess(%d, %v) = %v, want %v", tt.total, tt.levelChanged, got, tt.want)
		}
	}
}
