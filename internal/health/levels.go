// Package health implements the adaptive liveness prober for the gateway
// listener. Polling starts aggressive and backs off as consecutive successes
// accumulate; any failure snaps back to the most aggressive level.
package health

import "time"

// Level pairs a probe interval with the consecutive-success count required to
// advance to the next level. Threshold 0 marks a terminal level.
type Level struct {
	Interval  time.Duration
	Threshold int
}

// DefaultLevels is the six-step schedule used in production.
var DefaultLevels = []Level{
	{Interval: 10 * time.Second, Threshold: 10},
	{Interval: 30 * time.Second, Threshold: 10},
	{Interval: 60 * time.Second, Threshold: 10},
	{Interval: 300 * time.Second, Threshold: 6},
	{Interval: 600 * time.Second, Threshold: 6},
	{Interval: 900 * time.Second, Threshold: 0},
}

// State is the in-memory check state. It exists only while the gateway runs.
type State struct {
	LevelIndex         int
	ConsecutiveSuccess int
}

// Advance applies one probe outcome to the state and returns the new state,
// the delay until the next probe, and whether the level changed. It is a pure
// function so scheduling can be tested without real time elapsing.
func Advance(levels []Level, s State, success bool) (State, time.Duration, bool) {
	if len(levels) == 0 {
		return State{}, 0, false
	}
	if !success {
		return State{}, levels[0].Interval, s.LevelIndex != 0
	}

	s.ConsecutiveSuccess++
	level := levels[s.LevelIndex]
	if level.Threshold > 0 && s.ConsecutiveSuccess >= level.Threshold && s.LevelIndex+1 < len(levels) {
		s.LevelIndex++
		s.ConsecutiveSuccess = 0
		return s, levels[s.LevelIndex].Interval, true
	}
	return s, level.Interval, false
}

// shouldLogSuccess implements the flood-control discipline: the first three
// successes, any success that changes level, then every 20th.
func shouldLogSuccess(totalSuccesses int, levelChanged bool) bool {
	if levelChanged {
		return true
	}
	if totalSuccesses <= 3 {
		return true
	}
	return totalSuccesses%20 == 0
}
