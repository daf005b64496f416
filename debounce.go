package main

import "time"

// DebounceState is the mutable part of an EventDebouncer.
type DebounceState struct {
	ConsecutiveMotionFrames int
	// LastEventTimestamp is the zero time until the first event fires.
	LastEventTimestamp time.Time
}

// Idle reports whether no motion streak is being counted.
func (s DebounceState) Idle() bool {
	return s.ConsecutiveMotionFrames == 0
}

// EventDebouncer turns per-frame motion detections into reportable events.
// An event fires only after minFrames consecutive motion frames, and never
// sooner than minInterval after the previous event.
type EventDebouncer struct {
	minInterval time.Duration
	minFrames   int
	state       DebounceState
}

// NewEventDebouncer returns a debouncer in the Idle state.
func NewEventDebouncer(minInterval time.Duration, minFrames int) *EventDebouncer {
	if minFrames < 1 {
		minFrames = 1
	}
	return &EventDebouncer{minInterval: minInterval, minFrames: minFrames}
}

// Evaluate feeds one frame's outcome and reports whether a new event should
// be raised now.
func (d *EventDebouncer) Evaluate(regionPresent bool, now time.Time) bool {
	if !regionPresent {
		d.state.ConsecutiveMotionFrames = 0
		return false
	}

	// Cooldown: sustained motion right after an event is not counted at all.
	if !d.state.LastEventTimestamp.IsZero() && now.Sub(d.state.LastEventTimestamp) < d.minInterval {
		return false
	}

	d.state.ConsecutiveMotionFrames++
	if d.state.ConsecutiveMotionFrames < d.minFrames {
		return false
	}

	d.state.ConsecutiveMotionFrames = 0
	d.state.LastEventTimestamp = now
	return true
}

// State returns a copy of the current state.
func (d *EventDebouncer) State() DebounceState {
	return d.state
}
