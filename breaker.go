package main

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int32

const (
	// CircuitClosed lets every call through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the cool-off period has passed.
	CircuitOpen
	// CircuitHalfOpen lets calls through to probe for recovery.
	CircuitHalfOpen
)

// String returns a string representation of the CircuitState.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker stops hammering a failing camera. After maxFailures
// consecutive failed reads it opens; once coolOff has elapsed it lets probe
// reads through and closes again after recoveryThreshold successes.
type CircuitBreaker struct {
	state           atomic.Int32
	failureCount    atomic.Int64
	successCount    atomic.Int64
	lastFailureTime atomic.Int64

	maxFailures       int64
	coolOff           time.Duration
	recoveryThreshold int64
	logger            *slog.Logger
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(maxFailures int64, coolOff time.Duration, recoveryThreshold int64, logger *slog.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		maxFailures:       maxFailures,
		coolOff:           coolOff,
		recoveryThreshold: recoveryThreshold,
		logger:            logger,
	}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// Call runs fn unless the breaker is open, and records the outcome.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if CircuitState(cb.state.Load()) == CircuitOpen {
		since := time.Since(cb.GetLastFailureTime())
		if since <= cb.coolOff {
			return fmt.Errorf("circuit breaker is open, last failure %v ago", since.Round(time.Millisecond))
		}
		if cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen)) {
			cb.successCount.Store(0)
			cb.logger.Info("Circuit breaker state transition", "from", CircuitOpen, "to", CircuitHalfOpen)
		}
	}

	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) recordFailure() {
	cb.lastFailureTime.Store(time.Now().UnixNano())
	failures := cb.failureCount.Add(1)
	current := CircuitState(cb.state.Load())

	switch {
	case current == CircuitHalfOpen:
		cb.state.Store(int32(CircuitOpen))
		cb.successCount.Store(0)
		cb.logger.Warn("Circuit breaker state transition",
			"from", current, "to", CircuitOpen, "reason", "failure_during_recovery")
	case current == CircuitClosed && failures >= cb.maxFailures:
		cb.state.Store(int32(CircuitOpen))
		cb.logger.Warn("Circuit breaker state transition",
			"from", current, "to", CircuitOpen,
			"failure_count", failures, "max_failures", cb.maxFailures)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.failureCount.Store(0)
	if CircuitState(cb.state.Load()) != CircuitHalfOpen {
		return
	}
	if cb.successCount.Add(1) < cb.recoveryThreshold {
		return
	}
	if cb.state.CompareAndSwap(int32(CircuitHalfOpen), int32(CircuitClosed)) {
		cb.logger.Info("Circuit breaker state transition", "from", CircuitHalfOpen, "to", CircuitClosed)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitState {
	return CircuitState(cb.state.Load())
}

// Reset closes the breaker, typically after the camera was reopened.
func (cb *CircuitBreaker) Reset() {
	previous := CircuitState(cb.state.Swap(int32(CircuitClosed)))
	cb.failureCount.Store(0)
	cb.successCount.Store(0)
	if previous != CircuitClosed {
		cb.logger.Info("Circuit breaker reset to CLOSED", "previous_state", previous)
	}
}

// GetFailureCount returns the current run of consecutive failures.
func (cb *CircuitBreaker) GetFailureCount() int64 {
	return cb.failureCount.Load()
}

// GetLastFailureTime returns the time of the last failure, or the zero time.
func (cb *CircuitBreaker) GetLastFailureTime() time.Time {
	nanos := cb.lastFailureTime.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
