package core

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (c CircuitState) String() string {
	switch c {
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

// HealthMonitor is a consecutive-failure circuit breaker for a remote
// endpoint. HTTP providers use it to decide when a run of failed polls means
// the endpoint is gone rather than flaky.
type HealthMonitor struct {
	successCount     int64
	failureCount     int64
	consecutiveFails int
	lastResponse     time.Time
	circuitState     CircuitState
	failureThreshold int
	recoveryTimeout  time.Duration
	clock            clockwork.Clock
	mutex            sync.Mutex
}

func NewHealthMonitor(failureThreshold int, recoveryTimeout time.Duration, clock clockwork.Clock) *HealthMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &HealthMonitor{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		circuitState:     CircuitClosed,
		clock:            clock,
	}
}

// CanProceed reports whether a request may be attempted. An open circuit
// lets one probe through once the recovery timeout has passed.
func (hm *HealthMonitor) CanProceed() bool {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	switch hm.circuitState {
	case CircuitOpen:
		if hm.clock.Since(hm.lastResponse) > hm.recoveryTimeout {
			hm.circuitState = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen, CircuitClosed:
		return true
	default:
		return false
	}
}

func (hm *HealthMonitor) RecordSuccess() {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.successCount++
	hm.consecutiveFails = 0
	hm.lastResponse = hm.clock.Now()
	hm.circuitState = CircuitClosed
}

func (hm *HealthMonitor) RecordFailure() {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.failureCount++
	hm.consecutiveFails++
	hm.lastResponse = hm.clock.Now()

	if hm.circuitState == CircuitHalfOpen || hm.consecutiveFails >= hm.failureThreshold {
		hm.circuitState = CircuitOpen
	}
}

func (hm *HealthMonitor) State() CircuitState {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()
	return hm.circuitState
}

func (hm *HealthMonitor) GetStats() map[string]interface{} {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	return map[string]interface{}{
		"circuit_state":     hm.circuitState.String(),
		"success_count":     hm.successCount,
		"failure_count":     hm.failureCount,
		"consecutive_fails": hm.consecutiveFails,
	}
}
