// Package supervisor manages per-driver connection state with retry,
// backoff, and timeout, independent of the tag store.
package supervisor

import (
	"fmt"
	"math"
	"sync"
	"time"

	"forgeio/config"
	"forgeio/driver"
	"forgeio/logging"
)

// State is the connection state of a supervised driver.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDegraded:
		return "Degraded"
	case StateReconnecting:
		return "Reconnecting"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Ready reports whether the scheduler may issue reads in this state.
func (s State) Ready() bool {
	return s == StateConnected || s == StateDegraded
}

// degradedThreshold is how many consecutive operation failures a Degraded
// driver tolerates before the supervisor tears the session down and
// reconnects.
const degradedThreshold = 3

// Supervisor is the per-driver connection state machine. It owns the
// driver's session lifecycle; it never touches the tag store.
type Supervisor struct {
	id  string
	drv driver.Driver
	cfg config.DriverConfig

	mu             sync.RWMutex
	state          State
	lastErr        error
	disconnectedAt time.Time
	degradedFails  int

	connectReq chan struct{}
	stopChan   chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// New creates a supervisor for one driver. Call Start to run it.
func New(drv driver.Driver, cfg config.DriverConfig) *Supervisor {
	cfg.Normalize()
	return &Supervisor{
		id:             cfg.ID,
		drv:            drv,
		cfg:            cfg,
		state:          StateDisconnected,
		disconnectedAt: time.Now(),
		connectReq:     make(chan struct{}, 1),
		stopChan:       make(chan struct{}),
	}
}

// ID returns the supervised driver's id.
func (s *Supervisor) ID() string { return s.id }

// Driver returns the supervised driver. Callers must consult State before
// issuing operations.
func (s *Supervisor) Driver() driver.Driver { return s.drv }

// StaleAfter returns the disconnection grace period after which the
// driver's tags should be marked stale.
func (s *Supervisor) StaleAfter() time.Duration { return s.cfg.StaleAfter }

// Start launches the connect loop.
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go s.run()
}

// Shutdown moves the supervisor to Closed, cancels pending work, and
// releases the driver session. Idempotent.
func (s *Supervisor) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.drv.Close()
	logging.DebugLog("supervisor", "%s: closed", s.id)
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError returns the most recent connection or operation error.
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// DisconnectedFor returns how long the driver has been without a usable
// session, or zero while connected.
func (s *Supervisor) DisconnectedFor() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Ready() {
		return 0
	}
	return time.Since(s.disconnectedAt)
}

// RequestConnect asks the supervisor to establish a session. No-op while
// already connecting, connected, or closed. Safe from any goroutine.
func (s *Supervisor) RequestConnect() {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state != StateDisconnected {
		return
	}

	select {
	case s.connectReq <- struct{}{}:
	default:
	}
}

// ReportSuccess records a successful read or write. A Degraded driver is
// promoted back to Connected.
func (s *Supervisor) ReportSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDegraded {
		s.state = StateConnected
		s.degradedFails = 0
		logging.DebugLog("supervisor", "%s: Degraded -> Connected", s.id)
	}
}

// ReportFailure records a failed read or write. The first failure degrades
// a Connected driver; failures persisting past the threshold tear the
// session down and trigger a reconnect.
func (s *Supervisor) ReportFailure(err error) {
	s.mu.Lock()
	s.lastErr = err

	switch s.state {
	case StateConnected:
		s.state = StateDegraded
		s.degradedFails = 1
		logging.DebugLog("supervisor", "%s: Connected -> Degraded: %v", s.id, err)
		s.mu.Unlock()
		return
	case StateDegraded:
		s.degradedFails++
		if s.degradedFails < degradedThreshold {
			s.mu.Unlock()
			return
		}
		s.state = StateReconnecting
		s.disconnectedAt = time.Now()
		logging.DebugLog("supervisor", "%s: Degraded -> Reconnecting after %d failures", s.id, s.degradedFails)
		s.mu.Unlock()

		s.drv.Close()
		select {
		case s.connectReq <- struct{}{}:
		default:
		}
		return
	default:
		s.mu.Unlock()
	}
}

// run is the connect loop: each request performs one bounded retry window.
func (s *Supervisor) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-s.connectReq:
			s.connectWindow()
		}
	}
}

// connectWindow attempts to connect up to RetryAttempts times with
// exponential backoff. On exhaustion the driver returns to Disconnected
// until the next scheduling window requests it again.
func (s *Supervisor) connectWindow() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.mu.Unlock()

	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		select {
		case <-s.stopChan:
			return
		default:
		}

		logging.DebugConnect("supervisor", fmt.Sprintf("%s (attempt %d/%d)", s.id, attempt+1, s.cfg.RetryAttempts))
		err := s.connectOnce()
		if err == nil {
			s.mu.Lock()
			s.state = StateConnected
			s.degradedFails = 0
			s.lastErr = nil
			s.mu.Unlock()
			logging.DebugLog("supervisor", "%s: Connected", s.id)
			return
		}

		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()

		if attempt == s.cfg.RetryAttempts-1 {
			break
		}

		delay := s.backoffDelay(attempt)
		select {
		case <-s.stopChan:
			return
		case <-time.After(delay):
		}
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.disconnectedAt = time.Now()
	err := s.lastErr
	s.mu.Unlock()
	logging.DebugLog("supervisor", "%s: connect attempts exhausted: %v", s.id, err)
}

// connectOnce runs one Connect call bounded by the configured timeout.
func (s *Supervisor) connectOnce() error {
	done := make(chan error, 1)
	go func() {
		done <- s.drv.Connect()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(s.cfg.ConnectTimeout):
		return fmt.Errorf("%w: %s after %v", driver.ErrConnectTimeout, s.id, s.cfg.ConnectTimeout)
	case <-s.stopChan:
		return fmt.Errorf("shutdown during connect: %s", s.id)
	}
}

// backoffDelay computes min(base * backoff^attempt, cap).
func (s *Supervisor) backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(s.cfg.RetryDelay) * math.Pow(s.cfg.RetryBackoff, float64(attempt)))
	if d > s.cfg.RetryDelayCap || d <= 0 {
		d = s.cfg.RetryDelayCap
	}
	return d
}
