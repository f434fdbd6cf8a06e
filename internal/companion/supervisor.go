// ABOUTME: Companion lifecycle operations: start, status, restart, stop, and the health loop
// ABOUTME: Every probe is bounded by the probe timeout; the database lock is never involved

package companion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
)

// transition moves to the given state if the table allows it. Same-state
// transitions only update the reason. Callers hold s.mu.
func (s *Supervisor) transition(to State, reason string) error {
	from := s.state
	if from == to {
		s.reason = reason
		return nil
	}
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	s.reason = reason
	if !to.serving() {
		s.lastHealthy = false
	}
	s.logger.Info("companion state changed", "from", from, "to", to, "reason", reason)
	return nil
}

func (s *Supervisor) setState(to State, reason string) {
	if err := s.transition(to, reason); err != nil {
		s.logger.Error("companion state change rejected", "error", err)
	}
}

func (s *Supervisor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	return s.prober.Probe(ctx)
}

func exitReason(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// launch adopts a healthy companion or spawns one and waits for it to
// become healthy. On failure any spawned process is stopped.
func (s *Supervisor) launch(ctx context.Context) (adopted bool, err error) {
	if err := s.probe(ctx); err == nil {
		return true, nil
	}
	if s.launcher == nil {
		return false, ErrNotConfigured
	}

	p, err := s.launcher.Start(ctx)
	if err != nil {
		return false, fmt.Errorf("launching companion: %w", err)
	}
	t := &tracked{p: p, done: make(chan struct{})}
	go func() {
		t.err = p.Wait()
		close(t.done)
		s.onExit(t)
	}()

	s.mu.Lock()
	s.proc = t
	s.mu.Unlock()

	if err := s.waitHealthy(ctx, t); err != nil {
		s.mu.Lock()
		if s.proc == t {
			s.proc = nil
		}
		s.mu.Unlock()
		_ = s.stopProcess(context.WithoutCancel(ctx), t)
		return false, err
	}
	return false, nil
}

func (s *Supervisor) waitHealthy(ctx context.Context, t *tracked) error {
	deadline := time.NewTimer(s.startupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		lastErr := s.probe(ctx)
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return fmt.Errorf("companion exited before becoming healthy: %s", exitReason(t.err))
		case <-deadline.C:
			return fmt.Errorf("%w after %s: %v", ErrStartupTimeout, s.startupTimeout, lastErr)
		case <-ticker.C:
		}
	}
}

// onExit records an unexpected exit of the tracked process.
func (s *Supervisor) onExit(t *tracked) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != t {
		return
	}
	s.proc = nil
	if s.state.serving() {
		s.setState(StateFailed, "companion exited: "+exitReason(t.err))
		select {
		case s.exited <- struct{}{}:
		default:
		}
	}
}

// stopProcess asks the process to terminate and kills it after the stop
// timeout.
func (s *Supervisor) stopProcess(ctx context.Context, t *tracked) error {
	if err := t.p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Debug("terminate signal failed, killing companion", "error", err)
		_ = t.p.Kill()
	}

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return nil
	case <-timer.C:
		s.logger.Warn("companion did not stop in time, killing", "pid", t.p.Pid(), "timeout", s.stopTimeout)
		if err := t.p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("killing companion: %w", err)
		}
		<-t.done
		return nil
	case <-ctx.Done():
		_ = t.p.Kill()
		return ctx.Err()
	}
}

// Start brings the companion up. A companion that already answers its
// health check is adopted without spawning. Starting a serving companion
// is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state.serving() {
		s.mu.Unlock()
		return nil
	}
	s.setState(StateStarting, "")
	s.mu.Unlock()

	adopted, err := s.launch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheck = s.now()
	if err != nil {
		s.setState(StateFailed, err.Error())
		return fmt.Errorf("starting companion: %w", err)
	}
	s.failures = 0
	s.setState(StateRunning, "")
	s.lastHealthy = true
	if adopted {
		s.logger.Info("adopted running companion", "endpoint", s.endpoint)
	}
	return nil
}

// Status probes a serving companion and reports the result. A failed probe
// moves Running to Degraded; a good one moves Degraded back to Running.
func (s *Supervisor) Status(ctx context.Context) Status {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state.serving() {
		err := s.probe(ctx)
		if ctx.Err() == nil {
			s.mu.Lock()
			// Skip if a concurrent operation changed the state meanwhile.
			if s.state.serving() {
				s.lastCheck = s.now()
				s.lastHealthy = err == nil
				if err != nil {
					s.failures++
					s.setState(StateDegraded, "health check failed: "+err.Error())
				} else {
					s.failures = 0
					s.setState(StateRunning, "")
				}
			}
			s.mu.Unlock()
		}
	}
	return s.snapshot()
}

func (s *Supervisor) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running: s.state.serving(),
		Healthy: s.lastHealthy,
		State:   s.state,
		Mode:    ModeFallback,
		Reason:  s.reason,
	}
	if st.Healthy {
		st.Mode = ModeCompanion
	}
	if !s.lastCheck.IsZero() {
		t := s.lastCheck
		st.LastCheck = &t
	}
	if s.proc != nil {
		st.Pid = s.proc.p.Pid()
	}
	return st
}

// Restart stops the companion and cold-starts it, retrying with
// exponential backoff. It works from any state.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	t := s.proc
	s.proc = nil
	s.setState(StateRestarting, "restart requested")
	s.mu.Unlock()

	if t != nil {
		if err := s.stopProcess(ctx, t); err != nil {
			s.mu.Lock()
			s.setState(StateFailed, "stopping companion: "+err.Error())
			s.mu.Unlock()
			return err
		}
	}

	attempts := 0
	var lastErr error
	backoff := retry.WithMaxRetries(uint64(s.maxRestarts-1), retry.NewExponential(s.backoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		_, err := s.launch(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		s.logger.Warn("companion restart attempt failed", "attempt", attempts, "of", s.maxRestarts, "error", err)
		return retry.RetryableError(err)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheck = s.now()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.setState(StateFailed, "restart cancelled")
			return ctxErr
		}
		s.setState(StateFailed, fmt.Sprintf("restart failed after %d attempts: %v", attempts, lastErr))
		return fmt.Errorf("%w after %d attempts: %w", ErrRestartExhausted, attempts, lastErr)
	}
	s.failures = 0
	s.setState(StateRunning, "")
	s.lastHealthy = true
	s.logger.Info("companion restarted", "attempts", attempts)
	return nil
}

// Check probes the companion once without touching the supervisor state.
// It returns the configured endpoint alongside the probe error.
func (s *Supervisor) Check(ctx context.Context) (string, error) {
	return s.endpoint, s.probe(ctx)
}

// Endpoint returns the companion address while it is serving.
func (s *Supervisor) Endpoint() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.serving() {
		return "", fmt.Errorf("%w: companion is %s", ErrCompanionUnavailable, s.state)
	}
	return s.endpoint, nil
}

// Require fails fast with ErrCompanionUnavailable unless the companion is
// serving.
func (s *Supervisor) Require() error {
	_, err := s.Endpoint()
	return err
}

// Run checks health every interval until ctx is done. With auto-restart
// enabled it restarts a companion that exited or failed several probes in
// a row.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.exited:
			if s.autoRestart && s.snapshot().State == StateFailed {
				s.restartAutomatically(ctx, "companion exited")
			}
		case <-ticker.C:
			st := s.Status(ctx)
			if !s.autoRestart || st.State != StateDegraded {
				continue
			}
			s.mu.Lock()
			failures := s.failures
			s.mu.Unlock()
			if failures >= degradedRestartThreshold {
				s.restartAutomatically(ctx, "companion unhealthy")
			}
		}
	}
}

func (s *Supervisor) restartAutomatically(ctx context.Context, why string) {
	s.logger.Warn("restarting companion automatically", "reason", why)
	if err := s.Restart(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("automatic companion restart failed", "error", err)
	}
}

// Stop terminates a spawned companion. An adopted companion is left
// running but no longer used.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	t := s.proc
	s.proc = nil
	s.setState(StateStopped, "")
	s.mu.Unlock()

	if t == nil {
		return nil
	}
	s.logger.Info("stopping companion", "pid", t.p.Pid())
	return s.stopProcess(ctx, t)
}
