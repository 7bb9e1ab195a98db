package group

import (
	"errors"
	"time"
)

const (
	DefaultRetryAttempts = 5
	DefaultRetryInterval = time.Second
)

// RetryPolicy bounds reconnection after an unexpected disconnect. The
// budget is refilled whenever the session becomes live again.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: DefaultRetryAttempts,
		Interval: DefaultRetryInterval,
	}
}

func (p RetryPolicy) Validate() error {
	if p.Attempts < 0 {
		return errors.New("negative retry attempts")
	}
	if p.Attempts > 0 && p.Interval <= 0 {
		return errors.New("retry interval must be positive")
	}
	return nil
}

func (s *Session) scheduleRetry() {
	if !s.retryOnFail {
		return
	}
	if s.attemptsLeft <= 0 {
		s.logger.Warn().Msg("reconnect attempts exhausted")
		return
	}
	s.attemptsLeft--
	epoch := s.epoch
	s.logger.Info().
		Dur("in", s.retry.Interval).
		Int("left", s.attemptsLeft).
		Msg("scheduling reconnect")

	time.AfterFunc(s.retry.Interval, func() {
		s.post(func() { s.retryFire(epoch) })
	})
}

// retryFire re-checks everything at fire time; the timer itself is never
// cancelled.
func (s *Session) retryFire(epoch uint64) {
	if !s.retryOnFail || epoch != s.epoch {
		return
	}
	if s.state.Live() || s.state.Connecting() {
		return
	}
	s.logger.Info().Msg("reconnecting")
	s.negotiate()
}

// transportFailed handles a failure of the registration itself. It ends
// the run the same way an unexpected close does.
func (s *Session) transportFailed(epoch uint64, err error) {
	if epoch != s.epoch {
		return
	}
	s.reportError(errors.Join(ErrTransport, err))
	s.terminate(true)
}

func (s *Session) registrationClosed(epoch uint64) {
	if epoch != s.epoch {
		return
	}
	s.logger.Warn().Msg("registration closed unexpectedly")
	s.terminate(true)
}

// connFailed reports a channel level error. The channel's close, which
// follows, drives any state change.
func (s *Session) connFailed(epoch uint64, err error) {
	if epoch != s.epoch {
		return
	}
	s.reportError(errors.Join(ErrTransport, err))
}
