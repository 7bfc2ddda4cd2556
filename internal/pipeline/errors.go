package pipeline

import (
	"context"
	"errors"
	"fmt"

	"riskwatch/internal/errs"
)

// ErrAborted is returned by Run when an observer stops the run at a checkpoint,
// e.g. because the owning task was cancelled. It is not a failure.
var ErrAborted = errors.New("pipeline aborted")

// ConfigurationError reports an invalid stage list. It is only returned by New.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "pipeline configuration: " + e.Reason }

func (e *ConfigurationError) ErrorKind() errs.Kind { return errs.Configuration }

// StageFailure reports that a stage failed. Retryable failures are transient
// (network, provider throttling, timeouts) and may succeed on another attempt.
type StageFailure struct {
	Stage     string
	Err       error
	Retryable bool
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }

func (e *StageFailure) ErrorKind() errs.Kind { return errs.StageFailure }

// Retryable marks err as transient. Stages wrap provider errors with it.
type Retryable struct{ Err error }

func (e *Retryable) Error() string { return e.Err.Error() }
func (e *Retryable) Unwrap() error { return e.Err }

// RetryableErr marks err as transient
func RetryableErr(err error) error {
	if err == nil {
		return nil
	}
	return &Retryable{Err: err}
}

// IsRetryable reports whether err was marked transient, is a deadline expiry,
// or comes from a store or backend that was unavailable
func IsRetryable(err error) bool {
	var sf *StageFailure
	if errors.As(err, &sf) {
		return sf.Retryable
	}
	if errors.As(err, new(*Retryable)) {
		return true
	}
	var kerr *errs.Error
	if errors.As(err, &kerr) && kerr.Kind == errs.Unavailable {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func stageFailure(stage string, err error) *StageFailure {
	var sf *StageFailure
	if errors.As(err, &sf) {
		if sf.Stage == "" {
			sf.Stage = stage
		}
		return sf
	}
	return &StageFailure{Stage: stage, Err: err, Retryable: IsRetryable(err)}
}
