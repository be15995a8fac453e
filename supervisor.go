package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// RetryPolicy bounds how often a failed model call is retried
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Delay       time.Duration `json:"delay" yaml:"delay"`
}

// attempts returns the number of calls allowed, never less than one
func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// ModelCall describes one supervised model query
type ModelCall struct {
	Stage       int
	Model       string
	Messages    []ChatMessage
	Temperature float64
	Timeout     time.Duration
}

// Supervisor wraps gateway calls with timeout, retry and telemetry.
// Supervise never returns an error; failures are reported on the answer.
type Supervisor struct {
	gateway Gateway
	logger  ModelLogger
	retry   RetryPolicy
}

// NewSupervisor creates a supervisor; a nil logger discards telemetry
func NewSupervisor(gateway Gateway, logger ModelLogger, retry RetryPolicy) *Supervisor {
	if logger == nil {
		logger = NopLogger{}
	}
	return &Supervisor{gateway: gateway, logger: logger, retry: retry}
}

// Supervise runs call until it succeeds, the retry budget is spent, or ctx is cancelled
func (s *Supervisor) Supervise(ctx context.Context, call ModelCall) ModelAnswer {
	start := time.Now()
	answer := ModelAnswer{Model: call.Model}

	s.logger.LogModelStart(call.Model, call.Stage)

	maxAttempts := s.retry.attempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		answer.Attempts = attempt

		text, err := s.attempt(ctx, call)
		if err == nil {
			answer.Response = text
			answer.ErrorKind = ""
			answer.Error = ""
			break
		}

		answer.ErrorKind = ClassifyError(err)
		answer.Error = err.Error()
		if ctx.Err() != nil {
			answer.ErrorKind = KindCancelled
			break
		}
		if answer.ErrorKind == KindCancelled || attempt == maxAttempts {
			break
		}

		log.Printf("Model %s attempt %d/%d failed (%s), retrying in %s", call.Model, attempt, maxAttempts, answer.ErrorKind, s.retry.Delay)
		if !sleepContext(ctx, s.retry.Delay) {
			answer.ErrorKind = KindCancelled
			answer.Error = ctx.Err().Error()
			break
		}
	}

	elapsed := time.Since(start)
	answer.DurationMs = elapsed.Milliseconds()
	s.logger.LogModelFinish(call.Model, call.Stage, elapsed, answer.OK(), answer.ErrorKind)

	return answer
}

// attempt makes one gateway call under its own timeout, converting panics into errors
func (s *Supervisor) attempt(ctx context.Context, call ModelCall) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ModelError{Kind: KindException, Model: call.Model, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	attemptCtx := ctx
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	text, err = s.gateway.Query(attemptCtx, call.Model, call.Messages, call.Temperature, call.Timeout)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return "", &ModelError{Kind: KindTimeout, Model: call.Model, Message: fmt.Sprintf("request timed out after %s", call.Timeout)}
		}
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", &ModelError{Kind: KindEmptyResponse, Model: call.Model, Message: "model returned empty content"}
	}
	return text, nil
}

// sleepContext waits for d or until ctx is done; it reports whether the full delay elapsed
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
