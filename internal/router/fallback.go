package router

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/provider"
)

// ErrFallbackExhausted reports that the primary model and every eligible
// fallback failed. Last carries the final attempt's error.
type ErrFallbackExhausted struct {
	ModelID  string
	Attempts int
	Last     error
}

func (e *ErrFallbackExhausted) Error() string {
	return fmt.Sprintf("all fallbacks exhausted for model %s after %d attempts: %v",
		e.ModelID, e.Attempts, e.Last)
}

func (e *ErrFallbackExhausted) Unwrap() error { return e.Last }

// FallbackController walks a model's fallback chain after a retriable
// failure, pacing attempts with exponential backoff. Non-retriable errors
// surface immediately.
type FallbackController struct {
	router         *Router
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewFallbackController creates a controller. maxAttempts counts the
// primary attempt; values below 1 default to 3.
func NewFallbackController(r *Router, maxAttempts int, initial, max time.Duration) *FallbackController {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &FallbackController{
		router:         r,
		maxAttempts:    maxAttempts,
		initialBackoff: initial,
		maxBackoff:     max,
	}
}

// Execute runs the fallback chain for originalModelID after primaryErr.
// attempt is invoked once per candidate model; a nil return ends the chain
// successfully. Returns primaryErr unchanged when it is not retriable, nil
// when a fallback succeeded, and ErrFallbackExhausted otherwise.
func (c *FallbackController) Execute(ctx context.Context, originalModelID string, primaryErr error, attempt func(modelID string) error) error {
	if !provider.Retriable(primaryErr) {
		return primaryErr
	}

	code := provider.CodeOf(primaryErr)
	candidates := c.router.FallbackModels(originalModelID, code)
	if len(candidates) == 0 {
		return &ErrFallbackExhausted{ModelID: originalModelID, Attempts: 1, Last: primaryErr}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.MaxInterval = c.maxBackoff
	bo.MaxElapsedTime = 0

	lastErr := primaryErr
	attempts := 1
	for _, candidate := range candidates {
		if attempts >= c.maxAttempts {
			break
		}
		if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
			return err
		}

		attempts++
		log.Info().
			Str("original_model", originalModelID).
			Str("fallback_model", candidate).
			Str("error_code", string(code)).
			Int("attempt", attempts).
			Msg("Attempting fallback model")

		err := attempt(candidate)
		if err == nil {
			return nil
		}
		lastErr = err
		if !provider.Retriable(err) {
			return err
		}
		code = provider.CodeOf(err)
	}

	return &ErrFallbackExhausted{ModelID: originalModelID, Attempts: attempts, Last: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
