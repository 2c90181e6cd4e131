package gateway

import (
	"errors"
	"fmt"

	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// ValidationError reports a malformed request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

// BudgetExceededError reports a request blocked by an enforced budget.
type BudgetExceededError struct {
	BudgetID string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s", e.BudgetID)
}

// ContentFilteredError reports text blocked by the content filter. Stage is
// "prompt" or "completion".
type ContentFilteredError struct {
	Stage  string
	Result models.FilterResult
}

func (e *ContentFilteredError) Error() string {
	return fmt.Sprintf("content filtered at %s: %s", e.Stage, e.Result.Reason)
}

// IsModelNotFound reports whether err means the requested model is unknown.
func IsModelNotFound(err error) bool {
	var nf *registry.ErrModelNotFound
	return errors.As(err, &nf)
}

// IsFallbackExhausted reports whether err means every fallback failed.
func IsFallbackExhausted(err error) bool {
	var fe *router.ErrFallbackExhausted
	return errors.As(err, &fe)
}
