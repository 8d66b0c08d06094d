// Package capability implements the action surface the agent may request:
// named capabilities with schema validated arguments, a registry that
// declares them to the model, and consistent error handling so executor
// failures fold back into the conversation instead of crashing the turn.
package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/calagent/internal/util"
)

// Error codes attached to *CapabilityError for uniform downstream handling.
const (
	CodeUnknown    = "UNKNOWN_CAPABILITY"
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
)

// ErrDuplicateCapability is returned when registering a name twice.
var ErrDuplicateCapability = errors.New("capability already registered")

// ErrRegistryFrozen is returned when registering after the registry was
// advertised to a model. The capability surface must never change
// mid-conversation; doing so would invalidate in-flight model context.
var ErrRegistryFrozen = errors.New("capability registry is frozen")

// ValidationError re-exports the shared argument validation error type.
type ValidationError = util.ValidationError

// Capability is a named action the agent may request. Implementations should
// provide a clear description and JSON schema so the model knows when and how
// to call them, handle errors gracefully, and be safe for concurrent use.
// Any needed context (current user, credentials) is resolved by the executor
// itself or passed as an explicit argument, never captured implicitly.
type Capability interface {
	// Name returns the unique identifier (snake_case recommended).
	Name() string

	// Description is shown to the model to guide invocation.
	Description() string

	// Parameters returns a JSON schema describing the accepted arguments.
	Parameters() map[string]any

	// Call executes the capability with already-validated arguments.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// CapabilityError represents errors raised while dispatching a capability.
type CapabilityError struct {
	Capability string `json:"capability"`        // Name of the capability that failed
	Message    string `json:"message"`           // Error message
	Code       string `json:"code"`              // Error code for categorization
	Details    any    `json:"details,omitempty"` // Additional error details
}

func (e *CapabilityError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("capability error [%s] in %s: %s", e.Code, e.Capability, e.Message)
	}
	return fmt.Sprintf("capability error in %s: %s", e.Capability, e.Message)
}

// NewCapabilityError creates a CapabilityError with the specified details.
func NewCapabilityError(capability, message, code string) *CapabilityError {
	return &CapabilityError{
		Capability: capability,
		Message:    message,
		Code:       code,
	}
}
