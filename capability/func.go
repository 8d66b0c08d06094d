package capability

import (
	"context"
	"time"

	"github.com/hupe1980/calagent/internal/util"
	"github.com/hupe1980/calagent/logging"
)

// Func is a generic adapter that exposes a plain Go function as a Capability.
//
// Responsibilities:
//   - Holds a lightweight JSON-Schema-like parameter specification
//   - Validates model supplied arguments against that schema before execution,
//     rejecting undeclared fields
//   - Normalizes error handling so callers receive *CapabilityError with
//     consistent codes:
//     VALIDATION_ERROR -> schema / argument mismatch
//     EXECUTION_ERROR  -> underlying function returned an error
//     (custom codes preserved if the function returns *CapabilityError directly)
//
// A Func has no internal mutable state after construction and is safe for
// concurrent use by multiple goroutines.
type Func struct {
	// Capability identifier (snake_case recommended)
	name string
	// Human-readable description shown to models
	description string
	// JSON schema describing accepted arguments
	parameters map[string]any
	// User supplied implementation
	fn func(ctx context.Context, args map[string]any) (any, error)

	logger logging.Logger
}

// FuncOptions configures optional Func behavior.
type FuncOptions struct {
	Logger logging.Logger
}

// NewFunc constructs a Func from explicit schema and function.
//
// Example:
//
//	sum := capability.NewFunc(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunc(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (any, error),
	optFns ...func(o *FuncOptions),
) *Func {
	opts := FuncOptions{Logger: logging.NoOpLogger{}}
	for _, optFn := range optFns {
		optFn(&opts)
	}
	return &Func{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
		logger:      opts.Logger,
	}
}

// NewFuncFromStruct derives the parameter schema from a struct via reflection.
// It is a convenience for simple argument containers.
//
// Example:
//
//	type SumArgs struct {
//	  A float64 `json:"a" description:"First addend"`
//	  B float64 `json:"b" description:"Second addend"`
//	}
//
//	sum := capability.NewFuncFromStruct("calculate_sum", "Calculate the sum", SumArgs{}, fn)
func NewFuncFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, args map[string]any) (any, error),
	optFns ...func(o *FuncOptions),
) *Func {
	return NewFunc(name, description, util.SchemaFromStruct(structType), fn, optFns...)
}

// Name returns the unique capability name used in declarations and routing.
func (f *Func) Name() string { return f.name }

// Description returns the short natural language description exposed to models.
func (f *Func) Description() string { return f.description }

// Parameters returns the (minimal) JSON schema describing expected arguments.
func (f *Func) Parameters() map[string]any { return f.parameters }

// Call validates the provided args against the declared schema then invokes
// the underlying function. Validation or execution failures are wrapped (or
// passed through) as *CapabilityError for uniform downstream handling.
func (f *Func) Call(ctx context.Context, args map[string]any) (any, error) {
	start := time.Now()
	f.logger.Debug("capability.call.start", "capability", f.name)

	if err := util.ValidateArguments(args, f.parameters); err != nil {
		f.logger.Warn("capability.call.validation_failed", "capability", f.name, "error", err.Error())

		return nil, &CapabilityError{
			Capability: f.name,
			Message:    "argument validation failed: " + err.Error(),
			Code:       CodeValidation,
			Details:    err,
		}
	}

	result, err := f.fn(ctx, args)
	if err != nil {
		if capErr, ok := err.(*CapabilityError); ok { // forward custom codes unchanged
			f.logger.Error("capability.call.error", "capability", f.name, "error", capErr.Message)
			return nil, capErr
		}

		f.logger.Error("capability.call.error", "capability", f.name, "error", err.Error())

		return nil, &CapabilityError{
			Capability: f.name,
			Message:    err.Error(),
			Code:       CodeExecution,
		}
	}

	f.logger.Info("capability.call.success", "capability", f.name, "duration_ms", time.Since(start).Milliseconds())

	return result, nil
}
