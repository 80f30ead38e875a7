package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	taskerrors "taskforge/internal/errors"
	"taskforge/internal/logging"
)

// Dispatcher invokes tools on behalf of the executor. Every call runs under
// its own timeout and behind a per-tool circuit breaker so one failing tool
// cannot stall the whole workspace.
type Dispatcher struct {
	registry *Registry
	breakers *taskerrors.CircuitBreakerManager
	timeout  time.Duration
	logger   logging.Logger
}

// NewDispatcher builds a dispatcher over the registry with the given per-call
// timeout.
func NewDispatcher(registry *Registry, timeout time.Duration, logger logging.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		registry: registry,
		breakers: taskerrors.NewCircuitBreakerManager(taskerrors.DefaultCircuitBreakerConfig()),
		timeout:  timeout,
		logger:   logging.OrNop(logger),
	}
}

// Result is the outcome of one dispatched invocation.
type Result struct {
	Tool     string
	Output   string
	Err      error
	Duration time.Duration
}

// Dispatch runs the named tool with the given raw arguments. Unknown tools
// and invalid argument payloads classify as tool_failure and parse_error so
// the recovery engine sees the right kind.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args json.RawMessage) *Result {
	start := time.Now()

	tool, ok := d.registry.Get(name)
	if !ok {
		return &Result{
			Tool: name,
			Err: taskerrors.NewExecutionError(taskerrors.FailureToolFailure, nil,
				fmt.Sprintf("unknown tool %q", name)),
			Duration: time.Since(start),
		}
	}
	if len(args) > 0 && !json.Valid(args) {
		return &Result{
			Tool: name,
			Err: taskerrors.NewExecutionError(taskerrors.FailureParseError, nil,
				fmt.Sprintf("tool %q received malformed arguments", name)),
			Duration: time.Since(start),
		}
	}

	breaker := d.breakers.Get(name)
	var output string
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		var invokeErr error
		output, invokeErr = tool.Invoke(callCtx, args)
		return invokeErr
	})
	elapsed := time.Since(start)

	if err != nil {
		d.logger.Warn("tool %s failed after %s: %v", name, elapsed, err)
		return &Result{Tool: name, Err: classifyToolError(ctx, err), Duration: elapsed}
	}
	return &Result{Tool: name, Output: output, Duration: elapsed}
}

// BreakerMetrics exposes circuit breaker state for the observability surface.
func (d *Dispatcher) BreakerMetrics() []taskerrors.CircuitBreakerMetrics {
	return d.breakers.GetMetrics()
}

func classifyToolError(ctx context.Context, err error) error {
	execErr := taskerrors.ClassifyExecution(err)
	if execErr.Kind == taskerrors.FailureUnknown {
		execErr.Kind = taskerrors.FailureToolFailure
		execErr.Transient = true
	}
	// Timeouts caused by the parent deadline stay timeouts; everything else
	// from a tool call is the tool's fault.
	if ctx.Err() == nil && execErr.Kind == taskerrors.FailureTimeout {
		execErr.Kind = taskerrors.FailureToolFailure
	}
	return execErr
}
