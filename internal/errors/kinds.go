package errors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
)

// FailureKind classifies a task execution failure. The recovery engine
// switches on this enum, never on concrete error types.
type FailureKind string

const (
	FailureTimeout         FailureKind = "timeout"
	FailureToolFailure     FailureKind = "tool_failure"
	FailureLLMRefusal      FailureKind = "llm_refusal"
	FailureParseError      FailureKind = "parse_error"
	FailureQuotaExceeded   FailureKind = "quota_exceeded"
	FailureContextOverflow FailureKind = "context_overflow"
	FailureUnknown         FailureKind = "unknown"
)

// ExecutionError is the failure result of a task execution. It carries enough
// detail for the recovery engine to pick a strategy without re-inspecting the
// underlying error chain.
type ExecutionError struct {
	Kind          FailureKind `json:"kind"`
	Message       string      `json:"message"`
	Transient     bool        `json:"is_transient"`
	PartialOutput string      `json:"partial_output,omitempty"`
	Err           error       `json:"-"`
}

func (e *ExecutionError) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError builds an ExecutionError, deriving transience from the
// kind when the caller has no better signal.
func NewExecutionError(kind FailureKind, err error, message string) *ExecutionError {
	return &ExecutionError{
		Kind:      kind,
		Message:   message,
		Transient: kindTransient(kind) || IsTransient(err),
		Err:       err,
	}
}

func kindTransient(kind FailureKind) bool {
	switch kind {
	case FailureTimeout, FailureQuotaExceeded, FailureToolFailure:
		return true
	default:
		return false
	}
}

// ClassifyExecution maps an arbitrary error to an ExecutionError. Errors that
// already are ExecutionErrors pass through unchanged.
func ClassifyExecution(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}

	kind := FailureUnknown
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = FailureTimeout
	case errors.Is(err, context.Canceled):
		kind = FailureTimeout
	default:
		lower := strings.ToLower(err.Error())
		switch {
		case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
			kind = FailureTimeout
		case strings.Contains(lower, "rate limit") || strings.Contains(lower, "quota") || strings.Contains(lower, "429"):
			kind = FailureQuotaExceeded
		case strings.Contains(lower, "context length") || strings.Contains(lower, "context window") || strings.Contains(lower, "too many tokens"):
			kind = FailureContextOverflow
		case strings.Contains(lower, "refus") || strings.Contains(lower, "cannot assist"):
			kind = FailureLLMRefusal
		case strings.Contains(lower, "parse") || strings.Contains(lower, "invalid json") || strings.Contains(lower, "unmarshal"):
			kind = FailureParseError
		case strings.Contains(lower, "tool"):
			kind = FailureToolFailure
		}
	}

	return &ExecutionError{
		Kind:      kind,
		Message:   err.Error(),
		Transient: kindTransient(kind) || IsTransient(err),
		Err:       err,
	}
}

var (
	digitRun = regexp.MustCompile(`\d+`)
	hexRun   = regexp.MustCompile(`\b[0-9a-f]{8,}\b`)
	spaceRun = regexp.MustCompile(`\s+`)
)

// NormalizeMessage strips volatile fragments (numbers, ids, whitespace runs)
// so messages from the same root cause collapse to the same string.
func NormalizeMessage(message string) string {
	normalized := strings.ToLower(strings.TrimSpace(message))
	normalized = hexRun.ReplaceAllString(normalized, "#")
	normalized = digitRun.ReplaceAllString(normalized, "#")
	normalized = spaceRun.ReplaceAllString(normalized, " ")
	if len(normalized) > 256 {
		normalized = normalized[:256]
	}
	return normalized
}

// PatternSignature computes the stable failure-pattern signature for a kind
// and message: SHA-256 over kind + normalized message.
func PatternSignature(kind FailureKind, message string) string {
	sum := sha256.Sum256([]byte(string(kind) + "|" + NormalizeMessage(message)))
	return hex.EncodeToString(sum[:])
}
