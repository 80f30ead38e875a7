package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyExecutionKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"deadline", context.DeadlineExceeded, FailureTimeout},
		{"timeout message", errors.New("request timeout after 30s"), FailureTimeout},
		{"rate limit", errors.New("rate limit exceeded"), FailureQuotaExceeded},
		{"quota", errors.New("monthly quota exhausted"), FailureQuotaExceeded},
		{"context window", errors.New("prompt exceeds context window"), FailureContextOverflow},
		{"refusal", errors.New("the model refused to answer"), FailureLLMRefusal},
		{"parse", errors.New("failed to parse tool arguments"), FailureParseError},
		{"tool", errors.New("tool web_search crashed"), FailureToolFailure},
		{"unknown", errors.New("something odd happened"), FailureUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyExecution(tt.err)
			if got.Kind != tt.want {
				t.Errorf("ClassifyExecution(%v).Kind = %s, want %s", tt.err, got.Kind, tt.want)
			}
		})
	}
}

func TestClassifyExecutionPassthrough(t *testing.T) {
	orig := NewExecutionError(FailureParseError, errors.New("bad json"), "bad json")
	wrapped := fmt.Errorf("execute: %w", orig)

	got := ClassifyExecution(wrapped)
	if got != orig {
		t.Errorf("ClassifyExecution should pass through wrapped *ExecutionError")
	}
}

func TestExecutionErrorTransience(t *testing.T) {
	if !NewExecutionError(FailureTimeout, nil, "t").Transient {
		t.Error("timeout should default transient")
	}
	if !NewExecutionError(FailureQuotaExceeded, nil, "q").Transient {
		t.Error("quota_exceeded should default transient")
	}
	if NewExecutionError(FailureParseError, nil, "p").Transient {
		t.Error("parse_error should not default transient")
	}
	if NewExecutionError(FailureLLMRefusal, nil, "r").Transient {
		t.Error("llm_refusal should not default transient")
	}
}

func TestPatternSignatureStable(t *testing.T) {
	a := PatternSignature(FailureTimeout, "tool web_search timed out after 30012ms (attempt 3)")
	b := PatternSignature(FailureTimeout, "tool web_search timed out after 29987ms (attempt 1)")
	if a != b {
		t.Error("signatures should collapse volatile numbers")
	}

	c := PatternSignature(FailureToolFailure, "tool web_search timed out after 30012ms (attempt 3)")
	if a == c {
		t.Error("different kinds must not collide")
	}
}

func TestNormalizeMessage(t *testing.T) {
	got := NormalizeMessage("Request  a1b2c3d4e5f6 failed with code 503")
	want := "request # failed with code #"
	if got != want {
		t.Errorf("NormalizeMessage = %q, want %q", got, want)
	}
}
