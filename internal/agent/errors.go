// Package agent implements the tool-use loop that drives one user turn to
// completion: retrieval, prompt assembly, compaction, LLM calls, tool
// dispatch, verification, sanitization, persistence, and streaming.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/quillhq/quill/internal/llm"
	"github.com/quillhq/quill/internal/llm/client"
)

// ErrorKind is the turn-level error taxonomy surfaced to callers.
type ErrorKind string

const (
	KindConfig             ErrorKind = "config"
	KindLLMConnection      ErrorKind = "llm_connection"
	KindLLMRateLimit       ErrorKind = "llm_rate_limit"
	KindLLMContextOverflow ErrorKind = "llm_context_overflow"
	KindLLMInvalidRequest  ErrorKind = "llm_invalid_request"
	KindLLMMalformed       ErrorKind = "llm_response_malformed"
	KindLLMAllFailed       ErrorKind = "llm_all_providers_failed"
	KindMemoryStorage      ErrorKind = "memory_storage"
	KindMemoryRetrieval    ErrorKind = "memory_retrieval"
	KindCancelled          ErrorKind = "cancelled"
	KindInternal           ErrorKind = "internal"
)

// Retriable reports whether a later identical request may succeed.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindLLMConnection, KindLLMRateLimit, KindLLMAllFailed, KindMemoryStorage:
		return true
	default:
		return false
	}
}

// TurnError is a classified turn-level failure.
type TurnError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *TurnError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

// Unwrap returns the underlying error.
func (e *TurnError) Unwrap() error { return e.Cause }

// classifyTurnError maps client and provider errors onto the taxonomy.
func classifyTurnError(err error) *TurnError {
	if err == nil {
		return nil
	}

	var turnErr *TurnError
	if errors.As(err, &turnErr) {
		return turnErr
	}

	var allFailed *client.AllProvidersFailed
	if errors.As(err, &allFailed) {
		return &TurnError{Kind: KindLLMAllFailed, Cause: err}
	}

	switch llm.KindOf(err) {
	case llm.ErrConnection:
		return &TurnError{Kind: KindLLMConnection, Cause: err}
	case llm.ErrRateLimit:
		return &TurnError{Kind: KindLLMRateLimit, Cause: err}
	case llm.ErrContextOverflow:
		return &TurnError{Kind: KindLLMContextOverflow, Cause: err}
	case llm.ErrInvalidRequest:
		return &TurnError{Kind: KindLLMInvalidRequest, Cause: err}
	case llm.ErrMalformed:
		return &TurnError{Kind: KindLLMMalformed, Cause: err}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &TurnError{Kind: KindCancelled, Cause: err}
	}
	return &TurnError{Kind: KindInternal, Cause: err}
}
