package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/forkcast/forkcast/pkg/models"
)

// Error is a classified LLM failure. Kind drives the caller's decision:
// TRANSIENT/TIMEOUT may retry or fall back, SCHEMA must not retry, PERMANENT
// and ABORTED surface immediately.
type Error struct {
	Kind models.ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to INTERNAL.
func KindOf(err error) models.ErrorKind {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return models.KindAborted
	}
	return models.KindInternal
}

// retryable reports whether a failure is worth one more attempt:
// timeouts, aborts by deadline, 5xx, and connection resets qualify;
// schema and permanent failures never do.
func retryable(kind models.ErrorKind) bool {
	switch kind {
	case models.KindTransient, models.KindTimeout:
		return true
	}
	return false
}

// classifyTransportErr maps transport failures to kinds, giving context
// cancellation precedence so a client disconnect is not misread as a flaky
// upstream.
func classifyTransportErr(ctx context.Context, err error) models.ErrorKind {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return models.KindAborted
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.KindTimeout
	default:
		var lerr *Error
		if errors.As(err, &lerr) {
			return lerr.Kind
		}
		return models.KindTransient
	}
}
