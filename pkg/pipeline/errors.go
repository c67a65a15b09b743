package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/llm"
)

// ErrMalformedOutput is returned by model-backed stages when the model's
// answer does not parse or does not match the expected shape.
var ErrMalformedOutput = errors.New("malformed model output")

// Kind classifies a stage failure.
type Kind string

const (
	KindClassificationFailed   Kind = "ClassificationFailed"
	KindTableSelectionFailed   Kind = "TableSelectionFailed"
	KindModelUnavailable       Kind = "ModelUnavailable"
	KindModelTimeout           Kind = "ModelTimeout"
	KindModelMalformedOutput   Kind = "ModelMalformedOutput"
	KindSqlGenerationExhausted Kind = "SqlGenerationExhausted"
	KindExecutionFailed        Kind = "ExecutionFailed"
	KindPermissionDenied       Kind = "PermissionDenied"
	KindInternal               Kind = "Internal"
)

// Retryable reports whether a failure of this kind is retried by WithRetry.
func (k Kind) Retryable() bool {
	switch k {
	case KindModelUnavailable, KindModelTimeout:
		return true
	}
	return false
}

// UserMessage is the fixed text shown for a failure of this kind. Raw model
// and database errors are never shown.
func (k Kind) UserMessage() string {
	switch k {
	case KindClassificationFailed:
		return "I couldn't work out what you're asking. Try rephrasing the question."
	case KindTableSelectionFailed:
		return "I couldn't find any table that matches your question."
	case KindModelUnavailable:
		return "The language model is unavailable right now. Please try again shortly."
	case KindModelTimeout:
		return "The language model took too long to answer. Please try again."
	case KindModelMalformedOutput:
		return "The language model returned an answer I couldn't use. Try rephrasing the question."
	case KindSqlGenerationExhausted:
		return "I couldn't produce a valid query for this question. Try being more specific about the data you want."
	case KindExecutionFailed:
		return "The query failed to run against the data source."
	case KindPermissionDenied:
		return "The data source refused the query: permission denied."
	case KindInternal:
		return "Something went wrong while handling this conversation."
	}
	return "Something went wrong."
}

// causeMessages refine the ExecutionFailed message by cause.
var causeMessages = map[datasource.ErrorCause]string{
	datasource.CauseTimeout:                "The query timed out before the data source returned a result.",
	datasource.CauseConnectionLost:         "The connection to the data source was lost while running the query.",
	datasource.CauseSyntaxRejectedByEngine: "The data source rejected the generated query.",
	datasource.CausePermissionDenied:       "The data source refused the query: permission denied.",
}

// StageError is a failure of one stage, already classified.
type StageError struct {
	Stage Stage
	Kind  Kind
	Cause datasource.ErrorCause
	Err   error
}

func (e *StageError) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Stage, e.Kind, e.Cause, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// UserMessage returns the text for the error event of this failure.
func (e *StageError) UserMessage() string {
	if e.Kind == KindExecutionFailed {
		if msg, ok := causeMessages[e.Cause]; ok {
			return msg
		}
	}
	return e.Kind.UserMessage()
}

// ModelKind classifies an error returned by a model-backed stage.
func ModelKind(err error) Kind {
	switch {
	case errors.Is(err, ErrMalformedOutput), errors.Is(err, llm.ErrEmptyResponse):
		return KindModelMalformedOutput
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindModelTimeout
	}
	return KindModelUnavailable
}

// ExecutionError classifies an error returned by the query executor.
func ExecutionError(err error) *StageError {
	cause, ok := datasource.CauseOf(err)
	if !ok {
		cause = datasource.CauseSyntaxRejectedByEngine
		if errors.Is(err, context.DeadlineExceeded) {
			cause = datasource.CauseTimeout
		}
	}
	kind := KindExecutionFailed
	if cause == datasource.CausePermissionDenied {
		kind = KindPermissionDenied
	}
	return &StageError{Stage: StageExecute, Kind: kind, Cause: cause, Err: err}
}
