package toolloop

import "errors"

var (
	// ErrCancelled is returned when the cancellation signal is observed before a model call.
	ErrCancelled = errors.New("job cancelled")

	// ErrNoUsableResult means the loop ended without any text or report from the model.
	ErrNoUsableResult = errors.New("no usable result from model")
)
