package harness

import "errors"

var (
	// ErrNoContent is returned when the loop exhausts its iterations and the
	// final tool-less attempt still produces no text.
	ErrNoContent = errors.New("no content produced")

	// ErrStreamIntegrity is returned when a stream is malformed or truncated
	// and the non-streaming retry also failed.
	ErrStreamIntegrity = errors.New("stream integrity failure")

	// ErrTransientService wraps upstream timeouts and transient failures from
	// the provider or a tool.
	ErrTransientService = errors.New("transient service failure")
)
