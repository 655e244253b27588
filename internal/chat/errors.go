package chat

import "errors"

// Failure taxonomy for one turn. Callers classify with errors.Is.
var (
	// ErrPreflight marks failures before the turn started (attachment upload
	// or conversation creation). Nothing was appended, no stream was opened.
	ErrPreflight = errors.New("preflight failed")

	// ErrStream marks transport failures on an open stream. Partial
	// assistant content received so far is kept; the streaming flag is
	// cleared and a checkpoint is still scheduled.
	ErrStream = errors.New("stream failed")

	// ErrStop marks a rejected stop request. The streaming flag is not
	// cleared; the in-flight guard is released so the stop can be retried.
	ErrStop = errors.New("stop request failed")

	// ErrSendInFlight is returned when a send is attempted while another
	// turn is still streaming.
	ErrSendInFlight = errors.New("send already in flight")
)
