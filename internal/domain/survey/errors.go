package survey

import "errors"

var (
	// ErrLoadFailure means the question provider failed or returned nothing usable.
	ErrLoadFailure = errors.New("survey: question load failed")
	// ErrSubmissionFailure means the submission service call failed; session state is unchanged.
	ErrSubmissionFailure = errors.New("survey: submission failed")
	// ErrInvalidAnswer is an integration error: unknown question or option.
	ErrInvalidAnswer = errors.New("survey: invalid answer")
	// ErrIllegalTransition is returned for operations not allowed in the current state.
	ErrIllegalTransition = errors.New("survey: illegal transition")
	// ErrSessionNotFound is returned by the session manager for unknown ids.
	ErrSessionNotFound = errors.New("survey: session not found")
)
