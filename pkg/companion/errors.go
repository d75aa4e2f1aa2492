package companion

import "errors"

var (
	// ErrNotFound reports that a requested record does not exist.
	ErrNotFound = errors.New("companion: not found")

	// ErrAccessDenied reports that the caller does not own the record.
	ErrAccessDenied = errors.New("companion: access denied")

	// ErrPersonaUnresolved reports that a conversation's persona or its
	// active prompt version cannot be loaded. Turns fail on it before any
	// streaming begins.
	ErrPersonaUnresolved = errors.New("companion: persona unresolved")

	// ErrTurnInFlight reports that another turn is still streaming on the
	// same conversation. Turns are single-flight per conversation.
	ErrTurnInFlight = errors.New("companion: turn already in flight")

	// ErrOrderViolation reports an append that would break the turn
	// history ordering rules, e.g. a tool result without its call.
	ErrOrderViolation = errors.New("companion: message order violation")

	// ErrInvalidRating reports a feedback rating outside 1..5.
	ErrInvalidRating = errors.New("companion: rating must be between 1 and 5")
)
