package services

import "errors"

// Sentinel errors returned by the service layer. Handlers match them with
// errors.Is and map them to HTTP statuses; message text is never parsed.
var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation failed")
	ErrTestNotDraft         = errors.New("test is not a draft")
	ErrTestNotPublished     = errors.New("test is not published")
	ErrAlreadyInProgress    = errors.New("beneficiary already has an active session for this test")
	ErrSessionNotInProgress = errors.New("session is no longer in progress")
	ErrSessionTerminal      = errors.New("session is in a terminal state")
	ErrNoResult             = errors.New("session has no score yet")
)
