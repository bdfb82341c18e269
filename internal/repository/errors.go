package repository

import "errors"

var (
	// ErrStaleState is returned when a compare-and-swap update matched no
	// document: the caller's copy of the session lost a concurrent race
	// and must re-read before retrying.
	ErrStaleState = errors.New("stale session state")

	// ErrNotClaimed is returned when a review mutation does not hold the
	// item's current, unexpired claim.
	ErrNotClaimed = errors.New("review item not claimed by reviewer")
)
