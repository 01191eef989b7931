package subsync

import "errors"

var (
	// ErrSubscriptionNotFound is returned when no subscription matches a lookup
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrUserNotFound is returned when a user record does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrPlanNotFound is returned for an unknown plan id
	ErrPlanNotFound = errors.New("plan not found")

	// ErrEventAlreadyProcessed is returned by the ledger when the event id
	// already has a record; callers treat it as a successful duplicate
	ErrEventAlreadyProcessed = errors.New("event already processed")

	// ErrMissingMetadata is returned when a checkout event lacks the user or
	// plan identifiers; redelivery carries the same payload, so not retryable
	ErrMissingMetadata = errors.New("required metadata missing from event")

	// ErrStorageUnavailable is returned when the persistent store cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")
)
