package subsync

// Provider status values this system recognizes. Anything else maps to
// StatusExpired: an unknown status must never be treated as entitled.
const (
	ProviderStatusActive            = "active"
	ProviderStatusTrialing          = "trialing"
	ProviderStatusCanceled          = "canceled"
	ProviderStatusUnpaid            = "unpaid"
	ProviderStatusPastDue           = "past_due"
	ProviderStatusIncomplete        = "incomplete"
	ProviderStatusIncompleteExpired = "incomplete_expired"
	ProviderStatusPaused            = "paused"
)

// MapProviderStatus translates a provider-reported status string into the
// canonical Status. Total over all inputs: trial and confirmed billing map
// to active, explicit terminal ends map to cancelled, and every
// transitional or unrecognized status maps to expired.
func MapProviderStatus(providerStatus string) Status {
	switch providerStatus {
	case ProviderStatusActive, ProviderStatusTrialing:
		return StatusActive
	case ProviderStatusCanceled, ProviderStatusUnpaid:
		return StatusCancelled
	default:
		// incomplete, incomplete_expired, past_due, paused, and anything
		// the provider adds in the future.
		return StatusExpired
	}
}
