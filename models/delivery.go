package models

// DeliveryState tracks one reference through the reconciliation pipeline.
type DeliveryState string

const (
	// DeliveryReferenced means a raw reference was observed but not yet acted on.
	DeliveryReferenced DeliveryState = "referenced"
	// DeliveryFetching means the ciphertext fetch is in flight.
	DeliveryFetching DeliveryState = "fetching"
	// DeliveryDecrypting means decrypt plus signature verification is in flight.
	DeliveryDecrypting DeliveryState = "decrypting"
	// DeliveryVerified is the terminal success state.
	DeliveryVerified DeliveryState = "verified"
	// DeliveryRejected is the terminal failure state for this attempt.
	DeliveryRejected DeliveryState = "rejected"
)

// Terminal reports whether the state permits no further transitions.
func (s DeliveryState) Terminal() bool {
	return s == DeliveryVerified || s == DeliveryRejected
}

// ValidDeliveryState reports whether s is a known delivery state.
func ValidDeliveryState(s DeliveryState) bool {
	switch s {
	case DeliveryReferenced, DeliveryFetching, DeliveryDecrypting, DeliveryVerified, DeliveryRejected:
		return true
	default:
		return false
	}
}

// DeliveryRecord is the local index entry for one (message, observer) pair.
// It is owned exclusively by the local index and written through a single
// commit path.
type DeliveryRecord struct {
	MessageID      string        `json:"message_id"`
	Observer       string        `json:"observer"`
	State          DeliveryState `json:"state"`
	Delivered      bool          `json:"delivered"`
	Read           bool          `json:"read"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	SequenceNumber uint64        `json:"sequence_number"`
	CommittedAt    int64         `json:"committed_at"`
}
