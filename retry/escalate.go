package retry

// ErrorType is the persisted classification of a failed item.
type ErrorType string

const (
	ErrorTransient ErrorType = "NetworkError"
	ErrorProtocol  ErrorType = "ProtocolError"
	ErrorExhausted ErrorType = "RetriesExhausted"
)

// Decision is what happens to an item after a failed attempt.
type Decision struct {
	// RetryCount is the counter to persist.
	RetryCount int
	// ManualReview stops automatic processing of the item.
	ManualReview bool
	Type         ErrorType
}

// Escalate decides the fate of an item that failed with err after
// retryCount earlier failures. Permanent errors go straight to manual
// review; transient ones do once the counter exceeds maxRetries.
func Escalate(err error, retryCount, maxRetries int) Decision {
	next := retryCount + 1
	if !IsTransient(err) {
		return Decision{RetryCount: next, ManualReview: true, Type: ErrorProtocol}
	}
	if next > maxRetries {
		return Decision{RetryCount: next, ManualReview: true, Type: ErrorExhausted}
	}
	return Decision{RetryCount: next, Type: ErrorTransient}
}
