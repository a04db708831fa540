package outbox

// RetryClassifier lets callers mark additional errors as not worth retrying.
// It is consulted only for errors not already wrapped by Recoverable or
// Unrecoverable.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}
