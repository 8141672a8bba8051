package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrMaxRetriesExceeded matches every *RetryError
var ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")

// RetryError is returned by Retry when the policy gives up on a retryable error
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d/%d attempts over %v: %v",
		e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

func (e *RetryError) Is(target error) bool {
	return target == ErrMaxRetriesExceeded
}
