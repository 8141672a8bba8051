// Package reliability provides retry policies for broker operations.
//
// Policies:
//   - ExponentialBackoff: delay multiplied after every attempt, with jitter
//   - FixedDelay: constant delay between attempts
//
// Errors wrapped with Permanent stop any policy immediately.
//
// Example usage:
//
//	policy := NewExponentialBackoff(500*time.Millisecond, 10*time.Second, 2.0, 5)
//	err := Retry(ctx, policy, func() error {
//	    return dial()
//	})
package reliability
