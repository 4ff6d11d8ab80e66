package messaging

import (
	"errors"
	"fmt"
)

// TransientBrokerError wraps a failure talking to the broker that is expected
// to clear on retry (timeouts, lost connections, no stream leader).
type TransientBrokerError struct {
	Op  string
	Err error
}

func (e *TransientBrokerError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *TransientBrokerError) Unwrap() error { return e.Err }

// Transient wraps err as a *TransientBrokerError for op. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientBrokerError{Op: op, Err: err}
}

// IsTransient reports whether err is, or wraps, a *TransientBrokerError.
func IsTransient(err error) bool {
	var te *TransientBrokerError
	return errors.As(err, &te)
}
