package service

import (
	"errors"
	"fmt"
)

var ErrMissingSignature = errors.New("missing webhook signature header")

// ValidationError rejects bad or missing user input. Always a 4xx, never
// retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	}
	return e.Msg
}

// AuthenticationError rejects an unauthenticated webhook delivery. Always a
// 4xx; the provider may resend on its own schedule.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("webhook authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ConfigurationError marks missing or broken integration settings, such as a
// plan without a price reference. Fatal and not user-actionable.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

// RecoverableError marks a transient datastore or provider failure during
// reconciliation. Surfaced as 5xx so the provider's retry mechanism engages;
// that retry is the system's only retry strategy.
type RecoverableError struct {
	Op  string
	Err error
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RecoverableError) Unwrap() error { return e.Err }

// FatalEventError marks an event payload that structurally cannot be
// reconciled. Logged and dropped; acknowledged 2xx so the provider does not
// redeliver it forever.
type FatalEventError struct {
	Msg string
}

func (e *FatalEventError) Error() string { return e.Msg }
