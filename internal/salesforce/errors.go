package salesforce

import "fmt"

// LoginError reports a network-level failure during an OAuth flow. It
// means the instance is unreachable rather than misconfigured, so it is
// fatal to the current authentication attempt and distinct from an
// ordinary credential rejection.
type LoginError struct {
	Instance string
	Err      error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("authentication failed for sfdc instance %q: %v", e.Instance, e.Err)
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// APIError is a classified Salesforce API failure. StatusCode carries the
// HTTP status, or -1 for transport-level failures.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("salesforce api failure (status %d): %s", e.StatusCode, e.Message)
}

// CompoundKeyError reports a row missing one of the configured id fields.
// A partial dedup key risks silent loss or unbounded duplication, so this
// aborts the whole cycle.
type CompoundKeyError struct {
	Field string
}

func (e *CompoundKeyError) Error() string {
	return fmt.Sprintf("error building compound id, key %q not found", e.Field)
}
