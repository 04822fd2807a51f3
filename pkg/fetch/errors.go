// pkg/fetch/errors.go - error taxonomy for repository fetches.

package fetch

import "fmt"

// ConnectionError covers DNS, TCP, and TLS level failures.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed for %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// HTTPError is a terminal non-success status from the server.
type HTTPError struct {
	Code int
	URL  string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.Code, e.URL)
}

// IntegrityError means the downloaded bytes did not match the expected
// sha256, or hash_strict mode found no expected hash to check against.
type IntegrityError struct {
	URL      string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("integrity check failed for %s: no expected hash and verification is strict", e.URL)
	}
	return fmt.Sprintf("integrity check failed for %s: expected %s got %s", e.URL, e.Expected, e.Actual)
}
