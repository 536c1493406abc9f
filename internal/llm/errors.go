package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFatalAPI marks provider failures that retrying will not fix
// (bad credentials, exhausted quota, billing problems).
var ErrFatalAPI = errors.New("fatal API error")

// ProviderError reports a failed completion request or a stream that broke mid-way.
type ProviderError struct {
	Op         string // "stream" or "complete"
	StatusCode int    // HTTP status when the endpoint answered, 0 otherwise
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

var fatalMarkers = []string{
	"credit balance",
	"rate limit",
	"quota",
	"billing",
	"invalid api key",
	"authentication",
	"unauthorized",
	"401",
	"403",
}

func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// wrapFatalError tags err with ErrFatalAPI when it looks unrecoverable.
func wrapFatalError(err error) error {
	if !isFatalAPIError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatalAPI, err)
}

// providerError builds the error returned to callers, keeping ErrFatalAPI reachable through errors.Is.
func providerError(op string, status int, err error) error {
	return &ProviderError{Op: op, StatusCode: status, Err: wrapFatalError(err)}
}
