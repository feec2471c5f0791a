package tailnet

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRemoteAPI matches every *APIError and every failure to reach the
	// API at all.
	ErrRemoteAPI = errors.New("tailscale API error")
	// ErrAuthKeyUnavailable means the key request succeeded but the response
	// carried no key.
	ErrAuthKeyUnavailable = errors.New("auth key missing from response")
	// ErrPolicyConflict means the policy changed since it was fetched.
	ErrPolicyConflict = errors.New("policy was modified concurrently")
)

// APIError is a non-2xx response, or a 2xx response whose body could not be
// decoded.
type APIError struct {
	Method  string
	Path    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tailscale API %s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("tailscale API %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// Is matches ErrRemoteAPI, and ErrPolicyConflict for 412 responses.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRemoteAPI:
		return true
	case ErrPolicyConflict:
		return e.Status == http.StatusPreconditionFailed
	default:
		return false
	}
}
