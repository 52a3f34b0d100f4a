package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errMissingStore        = errors.New("dispatch store is required")
	errMissingVAPIDKeys    = errors.New("vapid public and private keys are required")
	errMissingVAPIDSubject = errors.New("vapid subject is required")
)

const (
	opRun = "dispatch.run"

	reasonMissingStore        = "missing_store"
	reasonMissingVAPIDKeys    = "missing_vapid_keys"
	reasonMissingVAPIDSubject = "missing_vapid_subject"
	reasonInvalidVAPIDKeys    = "invalid_vapid_keys"
	reasonInvalidTransport    = "invalid_transport"
	reasonDueRowsFailed       = "due_rows_failed"
)

var configurationReasons = map[string]struct{}{
	reasonMissingStore:        {},
	reasonMissingVAPIDKeys:    {},
	reasonMissingVAPIDSubject: {},
	reasonInvalidVAPIDKeys:    {},
	reasonInvalidTransport:    {},
}

// ServiceError carries a stable code of the form "dispatch.<operation>.<reason>".
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IsConfigurationError reports whether err stems from missing or invalid deployment
// configuration, as opposed to a failure while reading due rows.
func IsConfigurationError(err error) bool {
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		return false
	}
	reason := serviceErr.code[strings.LastIndex(serviceErr.code, ".")+1:]
	_, ok := configurationReasons[reason]
	return ok
}
