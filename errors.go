package sqlgateway

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"
)

// ValidationError is returned when SQL text is rejected before reaching the database.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Reason)
}

// ConnectionError represents a pool or connect failure.
type ConnectionError struct {
	Retryable bool
	Attempts  int
	Cause     error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("connection error after %d attempts: %v", e.Attempts, e.Cause)
	}
	return fmt.Sprintf("connection error: %v", e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NotFoundError means the referenced table, view, column or schema does not exist.
type NotFoundError struct {
	Object string
	Cause  error
}

func (e *NotFoundError) Error() string {
	if e.Object != "" && e.Cause == nil {
		return fmt.Sprintf("not found: %s", e.Object)
	}
	return fmt.Sprintf("not found: %v", e.Cause)
}

func (e *NotFoundError) Unwrap() error {
	return e.Cause
}

// AuthError represents rejected credentials.
type AuthError struct {
	Cause error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication error: %v", e.Cause)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// PermissionError represents insufficient privileges.
type PermissionError struct {
	Cause error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission error: %v", e.Cause)
}

func (e *PermissionError) Unwrap() error {
	return e.Cause
}

// TimeoutError is returned when the client-side deadline of an operation passes.
// The engine may still be executing the statement.
type TimeoutError struct {
	Op    string
	After time.Duration
	Cause error
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
	}
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Cause)
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// TemplateError covers unknown template ids, missing and malformed parameters.
type TemplateError struct {
	TemplateID string
	Missing    []string
	Reason     string
}

func (e *TemplateError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("template %q: missing parameters: %s", e.TemplateID, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("template %q: %s", e.TemplateID, e.Reason)
}

// ExecutionError wraps any engine failure that matched no other category.
type ExecutionError struct {
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("query error: %v", e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// isClassified reports whether err already belongs to the taxonomy.
func isClassified(err error) bool {
	var (
		ve *ValidationError
		ce *ConnectionError
		ne *NotFoundError
		ae *AuthError
		pe *PermissionError
		te *TimeoutError
		tp *TemplateError
		ee *ExecutionError
	)
	return errors.As(err, &ve) || errors.As(err, &ce) || errors.As(err, &ne) ||
		errors.As(err, &ae) || errors.As(err, &pe) || errors.As(err, &te) ||
		errors.As(err, &tp) || errors.As(err, &ee)
}

// isTransient reports whether a connection-establishment error is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return transientPattern.MatchString(err.Error())
}

var transientPattern = regexp.MustCompile(`(?i)connection refused|connection reset|broken pipe|i/o timeout|` +
	`no such host|connection lost|server closed the connection|bad connection|ECONNREFUSED|ETIMEDOUT|ENOTFOUND`)

var (
	notFoundPattern   = regexp.MustCompile(`(?i)does not exist|not found|no such (table|column)|unknown (table|column|database)|invalid object name`)
	authPattern       = regexp.MustCompile(`(?i)password authentication failed|login failed|access denied for user|invalid username/password|authentication failed`)
	permissionPattern = regexp.MustCompile(`(?i)permission denied|insufficient privilege|command denied|not authorized|read-only|readonly`)
)

// classifyCommon maps errors that look the same on every engine. It returns
// nil when the error needs dialect knowledge.
func classifyCommon(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Op: "query", Cause: err}
	case errors.Is(err, context.Canceled):
		return &ExecutionError{Cause: err}
	case isTransient(err):
		return &ConnectionError{Retryable: true, Cause: err}
	}
	return nil
}

// classifyText is the last resort before ExecutionError.
func classifyText(err error) error {
	msg := err.Error()
	switch {
	case authPattern.MatchString(msg):
		return &AuthError{Cause: err}
	case permissionPattern.MatchString(msg):
		return &PermissionError{Cause: err}
	case notFoundPattern.MatchString(msg):
		return &NotFoundError{Cause: err}
	}
	return &ExecutionError{Cause: err}
}

// classifyWith runs the shared classification around a dialect-specific
// mapper. dialect returns nil for errors it does not recognize.
func classifyWith(err error, dialect func(error) error) error {
	if err == nil {
		return nil
	}

	var ce *ConnectionError
	if errors.As(err, &ce) {
		if ce.Retryable || ce.Cause == nil {
			return err
		}
		mapped := dialect(ce.Cause)
		if mapped == nil {
			mapped = classifyText(ce.Cause)
		}
		switch mapped.(type) {
		case *AuthError, *PermissionError, *NotFoundError:
			return mapped
		}
		return err
	}

	if isClassified(err) {
		return err
	}
	if c := classifyCommon(err); c != nil {
		return c
	}
	if mapped := dialect(err); mapped != nil {
		return mapped
	}
	return classifyText(err)
}
