package woocommerce

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// apiError mirrors the error envelope returned by the WooCommerce REST API.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Status int `json:"status"`
	} `json:"data"`
}

// Error implements repositories.RepositoryError for WooCommerce backed repositories.
type Error struct {
	op          string
	status      int
	code        string
	err         error
	notFound    bool
	conflict    bool
	unavailable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.err.Error()
	if e.status != 0 {
		msg = fmt.Sprintf("status %d: %s", e.status, msg)
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %s", e.op, msg)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// StatusCode returns the HTTP status reported by WooCommerce, or zero for transport failures.
func (e *Error) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.status
}

// Code returns the WooCommerce error code (e.g. registration-error-email-exists).
func (e *Error) Code() string {
	if e == nil {
		return ""
	}
	return e.code
}

// IsNotFound reports whether the error represents a missing resource.
func (e *Error) IsNotFound() bool {
	return e != nil && e.notFound
}

// IsConflict reports whether the backend rejected the call because of a uniqueness conflict.
func (e *Error) IsConflict() bool {
	return e != nil && e.conflict
}

// IsUnavailable reports whether the error represents a transient backend outage.
func (e *Error) IsUnavailable() bool {
	return e != nil && e.unavailable
}

func newStatusError(op string, status int, body apiError) *Error {
	message := strings.TrimSpace(body.Message)
	if message == "" {
		message = http.StatusText(status)
	}
	e := &Error{
		op:     op,
		status: status,
		code:   strings.TrimSpace(body.Code),
		err:    errors.New(message),
	}
	switch {
	case status == http.StatusNotFound:
		e.notFound = true
	case status == http.StatusConflict, isDuplicateCode(e.code):
		e.conflict = true
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		e.unavailable = true
	}
	return e
}

// wrapTransportError annotates network failures. Context cancellations are passed through.
func wrapTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{op: op, err: err, unavailable: true}
}

func isDuplicateCode(code string) bool {
	code = strings.ToLower(code)
	return strings.HasSuffix(code, "email-exists") || strings.HasSuffix(code, "username-exists") || strings.Contains(code, "duplicate")
}
