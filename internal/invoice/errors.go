package invoice

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies why a retrieval failed, it is what ends up in the
// `message` of a failed result.
type Code string

const (
	FAILED_TO_INIT_SESSION           Code = "FAILED_TO_INIT_SESSION"
	IP_BLOCKED                       Code = "IP_BLOCKED"
	INVALID_DATA                     Code = "INVALID_DATA"
	PORTAL_ISSUE                     Code = "PORTAL_ISSUE"
	FAILED_TO_CONNECT_TO_AUTH        Code = "FAILED_TO_CONNECT_TO_AUTH"
	FAILED_SEARCH_AUTH_TOKEN_IN_FORM Code = "FAILED_SEARCH_AUTH_TOKEN_IN_FORM"
	RETRY_EXCEEDED                   Code = "RETRY_EXCEEDED"
	CAPTCHA_UNSOLVABLE               Code = "CAPTCHA_UNSOLVABLE"
)

// Terminal reports whether retrying with the same identity is pointless.
func (c Code) Terminal() bool {
	return c == INVALID_DATA || c == IP_BLOCKED
}

type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a formatted detail message.
func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err with code, a nil err stays nil.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// CodeOf returns the code of the outermost classified error in the chain,
// anything unclassified is a PORTAL_ISSUE.
func CodeOf(err error) Code {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Code
	}
	return PORTAL_ISSUE
}

// IsCanceled is true when err stems from the run context ending rather than the portal.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
