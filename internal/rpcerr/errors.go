// Package rpcerr defines the error taxonomy shared by the session, transport
// and call-resilience layers. Errors carry a Kind assigned where they are
// raised; retry classification matches on Kind equality, never on message
// text.
package rpcerr

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindAuth
	KindNotAuthenticated
	KindExtraction
	KindNetwork
	KindTimeout
	KindConnection
	KindUnavailable
	KindThrottled
	KindRejected
	KindDeadline
	KindRateLimit
	KindApplication
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindConfig:           "config",
	KindAuth:             "auth",
	KindNotAuthenticated: "not_authenticated",
	KindExtraction:       "extraction",
	KindNetwork:          "network",
	KindTimeout:          "timeout",
	KindConnection:       "connection",
	KindUnavailable:      "unavailable",
	KindThrottled:        "throttled",
	KindRejected:         "rejected",
	KindDeadline:         "deadline",
	KindRateLimit:        "rate_limit",
	KindApplication:      "application",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Transport reports whether the kind belongs to the transport class, the
// only class eligible for automatic retry.
func (k Kind) Transport() bool {
	switch k {
	case KindNetwork, KindTimeout, KindConnection, KindUnavailable, KindThrottled:
		return true
	default:
		return false
	}
}

// Error is a classified failure. Op names the operation or the variable
// that failed so configuration and auth errors are self-correcting.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Kind.String()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Kind: k}) match any error of kind k.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Config(variable string, format string, args ...any) *Error {
	return Newf(KindConfig, variable, format, args...)
}

func Auth(provider string, err error) *Error {
	return New(KindAuth, provider, err)
}

var ErrNotAuthenticated = &Error{Kind: KindNotAuthenticated, Op: "session", Err: errors.New("not authenticated")}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return KindRateLimit
	}
	var app *ApplicationError
	if errors.As(err, &app) {
		return KindApplication
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RateLimitError is a local admission denial. It is fatal to the current
// call and never retried.
type RateLimitError struct {
	Class             string
	RetryAfterSeconds int
}

func NewRateLimitError(class string, untilReset time.Duration) *RateLimitError {
	secs := int(math.Ceil(untilReset.Seconds()))
	if secs < 0 {
		secs = 0
	}
	return &RateLimitError{Class: class, RetryAfterSeconds: secs}
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s operations; retry in %d seconds", e.Class, e.RetryAfterSeconds)
}

func (e *RateLimitError) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterSeconds) * time.Second
}

// ApplicationError is a remote {err} result converted to an error on
// request. The call layer itself returns application rejections as data.
type ApplicationError struct {
	Method string
	Reason string
}

func (e *ApplicationError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if e.Method == "" {
		return "application error: " + reason
	}
	return e.Method + ": " + reason
}
