package job

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrDuplicateID    = errors.New("job id already exists")
	ErrNotClaimable   = errors.New("job is not pending")
	ErrHandlerExists  = errors.New("handler already registered")
	ErrMissingHandler = errors.New("no handler registered")
)

// Class decides what the worker does with a failed attempt.
type Class string

const (
	ClassRetryable   Class = "retryable"
	ClassTerminal    Class = "terminal"
	ClassSystemFault Class = "system-fault"
)

// Kind is the coarse failure reason recorded on dead letters and metrics.
type Kind string

const (
	KindTimeout            Kind = "timeout"
	KindConnectionRefused  Kind = "connection-refused"
	KindDNS                Kind = "dns-error"
	KindNetwork            Kind = "network"
	KindRateLimited        Kind = "rate-limited"
	KindServiceUnavailable Kind = "service-unavailable"
	KindHTTP4xx            Kind = "http-4xx"
	KindHTTP5xx            Kind = "http-5xx"
	KindValidation         Kind = "validation"
	KindPanic              Kind = "panic"
	KindOther              Kind = "other"
)

// Error is a classified handler failure.
type Error struct {
	Class Class
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Class, e.Kind)
	}
	return fmt.Sprintf("%s (%s): %v", e.Class, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable marks err as transient. An empty kind is derived from err.
func Retryable(kind Kind, err error) error {
	if kind == "" {
		kind = KindOf(err)
	}
	return &Error{Class: ClassRetryable, Kind: kind, Err: err}
}

// Terminal marks err as permanent: the job is not retried.
func Terminal(kind Kind, err error) error {
	if kind == "" {
		kind = KindOf(err)
	}
	return &Error{Class: ClassTerminal, Kind: kind, Err: err}
}

// Classify returns the class and kind of a handler error. Unclassified errors
// are system faults; deadline errors are retryable timeouts.
func Classify(err error) (Class, Kind) {
	if err == nil {
		return "", ""
	}
	var je *Error
	if errors.As(err, &je) {
		kind := je.Kind
		if kind == "" {
			kind = KindOf(je.Err)
		}
		return je.Class, kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable, KindTimeout
	}
	return ClassSystemFault, KindOf(err)
}

// KindOf maps transport level errors onto a Kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "connection refused"):
		return KindConnectionRefused
	case strings.Contains(msg, "no such host"):
		return KindDNS
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}
	return KindOther
}

// KindForStatus maps an HTTP response status onto a Kind and whether it is
// worth retrying.
func KindForStatus(status int) (Kind, bool) {
	switch {
	case status == 429:
		return KindRateLimited, true
	case status == 503:
		return KindServiceUnavailable, true
	case status == 408:
		return KindTimeout, true
	case status >= 500:
		return KindHTTP5xx, true
	case status >= 400:
		return KindHTTP4xx, false
	}
	return KindOther, false
}
