// Package errs defines the engine's error taxonomy.
//
// Every failure crossing a package boundary is an *Error tagged with a Kind so callers
// can branch on the category (rate limit, unrecoverable response, gate refusal) without
// string matching.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindProvider
	KindSchema
	KindParse
	KindValidation
	KindGateDenied
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindProvider:
		return "provider"
	case KindSchema:
		return "schema"
	case KindParse:
		return "parse"
	case KindValidation:
		return "validation"
	case KindGateDenied:
		return "gate_denied"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error is the tagged error carried through the engine.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "gateway.generate".
	Op       string
	Provider string
	Msg      string

	// Set only for KindProvider.
	RateLimit  bool
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" [")
		b.WriteString(e.Op)
		b.WriteString("]")
	}
	if e.Provider != "" {
		b.WriteString(" provider=")
		b.WriteString(e.Provider)
	}
	if e.RateLimit {
		b.WriteString(" rate_limited")
		if e.RetryAfter > 0 {
			fmt.Fprintf(&b, " retry_after=%s", e.RetryAfter)
		}
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind only, so errors.Is(err, &Error{Kind: KindParse}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is checks.
var (
	ErrProvider   = &Error{Kind: KindProvider}
	ErrSchema     = &Error{Kind: KindSchema}
	ErrParse      = &Error{Kind: KindParse}
	ErrValidation = &Error{Kind: KindValidation}
	ErrGateDenied = &Error{Kind: KindGateDenied}
	ErrConfig     = &Error{Kind: KindConfig}
)

// Provider wraps an upstream generation failure.
func Provider(op, provider string, err error) *Error {
	return &Error{Kind: KindProvider, Op: op, Provider: provider, Err: err}
}

// RateLimited wraps an upstream failure classified as quota exhaustion.
func RateLimited(op, provider string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindProvider, Op: op, Provider: provider, RateLimit: true, RetryAfter: retryAfter, Err: err}
}

func Schema(op, format string, args ...any) *Error {
	return &Error{Kind: KindSchema, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Parse(op string, err error) *Error {
	return &Error{Kind: KindParse, Op: op, Err: err}
}

func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Denied records a gate refusal. It is a normal outcome, not a fault.
func Denied(op, reason string) *Error {
	return &Error{Kind: KindGateDenied, Op: op, Msg: reason}
}

func Config(field, format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Op: field, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRateLimit reports whether err is a rate-limited provider error and its retry hint.
func IsRateLimit(err error) (bool, time.Duration) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindProvider && e.RateLimit {
		return true, e.RetryAfter
	}
	return false, 0
}
