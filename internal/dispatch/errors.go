package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies dispatch failures.
type Kind int

const (
	KindTransient Kind = iota
	KindDuplicate
	KindNotFound
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindDuplicate:
		return "duplicate"
	case KindNotFound:
		return "not_found"
	case KindMalformed:
		return "malformed"
	default:
		return "transient"
	}
}

// Sentinels for errors.Is checks. Any *Error of the same Kind matches.
var (
	ErrDuplicate = &Error{Kind: KindDuplicate}
	ErrNotFound  = &Error{Kind: KindNotFound}
	ErrTransient = &Error{Kind: KindTransient}
	ErrMalformed = &Error{Kind: KindMalformed}
)

// Error is returned by every Orchestrator operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, and false if
// there is none.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindTransient, false
}

func malformed(op, format string, args ...any) error {
	return &Error{Kind: KindMalformed, Op: op, Err: fmt.Errorf(format, args...)}
}
