package geoloc

import (
	"context"
	"errors"
)

// ErrorKind classifies a failed position request.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindPermissionDenied
	KindPositionUnavailable
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindPositionUnavailable:
		return "position_unavailable"
	case KindTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// ParseKind is the inverse of String. Unknown codes are KindOther.
func ParseKind(s string) ErrorKind {
	for _, k := range []ErrorKind{KindPermissionDenied, KindPositionUnavailable, KindTimeout} {
		if k.String() == s {
			return k
		}
	}
	return KindOther
}

// Message is the text shown to the user for this kind.
func (k ErrorKind) Message() string {
	switch k {
	case KindPermissionDenied:
		return "Location access denied"
	case KindPositionUnavailable:
		return "Location unavailable"
	case KindTimeout:
		return "Location request timed out"
	default:
		return "Unknown location error"
	}
}

// Error is returned by every Provider.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Message()
	}
	return e.Kind.Message() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of err. Context deadlines count as timeouts.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindOther
}

// Message returns the user-facing text for err, or "" when err is nil.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return KindOf(err).Message()
}
