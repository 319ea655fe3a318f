package fetch

import (
	"context"
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindServer
	KindDecode
	KindCapabilities
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindDecode:
		return "decode"
	case KindCapabilities:
		return "capabilities"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	// ErrCancelled reports a cycle that was superseded or aborted.
	ErrCancelled = errors.New("fetch cycle cancelled")
	// ErrNoMatrix reports that no tile matrix can serve a request.
	ErrNoMatrix = errors.New("no usable tile matrix")
)

// Error is a classified fetch failure.
type Error struct {
	Kind    Kind
	URL     string
	Status  int
	Attempt int
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.URL != "" {
		msg += " fetching " + e.URL
	}
	if e.Attempt > 0 {
		msg += fmt.Sprintf(" (attempt %d)", e.Attempt)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrCancelled && e.Kind == KindCancelled
}

// KindOf classifies any error; nil is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != KindUnknown {
		return fe.Kind
	}
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrNoMatrix):
		return KindCapabilities
	case statusOf(err) != 0:
		return KindServer
	default:
		return KindNetwork
	}
}

type statusCoder interface{ StatusCode() int }

func statusOf(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

// CapabilitiesError wraps err as a cycle level capabilities failure.
func CapabilitiesError(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindCapabilities, Err: err}
}
