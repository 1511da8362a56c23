// Package errdefs defines the error kinds surfaced by the viewport engine.
//
// Every failure that reaches the viewer state carries exactly one Kind. Lower
// layers wrap their cause in an *Error; anything that arrives without a Kind
// is reported as SetupFailed.
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an engine failure.
type Kind string

const (
	SurfaceUnavailable  Kind = "SurfaceUnavailable"
	GroupAlreadyExists  Kind = "GroupAlreadyExists"
	ChannelAlreadyBound Kind = "ChannelAlreadyBound"
	EmptyStack          Kind = "EmptyStack"
	InvalidReference    Kind = "InvalidReference"
	EmptyMaskStack      Kind = "EmptyMaskStack"
	GeometryMismatch    Kind = "GeometryMismatch"
	SetupFailed         Kind = "SetupFailed"

	EngineAlreadyExists  Kind = "EngineAlreadyExists"
	GroupNotFound        Kind = "GroupNotFound"
	ViewportNotFound     Kind = "ViewportNotFound"
	ToolNotInGroup       Kind = "ToolNotInGroup"
	StackNotLoaded       Kind = "StackNotLoaded"
	OverlayAlreadyExists Kind = "OverlayAlreadyExists"
	SeriesNotFound       Kind = "SeriesNotFound"
	PlatformShutdown     Kind = "PlatformShutdown"
)

// Error satisfies the error interface so a bare Kind can be used as an
// errors.Is target.
func (k Kind) Error() string { return string(k) }

// Error is a failure of a named operation with a Kind attached.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an *Error with a formatted cause.
func New(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil. If err already carries
// a kind it is kept and only the op is recorded.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind carried by err. Errors without one are SetupFailed.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return SetupFailed
}

// IsCanceled reports whether err stems from context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
