package rf

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation was refused
type Kind int

const (
	KindOutOfBand Kind = iota + 1
	KindInvalidTransition
	KindUnhealthyRejected
	KindHardwareSequenceTimeout
	KindStillFaulted
	KindConfiguration
	KindHardware
)

var kindNames = map[Kind]string{
	KindOutOfBand:               "out_of_band",
	KindInvalidTransition:       "invalid_transition",
	KindUnhealthyRejected:       "unhealthy_rejected",
	KindHardwareSequenceTimeout: "hardware_sequence_timeout",
	KindStillFaulted:            "still_faulted",
	KindConfiguration:           "configuration",
	KindHardware:                "hardware",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind looks a kind up by name
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Class separates refusals by policy from refusals by hardware
type Class int

const (
	ClassPolicy Class = iota
	ClassHardware
)

func (c Class) String() string {
	if c == ClassHardware {
		return "hardware"
	}
	return "policy"
}

// Class returns whether the kind is a policy or a hardware refusal
func (k Kind) Class() Class {
	switch k {
	case KindHardwareSequenceTimeout, KindHardware:
		return ClassHardware
	default:
		return ClassPolicy
	}
}

// Error is returned by every control operation that refuses or fails
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg = e.Msg
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Class returns the refusal class of the error kind
func (e *Error) Class() Class {
	return e.Kind.Class()
}

// Sentinels for errors.Is
var (
	ErrOutOfBand               = &Error{Kind: KindOutOfBand}
	ErrInvalidTransition       = &Error{Kind: KindInvalidTransition}
	ErrUnhealthyRejected       = &Error{Kind: KindUnhealthyRejected}
	ErrHardwareSequenceTimeout = &Error{Kind: KindHardwareSequenceTimeout}
	ErrStillFaulted            = &Error{Kind: KindStillFaulted}
	ErrConfiguration           = &Error{Kind: KindConfiguration}
	ErrHardware                = &Error{Kind: KindHardware}
)

func newError(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NewError creates an error of kind for op
func NewError(kind Kind, op, format string, args ...interface{}) *Error {
	return newError(kind, op, format, args...)
}

// WrapError wraps a cause as an error of kind for op
func WrapError(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	e := newError(kind, op, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Outcome reports whether a successful call changed anything
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeNoOp
)

func (o Outcome) String() string {
	if o == OutcomeNoOp {
		return "unchanged"
	}
	return "applied"
}
