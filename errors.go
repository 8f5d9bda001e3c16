// errors.go
package agoranet

import "fmt"

// FailureKind is the closed taxonomy of §7. Background tasks (C3, C4)
// never let these escape; they log, back off, and retry.
type FailureKind string

const (
	KindUnauthenticatedMalformed    FailureKind = "unauthenticated_malformed"
	KindUnauthenticatedExpired      FailureKind = "unauthenticated_expired"
	KindUnauthenticatedBadSignature FailureKind = "unauthenticated_bad_signature"
	KindForbidden                   FailureKind = "forbidden"
	KindNotFound                    FailureKind = "not_found"
	KindInvalidInput                FailureKind = "invalid_input"
	KindInvalidReply                FailureKind = "invalid_reply"
	KindConflict                    FailureKind = "conflict"
	KindTransient                   FailureKind = "transient"
	KindFatal                       FailureKind = "fatal"
)

// Failure is the typed error every C1/C2 operation returns instead of an
// ad-hoc error string, so the HTTP adapter can map it to a status code
// without string matching (§6, §7).
type Failure struct {
	Kind    FailureKind
	Message string
	err     error
}

func (f *Failure) Error() string {
	if f.Message != "" {
		return f.Message
	}
	return string(f.Kind)
}

func (f *Failure) Unwrap() error { return f.err }

func NewFailure(kind FailureKind, msg string) *Failure {
	return &Failure{Kind: kind, Message: msg}
}

func WrapFailure(kind FailureKind, msg string, err error) *Failure {
	return &Failure{Kind: kind, Message: msg, err: err}
}

func ErrNotFound(what string) *Failure {
	return NewFailure(KindNotFound, fmt.Sprintf("%s not found", what))
}

func ErrForbidden(msg string) *Failure {
	return NewFailure(KindForbidden, msg)
}

func ErrInvalidInput(msg string) *Failure {
	return NewFailure(KindInvalidInput, msg)
}

func ErrInvalidReply(msg string) *Failure {
	return NewFailure(KindInvalidReply, msg)
}

func ErrConflict(msg string) *Failure {
	return NewFailure(KindConflict, msg)
}

func ErrTransient(msg string, cause error) *Failure {
	return WrapFailure(KindTransient, msg, cause)
}

// AsFailure unwraps err into a *Failure, defaulting unknown errors to a
// Transient failure so backend surprises never crash a caller.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	if f, ok := err.(*Failure); ok {
		return f
	}
	return WrapFailure(KindTransient, err.Error(), err)
}
