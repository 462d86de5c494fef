// Package errs defines the error categories shared by every medkey component.
//
// Each component declares its own sentinel errors with one of the
// constructors below. A sentinel matches both itself and its category, so
// callers can branch on either:
//
//	errors.Is(err, registry.ErrAlreadyRegistered) // specific
//	errors.Is(err, errs.ErrConflict)              // category
package errs

import "errors"

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation means the input was malformed. Safe to retry after fixing it.
	KindValidation
	// KindConflict means the caller's view of state is stale. Re-read before retrying.
	KindConflict
	// KindIntegrity means a tag, MAC, digest or hash chain did not verify.
	KindIntegrity
	// KindUnauthorized means the caller is not allowed to perform the operation.
	KindUnauthorized
	// KindNotFound means the addressed entity does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindIntegrity:
		return "integrity"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a categorised sentinel error.
type Error struct {
	Kind Kind
	Msg  string

	category bool
}

func (e *Error) Error() string { return e.Msg }

// Is reports whether target is e itself or the category sentinel of e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t == e {
		return true
	}
	return t.category && t.Kind == e.Kind
}

// Category sentinels.
var (
	ErrValidation   = &Error{Kind: KindValidation, Msg: "validation error", category: true}
	ErrConflict     = &Error{Kind: KindConflict, Msg: "state conflict", category: true}
	ErrIntegrity    = &Error{Kind: KindIntegrity, Msg: "integrity error", category: true}
	ErrUnauthorized = &Error{Kind: KindUnauthorized, Msg: "unauthorized", category: true}
	ErrNotFound     = &Error{Kind: KindNotFound, Msg: "not found", category: true}
)

func Validation(msg string) *Error   { return &Error{Kind: KindValidation, Msg: msg} }
func Conflict(msg string) *Error     { return &Error{Kind: KindConflict, Msg: msg} }
func Integrity(msg string) *Error    { return &Error{Kind: KindIntegrity, Msg: msg} }
func Unauthorized(msg string) *Error { return &Error{Kind: KindUnauthorized, Msg: msg} }
func NotFound(msg string) *Error     { return &Error{Kind: KindNotFound, Msg: msg} }

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
