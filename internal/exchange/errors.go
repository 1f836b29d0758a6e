package exchange

import (
	"errors"
	"fmt"

	"lotex/internal/store"
)

// Kind is the machine-readable class of a facade failure. The API adapter
// maps kinds to HTTP status codes; clients branch on them.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNotFound          Kind = "not_found"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindAlreadyClosed     Kind = "already_closed"
	KindConflict          Kind = "conflict"
	KindStoreUnavailable  Kind = "store_unavailable"
	KindInternal          Kind = "internal"
)

// Error is a structured facade failure: a kind for machines, a message for
// humans, and the wrapped cause when one exists.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from any error returned by the facade.
// Non-facade errors report KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// wrapStore classifies a store-layer failure into the facade taxonomy.
func wrapStore(err error, msg string) error {
	kind := KindInternal
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		kind = KindInsufficientFunds
	case errors.Is(err, store.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, store.ErrConflict):
		kind = KindConflict
	case errors.Is(err, store.ErrUnavailable):
		kind = KindStoreUnavailable
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// transient reports whether the failure is safe to retry as a whole
// operation: nothing committed, and a later attempt may succeed.
func transient(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrUnavailable)
}
