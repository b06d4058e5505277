package purchase

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind tags the closed set of coordinator failures.
type ErrorKind int

const (
	InvalidIdentifiers ErrorKind = iota + 1
	RestoreFailed
	PurchaseFailed
	PurchaseAlreadyInProgress
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidIdentifiers:
		return "invalid_identifiers"
	case RestoreFailed:
		return "restore_failed"
	case PurchaseFailed:
		return "purchase_failed"
	case PurchaseAlreadyInProgress:
		return "purchase_already_in_progress"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the only error type handed to completions.
// InvalidIdentifiers is set for the InvalidIdentifiers kind only; Err is the
// optional underlying cause.
type Error struct {
	Kind               ErrorKind
	InvalidIdentifiers []string
	Err                error
}

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrInvalidIdentifiers        = &Error{Kind: InvalidIdentifiers}
	ErrRestoreFailed             = &Error{Kind: RestoreFailed}
	ErrPurchaseFailed            = &Error{Kind: PurchaseFailed}
	ErrPurchaseAlreadyInProgress = &Error{Kind: PurchaseAlreadyInProgress}
)

var (
	ErrPurchaseTimeout = errors.New("no terminal transaction state before timeout")
	ErrClosed          = errors.New("coordinator is closed")
)

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case InvalidIdentifiers:
		msg = "purchase: invalid product identifiers"
		if len(e.InvalidIdentifiers) > 0 {
			msg += ": " + strings.Join(e.InvalidIdentifiers, ", ")
		}
	case RestoreFailed:
		msg = "purchase: restore failed"
	case PurchaseFailed:
		msg = "purchase: purchase failed"
	case PurchaseAlreadyInProgress:
		msg = "purchase: a purchase is already in progress"
	default:
		msg = "purchase: " + e.Kind.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func invalidIdentifiersError(ids []string) *Error {
	return &Error{Kind: InvalidIdentifiers, InvalidIdentifiers: append([]string(nil), ids...)}
}

func purchaseFailedError(err error) *Error {
	return &Error{Kind: PurchaseFailed, Err: err}
}

func restoreFailedError(err error) *Error {
	return &Error{Kind: RestoreFailed, Err: err}
}
