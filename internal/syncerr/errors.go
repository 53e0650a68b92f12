package syncerr

import (
	"errors"
	"fmt"
)

// Error kinds shared by the client sync components.
var (
	// ErrAuth indicates the server rejected the configured credentials.
	ErrAuth = errors.New("sync: authentication rejected")
	// ErrNetwork indicates a transport failure or an unexpected server response.
	ErrNetwork = errors.New("sync: network failure")
	// ErrDecryption indicates a payload could not be authenticated or parsed.
	ErrDecryption = errors.New("sync: decryption failed")
	// ErrValidation indicates a malformed key, user, or change entry.
	ErrValidation = errors.New("sync: validation failed")
	// ErrStorage indicates the local store is unavailable.
	ErrStorage = errors.New("sync: local storage failure")
)

// Error attaches an error kind and the failing operation to an underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// New wraps cause with the provided kind and operation.
func New(kind error, op string, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.Error()
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.Kind != nil {
		unwrapped = append(unwrapped, e.Kind)
	}
	if e.Err != nil {
		unwrapped = append(unwrapped, e.Err)
	}
	return unwrapped
}

// KindOf returns the first known kind found in the error chain, or nil.
func KindOf(err error) error {
	for _, kind := range []error{ErrAuth, ErrNetwork, ErrDecryption, ErrValidation, ErrStorage} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsFatal reports whether the error aborts a whole reconciliation attempt
// instead of only the record that produced it.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	kind := KindOf(err)
	return kind != ErrDecryption && kind != ErrValidation
}
