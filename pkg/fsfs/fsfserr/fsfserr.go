// Package fsfserr defines the structural error kinds the storage engine
// can surface, mirroring the taxonomy reva's pkg/errtypes uses for its
// own CS3-status-coded errors but keyed to this engine's on-disk
// invariants instead.
package fsfserr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the structural error categories the engine
// produces. Callers should switch on Kind (via As) rather than on
// error strings.
type Kind int

const (
	// KindUnknown is the zero value; never returned by the engine
	// itself, only usable as a default in a type switch.
	KindUnknown Kind = iota
	// KindNoSuchRevision means the requested revision is negative or
	// exceeds current.
	KindNoSuchRevision
	// KindTxnOutOfDate means a transaction's base revision predates
	// current at commit time.
	KindTxnOutOfDate
	// KindRepBeingWritten means a second writer tried to write the
	// same proto-revision file concurrently.
	KindRepBeingWritten
	// KindUniqueNamesExhausted means the legacy transaction-id
	// allocator could not find a free r-<i>.txn directory name.
	KindUniqueNamesExhausted
	// KindBadVersionFile means the format file is malformed.
	KindBadVersionFile
	// KindUnsupportedFormat means the format number is blacklisted or
	// outside the supported range.
	KindUnsupportedFormat
	// KindCorrupt means a structural invariant was violated. Never
	// swallowed.
	KindCorrupt
	// KindNoSuchTransaction means the referenced transaction scratch
	// directory is missing.
	KindNoSuchTransaction
	// KindNotFile means a file-only operation was applied to a
	// directory node.
	KindNotFile
	// KindNotDirectory means a directory-only operation was applied to
	// a file node.
	KindNotDirectory
	// KindUnversionedResource means the path does not resolve to any
	// versioned node.
	KindUnversionedResource
	// KindPropBaseValueMismatch means an optimistic revprop change lost
	// its race against a concurrent change.
	KindPropBaseValueMismatch
	// KindUUIDMismatch means a hotcopy precondition on repository UUID
	// failed.
	KindUUIDMismatch
	// KindUnsupportedFeature means a hotcopy or upgrade precondition on
	// a feature gate failed.
	KindUnsupportedFeature
	// KindGeneral is the catch-all for unrecognized structural errors.
	KindGeneral
)

func (k Kind) String() string {
	switch k {
	case KindNoSuchRevision:
		return "no-such-revision"
	case KindTxnOutOfDate:
		return "txn-out-of-date"
	case KindRepBeingWritten:
		return "rep-being-written"
	case KindUniqueNamesExhausted:
		return "io-unique-names-exhausted"
	case KindBadVersionFile:
		return "bad-version-file-format"
	case KindUnsupportedFormat:
		return "unsupported-format"
	case KindCorrupt:
		return "corrupt"
	case KindNoSuchTransaction:
		return "no-such-transaction"
	case KindNotFile:
		return "not-file"
	case KindNotDirectory:
		return "not-directory"
	case KindUnversionedResource:
		return "unversioned-resource"
	case KindPropBaseValueMismatch:
		return "prop-basevalue-mismatch"
	case KindUUIDMismatch:
		return "uuid-mismatch"
	case KindUnsupportedFeature:
		return "unsupported-feature"
	case KindGeneral:
		return "fs-general"
	default:
		return "unknown"
	}
}

// Error is the concrete error type the engine returns. It always
// carries a Kind so callers can branch on category instead of string
// matching, and wraps an underlying cause when one exists.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New creates an Error of the given kind with a formatted message and
// no wrapped cause.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that wraps err, preserving
// err's stack trace via github.com/pkg/errors.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: errors.WithStack(err)}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Unwrap enables errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's structural category.
func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the Kind of the first *Error in err's chain, or
// KindUnknown if there is none. errors.Is cannot match a Kind
// directly, since Kind is not an error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindUnknown
}

// Is reports whether KindOf(err) equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
