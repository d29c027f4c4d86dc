// Package skel implements the small parenthesized tagged-record format
// spec.md §4.4 requires node-revisions to be serialized as: "each
// implementation must agree on the byte-level encoding". There is no
// third-party library for this in the example corpus (it is a bespoke
// nested-record wire format, not a general serialization scheme like
// JSON or protobuf), so it is hand-rolled on the standard library; see
// DESIGN.md for the justification.
//
// An Atom is either a byte string (Bytes) or an ordered list of atoms
// (List). Byte strings are length-prefixed so they may contain any
// byte value, including '(' ')' and whitespace. On the wire:
//
//	atom  := bytes | list
//	bytes := decimal-length ":" raw-bytes
//	list  := "(" atom (" " atom)* ")"
package skel

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// Atom is either Bytes or List.
type Atom interface {
	isAtom()
}

// Bytes is a leaf atom: an opaque byte string.
type Bytes []byte

func (Bytes) isAtom() {}

// List is an ordered sequence of child atoms.
type List []Atom

func (List) isAtom() {}

// Str is a convenience constructor for a Bytes atom from a string.
func Str(s string) Bytes { return Bytes(s) }

// Encode renders atom in skel wire format.
func Encode(atom Atom) []byte {
	var buf bytes.Buffer
	encode(&buf, atom)
	return buf.Bytes()
}

func encode(buf *bytes.Buffer, atom Atom) {
	switch a := atom.(type) {
	case Bytes:
		fmt.Fprintf(buf, "%d:", len(a))
		buf.Write(a)
	case List:
		buf.WriteByte('(')
		for i, child := range a {
			if i > 0 {
				buf.WriteByte(' ')
			}
			encode(buf, child)
		}
		buf.WriteByte(')')
	default:
		panic("skel: unknown atom type")
	}
}

// Decode parses the skel wire format from b, returning the decoded
// atom and any trailing unparsed bytes. It returns a plain error (not
// a *fsfserr.Error) when the input is malformed.
func Decode(b []byte) (Atom, []byte, error) {
	return decode(b)
}

func decode(b []byte) (Atom, []byte, error) {
	if len(b) == 0 {
		return nil, nil, io.ErrUnexpectedEOF
	}
	switch b[0] {
	case '(':
		rest := b[1:]
		var items List
		for {
			rest = skipSpace(rest)
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("skel: unterminated list")
			}
			if rest[0] == ')' {
				return items, rest[1:], nil
			}
			var a Atom
			var err error
			a, rest, err = decode(rest)
			if err != nil {
				return nil, nil, err
			}
			items = append(items, a)
		}
	default:
		// bytes atom: "<len>:<raw>"
		i := 0
		for i < len(b) && b[i] >= '0' && b[i] <= '9' {
			i++
		}
		if i == 0 || i >= len(b) || b[i] != ':' {
			return nil, nil, fmt.Errorf("skel: malformed length prefix")
		}
		n, err := strconv.Atoi(string(b[:i]))
		if err != nil {
			return nil, nil, fmt.Errorf("skel: bad length: %w", err)
		}
		start := i + 1
		end := start + n
		if end > len(b) {
			return nil, nil, io.ErrUnexpectedEOF
		}
		return Bytes(b[start:end]), b[end:], nil
	}
}

func skipSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\n' || b[i] == '\t') {
		i++
	}
	return b[i:]
}

// AsList type-asserts atom to List, returning ok=false if it is not a
// list.
func AsList(atom Atom) (List, bool) {
	l, ok := atom.(List)
	return l, ok
}

// AsBytes type-asserts atom to Bytes, returning ok=false if it is not
// a byte string.
func AsBytes(atom Atom) (Bytes, bool) {
	bs, ok := atom.(Bytes)
	return bs, ok
}
