package bencode

import "fmt"

// Kind identifies the category of a decode error.
type Kind int

const (
	// EmptyInput is returned when decoding an empty byte slice.
	EmptyInput Kind = iota
	// UnexpectedByte is returned when a value's leading byte does not
	// dispatch to any known value type.
	UnexpectedByte
	// BadInteger is returned for a malformed integer: no digits,
	// non-digit bytes, a "-0" literal, a bare "-", or overflow of the
	// signed 64-bit range.
	BadInteger
	// BadLength is returned for a malformed byte-string length prefix:
	// an empty prefix or a non-digit byte.
	BadLength
	// Truncated is returned when the input ends before a value is
	// fully read (an integer missing its 'e', a length prefix missing
	// its ':', a short byte-string, a list or dict missing its closing
	// 'e').
	Truncated
	// BadDictionaryKey is returned when a dictionary key is not a
	// byte-string.
	BadDictionaryKey
)

func (k Kind) String() string {
	switch k {
	case EmptyInput:
		return "empty input"
	case UnexpectedByte:
		return "unexpected byte"
	case BadInteger:
		return "bad integer"
	case BadLength:
		return "bad length"
	case Truncated:
		return "truncated"
	case BadDictionaryKey:
		return "bad dictionary key"
	default:
		return "unknown"
	}
}

// Error is a decode error with the byte offset at which it occurred.
type Error struct {
	Kind   Kind
	Offset int
	Msg    string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("bencode: %s at offset %d: %s", e.Kind, e.Offset, e.Msg)
	}
	return fmt.Sprintf("bencode: %s at offset %d", e.Kind, e.Offset)
}

func newError(kind Kind, offset int, msg string) *Error {
	return &Error{Kind: kind, Offset: offset, Msg: msg}
}
