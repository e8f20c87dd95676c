// Package sig compiles textual byte signatures into patterns that can
// be matched against raw memory.
//
// A signature is a space-separated sequence of hexadecimal byte tokens
// and wildcard tokens. '?' and '??' both stand for a single wildcard
// byte. Angle brackets around bytes are accepted and ignored, which
// allows signatures that mark their significant bytes to be used as-is:
//
//	"48 8B 05 <?? ?? ?? ??> 48 8B D9"
package sig

import (
	"errors"
	"fmt"
	"strings"
)

// MaxLength is the maximum number of bytes in a Pattern. Parsing stops
// without error once this many bytes have been emitted.
const MaxLength = 128

// ErrInvalidPattern is returned by Parse when a signature contains a
// character that is neither whitespace, a wildcard marker, nor a hex
// digit.
var ErrInvalidPattern = errors.New("invalid character in pattern")

// Byte is a single pattern element. A wildcard Byte matches any value.
type Byte struct {
	Wildcard bool
	Value    uint8
}

// Pattern is a fixed-capacity byte signature. It is a comparable value
// type: two Patterns are equal iff their logical contents are equal,
// which makes Pattern usable as a map key.
type Pattern struct {
	Bytes [MaxLength]Byte
	Size  int
}

// ParseOrExit calls Parse and invokes DefaultExitFn if an error occurs.
func ParseOrExit(signature string) Pattern {
	p, err := Parse(signature)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to parse signature %q - %w", signature, err))
	}
	return p
}

// Parse compiles a signature string into a Pattern.
//
// Tokens are consumed left to right. A lone trailing hex digit is
// treated as the low nibble of a byte. Both hex cases are accepted.
func Parse(signature string) (Pattern, error) {
	var p Pattern

	for i := 0; i < len(signature); i++ {
		if p.Size >= MaxLength {
			break
		}

		c := signature[i]

		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			continue
		case c == '<' || c == '>':
			continue
		case c == '?':
			p.Bytes[p.Size] = Byte{Wildcard: true}
			p.Size++

			// '??' is a single wildcard byte.
			if i+1 < len(signature) && signature[i+1] == '?' {
				i++
			}
		default:
			hi, ok := hexDigit(c)
			if !ok {
				return Pattern{}, fmt.Errorf("%w: %q at index %d",
					ErrInvalidPattern, c, i)
			}

			value := hi

			if i+1 < len(signature) {
				if lo, ok := hexDigit(signature[i+1]); ok {
					value = hi<<4 | lo
					i++
				}
			}

			p.Bytes[p.Size] = Byte{Value: value}
			p.Size++
		}
	}

	return p, nil
}

func hexDigit(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}

// Matches returns true if the pattern matches buf at the specified
// offset. Every non-wildcard element must equal the corresponding
// buffer byte; wildcard elements always match. Offsets that would
// read past the end of buf never match.
func (o Pattern) Matches(buf []byte, offset int) bool {
	if offset < 0 || offset+o.Size > len(buf) {
		return false
	}

	for i := 0; i < o.Size; i++ {
		b := o.Bytes[i]
		if !b.Wildcard && b.Value != buf[offset+i] {
			return false
		}
	}

	return true
}

// String renders the pattern in signature syntax.
func (o Pattern) String() string {
	var sb strings.Builder

	for i := 0; i < o.Size; i++ {
		if i > 0 {
			sb.WriteByte(' ')
		}

		if o.Bytes[i].Wildcard {
			sb.WriteString("??")
		} else {
			fmt.Fprintf(&sb, "%02X", o.Bytes[i].Value)
		}
	}

	return sb.String()
}
