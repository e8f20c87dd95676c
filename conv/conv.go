// Package conv converts hexadecimal dumps of binary data into bytes.
//
// The parser accepts the formats people actually paste into a
// terminal: bare hex pairs ("9090c3"), space or comma separated
// pairs ("0x90, 0x90, 0xc3"), and C array bodies complete with
// "//" and "/* */" comments. Anything that is not a hex digit or
// the start of a comment is skipped.
package conv

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// HexToBytes decodes all hex pairs readable from source,
// skipping separators and C comments.
//
// It returns an error if a comment is left unterminated or if the
// input ends in the middle of a hex pair.
func HexToBytes(source io.Reader) ([]byte, error) {
	src := bufio.NewReader(source)
	buf := bytes.NewBuffer(nil)

	var pending byte
	havePending := false

	for {
		b, err := src.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read next byte - %w", err)
		}

		if b == '/' {
			err = skipComment(src)
			if err != nil {
				return nil, err
			}

			continue
		}

		if b == '0' && !havePending {
			next, err := src.Peek(1)
			if err == nil && (next[0] == 'x' || next[0] == 'X') {
				src.Discard(1)
				continue
			}
		}

		nibble, ok := hexNibble(b)
		if !ok {
			continue
		}

		if havePending {
			buf.WriteByte(pending<<4 | nibble)
			havePending = false
		} else {
			pending = nibble
			havePending = true
		}
	}

	if havePending {
		return nil, errors.New("input ends in the middle of a hex pair")
	}

	return buf.Bytes(), nil
}

// HexStringToBytes is a convenience wrapper around HexToBytes
// for string input.
func HexStringToBytes(s string) ([]byte, error) {
	return HexToBytes(strings.NewReader(s))
}

// skipComment consumes the remainder of a C comment. The leading '/'
// has already been read from src.
func skipComment(src *bufio.Reader) error {
	second, err := src.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to read second comment char - %w", err)
	}

	switch second {
	case '/':
		_, err = src.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to find end of line comment - %w", err)
		}

		return nil
	case '*':
		for {
			_, err = src.ReadBytes('*')
			if err != nil {
				return fmt.Errorf("failed to find end of block comment - %w", err)
			}

			next, err := src.ReadByte()
			if err != nil {
				return fmt.Errorf("failed to find end of block comment - %w", err)
			}

			if next == '/' {
				return nil
			}

			err = src.UnreadByte()
			if err != nil {
				return fmt.Errorf("failed to unread byte - %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown second comment char '%c'", second)
	}
}

func hexNibble(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	default:
		return 0, false
	}
}
