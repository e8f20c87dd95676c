package memory

import (
	"encoding/binary"
	"fmt"
)

// maxStringReadLen bounds string reads so that a missing terminator in
// untrusted memory cannot turn into an unbounded walk.
const maxStringReadLen = 4096

func ReadI8(r Reader, addr uint64) (int8, error) {
	var buf [1]byte

	err := r.ReadMem(addr, buf[:])
	if err != nil {
		return 0, err
	}

	return int8(buf[0]), nil
}

func ReadI16(r Reader, addr uint64) (int16, error) {
	var buf [2]byte

	err := r.ReadMem(addr, buf[:])
	if err != nil {
		return 0, err
	}

	return int16(binary.LittleEndian.Uint16(buf[:])), nil
}

func ReadI32(r Reader, addr uint64) (int32, error) {
	var buf [4]byte

	err := r.ReadMem(addr, buf[:])
	if err != nil {
		return 0, err
	}

	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

func ReadI64(r Reader, addr uint64) (int64, error) {
	var buf [8]byte

	err := r.ReadMem(addr, buf[:])
	if err != nil {
		return 0, err
	}

	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

// ReadPointer reads a little-endian pointer of the specified width
// (32 or 64 bits) from addr.
func ReadPointer(r Reader, addr uint64, bits int) (uint64, error) {
	switch bits {
	case 32:
		v, err := ReadI32(r, addr)
		if err != nil {
			return 0, err
		}
		return uint64(uint32(v)), nil
	case 64:
		v, err := ReadI64(r, addr)
		if err != nil {
			return 0, err
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("unsupported pointer width: %d bits", bits)
	}
}

// FollowRelative resolves a relative-displacement reference: it reads
// a signed 32-bit value at addr and returns addr + 4 + value. This is
// how x86/x64 code encodes rip-relative operands.
func FollowRelative(r Reader, addr uint64) (uint64, error) {
	displacement, err := ReadI32(r, addr)
	if err != nil {
		return 0, err
	}

	return uint64(int64(addr) + 4 + int64(displacement)), nil
}

// ReadCString reads a NUL-terminated narrow string starting at addr.
// The terminator is not included in the result. Reading stops with an
// error if no terminator is found within maxStringReadLen bytes.
func ReadCString(r Reader, addr uint64) ([]byte, error) {
	var result []byte
	var buf [64]byte

	for len(result) < maxStringReadLen {
		chunk := buf[:]

		err := r.ReadMem(addr+uint64(len(result)), chunk)
		if err != nil {
			// The string may end just before an unreadable page.
			// Retry a byte at a time before giving up.
			chunk = buf[:1]
			err = r.ReadMem(addr+uint64(len(result)), chunk)
			if err != nil {
				return nil, err
			}
		}

		for _, b := range chunk {
			if b == 0 {
				return result, nil
			}
			result = append(result, b)
		}
	}

	return nil, fmt.Errorf("no string terminator within %d bytes of 0x%x",
		maxStringReadLen, addr)
}

// ReadWideString reads a NUL-terminated UTF-16 string starting at addr.
// The terminator is not included in the result.
func ReadWideString(r Reader, addr uint64) ([]uint16, error) {
	var result []uint16
	var buf [2]byte

	for len(result) < maxStringReadLen/2 {
		err := r.ReadMem(addr+uint64(2*len(result)), buf[:])
		if err != nil {
			return nil, err
		}

		u := binary.LittleEndian.Uint16(buf[:])
		if u == 0 {
			return result, nil
		}

		result = append(result, u)
	}

	return nil, fmt.Errorf("no wide string terminator within %d bytes of 0x%x",
		maxStringReadLen, addr)
}
