package memory

import (
	"encoding/binary"
	"fmt"
)

// PointerMakerForX86_32 returns a PointerMaker for 32-bit x86.
func PointerMakerForX86_32() PointerMaker {
	return PointerMaker{
		byteOrder: binary.LittleEndian,
		ptrSize:   4,
	}
}

// PointerMakerForX86_64 returns a PointerMaker for 64-bit x86.
func PointerMakerForX86_64() PointerMaker {
	return PointerMaker{
		byteOrder: binary.LittleEndian,
		ptrSize:   8,
	}
}

// PointerMaker renders addresses as raw pointer bytes in the target's
// byte order. Patch payloads that embed an address (for example,
// redirecting a pointer slot at a resolved address) are built with it.
type PointerMaker struct {
	byteOrder binary.ByteOrder
	ptrSize   int
}

// FromUint converts an address into pointer bytes.
func (o PointerMaker) FromUint(address uint64) Pointer {
	out := make([]byte, o.ptrSize)

	switch o.ptrSize {
	case 4:
		o.byteOrder.PutUint32(out, uint32(address))
	case 8:
		o.byteOrder.PutUint64(out, address)
	default:
		panic(fmt.Sprintf("unsupported pointer size: %d", o.ptrSize))
	}

	return out
}

// Pointer is an address rendered as raw bytes.
type Pointer []byte

func (o Pointer) Bytes() []byte {
	return o
}

func (o Pointer) HexString() string {
	return fmt.Sprintf("0x%x", []byte(o))
}
