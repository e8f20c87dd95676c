package scan

import (
	"fmt"
)

// Op identifies a post-match operation.
type Op int

const (
	OpNone Op = iota
	OpOffset
	OpFollow
	OpStrCmp
	OpWcsCmp
	OpCmpI8
	OpCmpI16
	OpCmpI32
	OpCmpI64
	OpPushAddr
	OpPopAddr
	OpAdvanceWildcards
)

func (o Op) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpOffset:
		return "offset"
	case OpFollow:
		return "follow"
	case OpStrCmp:
		return "strcmp"
	case OpWcsCmp:
		return "wcscmp"
	case OpCmpI8:
		return "cmpi8"
	case OpCmpI16:
		return "cmpi16"
	case OpCmpI32:
		return "cmpi32"
	case OpCmpI64:
		return "cmpi64"
	case OpPushAddr:
		return "pushaddr"
	case OpPopAddr:
		return "popaddr"
	case OpAdvanceWildcards:
		return "advwildcards"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Instruction is one step of a post-match program. It is a tagged
// variant: the operation kind selects which payload field is live,
// and the constructors below only ever populate that field.
type Instruction struct {
	op  Op
	num int64
	str string
}

func (o Instruction) Op() Op {
	return o.op
}

func (o Instruction) String() string {
	switch o.op {
	case OpOffset, OpCmpI8, OpCmpI16, OpCmpI32, OpCmpI64, OpAdvanceWildcards:
		return fmt.Sprintf("%s(%d)", o.op, o.num)
	case OpStrCmp, OpWcsCmp:
		return fmt.Sprintf("%s(%q)", o.op, o.str)
	default:
		return o.op.String()
	}
}

// Offset adds n bytes to the current address. Negative values move
// backwards. The instruction-relative offset counter used by
// AdvanceWildcards tracks n as well.
func Offset(n int64) Instruction {
	return Instruction{op: OpOffset, num: n}
}

// Follow interprets the current address as a relative displacement
// and follows it.
func Follow() Instruction {
	return Instruction{op: OpFollow}
}

// StrCmp follows a relative displacement at the current address and
// compares the NUL-terminated narrow string found there to s. The
// program fails if they differ.
func StrCmp(s string) Instruction {
	return Instruction{op: OpStrCmp, str: s}
}

// WcsCmp follows a relative displacement at the current address and
// compares the NUL-terminated UTF-16 string found there to s. The
// program fails if they differ.
func WcsCmp(s string) Instruction {
	return Instruction{op: OpWcsCmp, str: s}
}

// CmpI8 compares the signed 8-bit integer at the current address to v.
// The program fails if they differ.
func CmpI8(v int64) Instruction {
	return Instruction{op: OpCmpI8, num: v}
}

// CmpI16 compares the signed 16-bit integer at the current address
// to v. The program fails if they differ.
func CmpI16(v int64) Instruction {
	return Instruction{op: OpCmpI16, num: v}
}

// CmpI32 compares the signed 32-bit integer at the current address
// to v. The program fails if they differ.
func CmpI32(v int64) Instruction {
	return Instruction{op: OpCmpI32, num: v}
}

// CmpI64 compares the signed 64-bit integer at the current address
// to v. The program fails if they differ.
func CmpI64(v int64) Instruction {
	return Instruction{op: OpCmpI64, num: v}
}

// PushAddr stores the current address on the auxiliary address stack.
func PushAddr() Instruction {
	return Instruction{op: OpPushAddr}
}

// PopAddr restores the most recently pushed address and removes it
// from the auxiliary stack. Popping an empty stack is a programming
// error in the supplied program and panics.
func PopAddr() Instruction {
	return Instruction{op: OpPopAddr}
}

// AdvanceWildcards moves the current address past the next sets
// maximal runs of wildcard bytes in the pattern, landing on the first
// byte of the run it stops at. Counts below one are treated as one.
// Advancing past the end of the pattern leaves the address there;
// programs are expected to stay within the pattern.
func AdvanceWildcards(sets int64) Instruction {
	if sets < 1 {
		sets = 1
	}

	return Instruction{op: OpAdvanceWildcards, num: sets}
}
