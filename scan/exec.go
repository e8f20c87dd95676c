package scan

import (
	"unicode/utf16"

	"gitlab.com/stephen-fox/sigkit/memory"
	"gitlab.com/stephen-fox/sigkit/sig"
)

// exec runs a post-match program anchored at regionBase + matchOffset.
// It returns the final address and true, or false if any instruction's
// verification failed. Failure includes an unreadable dereference:
// the scanned memory is untrusted, so a read error just means this
// candidate offset is not the real match.
func (o *Scanner) exec(s Scan, regionBase uint64, matchOffset uint64) (uint64, bool) {
	current := regionBase + matchOffset

	var addrStack []uint64

	// Byte position within the pattern, relative to the original
	// match. Only AdvanceWildcards consumes it; Offset keeps it
	// in sync.
	var offsetFromMatch int64

	for _, inst := range s.program {
		switch inst.op {
		case OpOffset:
			offsetFromMatch += inst.num
			current = uint64(int64(current) + inst.num)
		case OpFollow:
			next, err := memory.FollowRelative(o.mem, current)
			if err != nil {
				return 0, false
			}

			current = next
		case OpStrCmp:
			target, err := memory.FollowRelative(o.mem, current)
			if err != nil {
				return 0, false
			}

			str, err := memory.ReadCString(o.mem, target)
			if err != nil {
				return 0, false
			}

			if string(str) != inst.str {
				return 0, false
			}
		case OpWcsCmp:
			target, err := memory.FollowRelative(o.mem, current)
			if err != nil {
				return 0, false
			}

			str, err := memory.ReadWideString(o.mem, target)
			if err != nil {
				return 0, false
			}

			if !utf16Equal(str, inst.str) {
				return 0, false
			}
		case OpCmpI8:
			v, err := memory.ReadI8(o.mem, current)
			if err != nil || v != int8(inst.num) {
				return 0, false
			}
		case OpCmpI16:
			v, err := memory.ReadI16(o.mem, current)
			if err != nil || v != int16(inst.num) {
				return 0, false
			}
		case OpCmpI32:
			v, err := memory.ReadI32(o.mem, current)
			if err != nil || v != int32(inst.num) {
				return 0, false
			}
		case OpCmpI64:
			v, err := memory.ReadI64(o.mem, current)
			if err != nil || v != inst.num {
				return 0, false
			}
		case OpPushAddr:
			addrStack = append(addrStack, current)
		case OpPopAddr:
			if len(addrStack) == 0 {
				panic("scan: popaddr executed with an empty address stack")
			}

			current = addrStack[len(addrStack)-1]
			addrStack = addrStack[:len(addrStack)-1]
		case OpAdvanceWildcards:
			offsetFromMatch = advanceWildcardSets(s.pattern, offsetFromMatch, inst.num)
			current = regionBase + matchOffset + uint64(offsetFromMatch)
		}
	}

	return current, true
}

// advanceWildcardSets moves offset forward past the next sets maximal
// runs of wildcard bytes in pattern. One set ends at the first byte of
// the next wildcard run; if offset starts inside a run, that run is
// skipped first. The returned offset always stays within [0, Size].
func advanceWildcardSets(pattern sig.Pattern, offset int64, sets int64) int64 {
	if offset < 0 {
		return offset
	}

	for n := int64(0); n < sets; n++ {
		if offset >= int64(pattern.Size) {
			break
		}

		wasAtWildcard := pattern.Bytes[offset].Wildcard

		for offset < int64(pattern.Size) {
			atWildcard := pattern.Bytes[offset].Wildcard

			if !wasAtWildcard && atWildcard {
				// Landed on the first byte of the next run.
				break
			}

			if !atWildcard {
				wasAtWildcard = false
			}

			offset++
		}
	}

	return offset
}

func utf16Equal(got []uint16, want string) bool {
	exp := utf16.Encode([]rune(want))

	if len(got) != len(exp) {
		return false
	}

	for i := range exp {
		if got[i] != exp[i] {
			return false
		}
	}

	return true
}
