package asmkit

import (
	"fmt"

	"gitlab.com/stephen-fox/sigkit/memory"
)

// Unconditional jump encodings recognized by FollowJumpChain.
const (
	shortJmpOpcode    = 0xeb
	nearJmpOpcode     = 0xe9
	indirectJmpOpcode = 0xff
	indirectJmpModRM  = 0x25
)

// FollowJumpChain follows a chain of unconditional jumps starting at
// addr and returns the first address that does not hold a recognized
// jump encoding. Compiler thunks, import stubs, and hot-patch
// trampolines all redirect through such chains; the real code is at
// the end.
//
// Three encodings are recognized:
//
//	EB cb       jmp rel8     target = addr + 2 + disp8
//	E9 cd       jmp rel32    target = addr + 5 + disp32
//	FF 25 cd    jmp [mem]    dereference a pointer slot; the slot
//	                         address is rip-relative on 64-bit targets
//	                         and absolute on 32-bit targets
//
// bits selects the addressing width (32 or 64). The chain is assumed
// to be legitimate compiled code: there is no cycle detection, so a
// malformed, looping chain does not terminate.
func FollowJumpChain(r memory.Reader, addr uint64, bits int) (uint64, error) {
	if bits != 32 && bits != 64 {
		return 0, fmt.Errorf("unsupported bits: %d", bits)
	}

	for {
		opcode, err := memory.ReadI8(r, addr)
		if err != nil {
			return 0, fmt.Errorf("failed to read opcode at 0x%x - %w", addr, err)
		}

		switch uint8(opcode) {
		case shortJmpOpcode:
			displacement, err := memory.ReadI8(r, addr+1)
			if err != nil {
				return 0, fmt.Errorf("failed to read rel8 at 0x%x - %w", addr+1, err)
			}

			addr = uint64(int64(addr) + 2 + int64(displacement))
		case nearJmpOpcode:
			displacement, err := memory.ReadI32(r, addr+1)
			if err != nil {
				return 0, fmt.Errorf("failed to read rel32 at 0x%x - %w", addr+1, err)
			}

			addr = uint64(int64(addr) + 5 + int64(displacement))
		case indirectJmpOpcode:
			modRM, err := memory.ReadI8(r, addr+1)
			if err != nil {
				return 0, fmt.Errorf("failed to read modrm at 0x%x - %w", addr+1, err)
			}

			if uint8(modRM) != indirectJmpModRM {
				return addr, nil
			}

			displacement, err := memory.ReadI32(r, addr+2)
			if err != nil {
				return 0, fmt.Errorf("failed to read disp32 at 0x%x - %w", addr+2, err)
			}

			var slot uint64
			if bits == 64 {
				slot = uint64(int64(addr) + 6 + int64(displacement))
			} else {
				slot = uint64(uint32(displacement))
			}

			addr, err = memory.ReadPointer(r, slot, bits)
			if err != nil {
				return 0, fmt.Errorf("failed to dereference jump slot 0x%x - %w", slot, err)
			}
		default:
			return addr, nil
		}
	}
}
