// Package patch overwrites bytes at a resolved address while
// guaranteeing the original bytes can be written back.
//
// A Patch raises the target pages to read+write+execute, copies the
// existing bytes into a buffer it exclusively owns, writes the
// replacement bytes, and restores the previous protection. Release
// reverses the patch the same way. Release is idempotent, so the
// usual shape is:
//
//	p, err := patch.Apply(mem, addr, replacement)
//	if err != nil {
//		return err
//	}
//	defer p.Release()
//
// which restores the original bytes on every exit path, including
// early returns and propagated failures.
//
// Overlapping patches on the same address range are a caller error:
// the restore order of their releases is undefined.
package patch

import (
	"errors"
	"fmt"

	"gitlab.com/stephen-fox/sigkit/memory"
)

var (
	// ErrNilTarget is returned by Apply when the target address
	// is zero.
	ErrNilTarget = errors.New("patch target address is zero")

	// ErrEmptyPatch is returned by Apply when the replacement byte
	// sequence is empty.
	ErrEmptyPatch = errors.New("patch replacement bytes are empty")
)

// Patch is an applied byte overwrite. It exclusively owns the copy of
// the original bytes captured at apply time.
type Patch struct {
	mem      memory.ReadWriteProtector
	target   uint64
	original []byte
	oldProt  memory.Protection
	released bool
}

// ApplyOrExit calls Apply and invokes DefaultExitFn if an error occurs.
func ApplyOrExit(mem memory.ReadWriteProtector, target uint64, replacement []byte) *Patch {
	p, err := Apply(mem, target, replacement)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to apply %d byte patch at 0x%x - %w",
			len(replacement), target, err))
	}
	return p
}

// Apply overwrites len(replacement) bytes at target, first saving the
// bytes currently there. Any failure leaves the target's bytes
// unmodified: making the target writable fails before the write, and
// a failed protection restore afterwards writes the original bytes
// back before returning.
func Apply(mem memory.ReadWriteProtector, target uint64, replacement []byte) (*Patch, error) {
	if mem == nil {
		return nil, fmt.Errorf("memory capability cannot be nil")
	}

	if target == 0 {
		return nil, ErrNilTarget
	}

	if len(replacement) == 0 {
		return nil, ErrEmptyPatch
	}

	size := uint64(len(replacement))

	oldProt, err := mem.ProtectMem(target, size, memory.ProtRWX)
	if err != nil {
		return nil, fmt.Errorf("failed to make target writable - %w", err)
	}

	original := make([]byte, len(replacement))

	err = mem.ReadMem(target, original)
	if err != nil {
		mem.ProtectMem(target, size, oldProt)
		return nil, fmt.Errorf("failed to save original bytes - %w", err)
	}

	err = mem.WriteMem(target, replacement)
	if err != nil {
		mem.ProtectMem(target, size, oldProt)
		return nil, fmt.Errorf("failed to write replacement bytes - %w", err)
	}

	_, err = mem.ProtectMem(target, size, oldProt)
	if err != nil {
		// The pages are still writable here, so undo the write
		// rather than strand the target in a patched state with
		// no Patch to release.
		undoErr := mem.WriteMem(target, original)
		if undoErr != nil {
			return nil, fmt.Errorf("failed to restore protection - %w (and failed to undo the patch - %v)",
				err, undoErr)
		}

		return nil, fmt.Errorf("undid patch after failing to restore protection - %w", err)
	}

	return &Patch{
		mem:      mem,
		target:   target,
		original: original,
		oldProt:  oldProt,
	}, nil
}

// Target returns the patched address.
func (o *Patch) Target() uint64 {
	return o.target
}

// Size returns the number of patched bytes.
func (o *Patch) Size() int {
	return len(o.original)
}

// Release writes the original bytes back and restores the protection
// that was in place before Apply. Calling Release more than once is
// a no-op after the first successful call.
func (o *Patch) Release() error {
	if o.released {
		return nil
	}

	size := uint64(len(o.original))

	_, err := o.mem.ProtectMem(o.target, size, memory.ProtRWX)
	if err != nil {
		return fmt.Errorf("failed to make target writable - %w", err)
	}

	err = o.mem.WriteMem(o.target, o.original)
	if err != nil {
		o.mem.ProtectMem(o.target, size, o.oldProt)
		return fmt.Errorf("failed to restore original bytes - %w", err)
	}

	_, err = o.mem.ProtectMem(o.target, size, o.oldProt)
	if err != nil {
		return fmt.Errorf("restored, but failed to restore protection - %w", err)
	}

	o.released = true

	return nil
}
