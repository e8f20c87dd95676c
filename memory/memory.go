package memory

import (
	"errors"
)

// ErrNoRegion is returned by RegionQuerier implementations when no
// region exists at or beyond the probe address.
var ErrNoRegion = errors.New("no memory region at or beyond address")

// Protection describes page permissions in a platform-neutral way.
// Providers translate their native protection constants to and from
// this type. The zero value means no access.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

const ProtRWX = ProtRead | ProtWrite | ProtExec

func (o Protection) Readable() bool {
	return o&ProtRead != 0
}

func (o Protection) Writable() bool {
	return o&ProtWrite != 0
}

func (o Protection) Executable() bool {
	return o&ProtExec != 0
}

// String renders the protection in ls-style "rwx" notation.
func (o Protection) String() string {
	s := []byte("---")

	if o.Readable() {
		s[0] = 'r'
	}
	if o.Writable() {
		s[1] = 'w'
	}
	if o.Executable() {
		s[2] = 'x'
	}

	return string(s)
}

// Region describes one virtual memory region of the host process.
type Region struct {
	// Base is the region's starting address.
	Base uint64

	// Size is the region's length in bytes.
	Size uint64

	// Committed is true when the region is backed by physical or
	// paging storage, as opposed to merely reserved.
	Committed bool

	// Protect is the region's current page protection.
	Protect Protection
}

// End returns the first address past the region.
func (o Region) End() uint64 {
	return o.Base + o.Size
}

// Contains returns true if addr falls within the region.
func (o Region) Contains(addr uint64) bool {
	return addr >= o.Base && addr < o.End()
}

// Reader reads bytes from an address in the host process.
type Reader interface {
	// ReadMem fills p with the bytes at addr. An error is returned
	// if any part of the range cannot be read.
	ReadMem(addr uint64, p []byte) error
}

// Writer writes bytes to an address in the host process.
type Writer interface {
	// WriteMem copies p to the bytes at addr. An error is returned
	// if any part of the range cannot be written.
	WriteMem(addr uint64, p []byte) error
}

// Protector changes the page protection of an address range in the
// host process.
type Protector interface {
	// ProtectMem applies prot to the pages covering [addr, addr+size)
	// and returns the previous protection. An error means no change
	// was made.
	ProtectMem(addr uint64, size uint64, prot Protection) (Protection, error)
}

// RegionQuerier enumerates the host process' memory regions.
type RegionQuerier interface {
	// QueryRegion returns the region containing addr, or the next
	// region above it if addr is unmapped. ErrNoRegion is returned
	// when no region exists at or beyond addr.
	QueryRegion(addr uint64) (Region, error)
}

// ReadQuerier is the capability set a scan needs.
type ReadQuerier interface {
	Reader
	RegionQuerier
}

// ReadWriteProtector is the capability set a patch needs.
type ReadWriteProtector interface {
	Reader
	Writer
	Protector
}

// Process is the full capability set of a host process.
type Process interface {
	Reader
	Writer
	Protector
	RegionQuerier
}
