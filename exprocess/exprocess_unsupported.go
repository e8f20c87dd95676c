//go:build !windows && !linux

package exprocess

import (
	"fmt"
	"runtime"

	"gitlab.com/stephen-fox/sigkit/memory"
)

// Process represents an attachment to another process. It is not
// supported on this platform.
type Process struct{}

var _ memory.Process = (*Process)(nil)

// Open always fails on this platform.
func Open(pid int) (*Process, error) {
	return nil, fmt.Errorf("attaching to another process is unsupported on %s",
		runtime.GOOS)
}

// Pid returns the target process' ID.
func (o *Process) Pid() int {
	return 0
}

// Close detaches from the process.
func (o *Process) Close() error {
	return nil
}

func (o *Process) QueryRegion(addr uint64) (memory.Region, error) {
	return memory.Region{}, errUnsupported()
}

func (o *Process) ReadMem(addr uint64, p []byte) error {
	return errUnsupported()
}

func (o *Process) WriteMem(addr uint64, p []byte) error {
	return errUnsupported()
}

func (o *Process) ProtectMem(addr uint64, size uint64, prot memory.Protection) (memory.Protection, error) {
	return 0, errUnsupported()
}

func (o *Process) Modules() ([]Module, error) {
	return nil, errUnsupported()
}

func errUnsupported() error {
	return fmt.Errorf("process memory access is unsupported on %s",
		runtime.GOOS)
}
