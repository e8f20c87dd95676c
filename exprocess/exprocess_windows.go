//go:build windows

package exprocess

import (
	"errors"
	"fmt"
	"unsafe"

	"gitlab.com/stephen-fox/sigkit/memory"
	"golang.org/x/sys/windows"
)

// Process represents an open handle to another process on Windows.
type Process struct {
	pid    int
	handle windows.Handle
}

var _ memory.Process = (*Process)(nil)

// Open attaches to the process identified by pid with query, read,
// write, and operation access.
func Open(pid int) (*Process, error) {
	handle, err := windows.OpenProcess(
		windows.PROCESS_QUERY_INFORMATION|
			windows.PROCESS_VM_READ|
			windows.PROCESS_VM_WRITE|
			windows.PROCESS_VM_OPERATION,
		false,
		uint32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to open a process handle - %w", err)
	}

	return &Process{
		pid:    pid,
		handle: handle,
	}, nil
}

// Pid returns the target process' ID.
func (o *Process) Pid() int {
	return o.pid
}

// Close releases the process handle.
func (o *Process) Close() error {
	return windows.CloseHandle(o.handle)
}

// QueryRegion describes the memory region containing addr, or the
// next region above it when addr is unmapped. It returns
// memory.ErrNoRegion past the end of the target's address space.
func (o *Process) QueryRegion(addr uint64) (memory.Region, error) {
	var info windows.MemoryBasicInformation

	err := windows.VirtualQueryEx(
		o.handle,
		uintptr(addr),
		&info,
		unsafe.Sizeof(info))
	if err != nil {
		return memory.Region{}, memory.ErrNoRegion
	}

	return memory.Region{
		Base:      uint64(info.BaseAddress),
		Size:      uint64(info.RegionSize),
		Committed: info.State == windows.MEM_COMMIT,
		Protect:   protectionFromNative(info.Protect),
	}, nil
}

// ReadMem copies len(p) bytes starting at addr in the target process
// into p.
func (o *Process) ReadMem(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	var read uintptr

	err := windows.ReadProcessMemory(
		o.handle,
		uintptr(addr),
		&p[0],
		uintptr(len(p)),
		&read)
	if err != nil {
		return fmt.Errorf("failed to read process memory at 0x%x - %w",
			addr, err)
	}

	if read != uintptr(len(p)) {
		return fmt.Errorf("short read at 0x%x - got %d of %d bytes",
			addr, read, len(p))
	}

	return nil
}

// WriteMem copies p into the target process starting at addr.
func (o *Process) WriteMem(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	var written uintptr

	err := windows.WriteProcessMemory(
		o.handle,
		uintptr(addr),
		&p[0],
		uintptr(len(p)),
		&written)
	if err != nil {
		return fmt.Errorf("failed to write process memory at 0x%x - %w",
			addr, err)
	}

	if written != uintptr(len(p)) {
		return fmt.Errorf("short write at 0x%x - wrote %d of %d bytes",
			addr, written, len(p))
	}

	return nil
}

// ProtectMem changes the protection of the pages spanning
// [addr, addr+size) and returns the previous protection.
func (o *Process) ProtectMem(addr uint64, size uint64, prot memory.Protection) (memory.Protection, error) {
	var oldNative uint32

	err := windows.VirtualProtectEx(
		o.handle,
		uintptr(addr),
		uintptr(size),
		nativeFromProtection(prot),
		&oldNative)
	if err != nil {
		return 0, fmt.Errorf("failed to change protection at 0x%x - %w",
			addr, err)
	}

	return protectionFromNative(oldNative), nil
}

// Modules lists the modules loaded in the target process.
func (o *Process) Modules() ([]Module, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(
		windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32,
		uint32(o.pid))
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot modules - %w", err)
	}
	defer windows.CloseHandle(snapshot)

	var entry windows.ModuleEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	err = windows.Module32First(snapshot, &entry)
	if err != nil {
		return nil, fmt.Errorf("failed to read first module entry - %w", err)
	}

	var modules []Module

	for {
		modules = append(modules, Module{
			Name: windows.UTF16ToString(entry.Module[:]),
			Path: windows.UTF16ToString(entry.ExePath[:]),
			Base: uint64(entry.ModBaseAddr),
			Size: uint64(entry.ModBaseSize),
		})

		err = windows.Module32Next(snapshot, &entry)
		if err != nil {
			if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
				return modules, nil
			}

			return nil, fmt.Errorf("failed to read next module entry - %w", err)
		}
	}
}

func protectionFromNative(native uint32) memory.Protection {
	if native&windows.PAGE_GUARD != 0 {
		return 0
	}

	switch native &^ (windows.PAGE_NOCACHE | windows.PAGE_WRITECOMBINE) {
	case windows.PAGE_READONLY:
		return memory.ProtRead
	case windows.PAGE_READWRITE, windows.PAGE_WRITECOPY:
		return memory.ProtRead | memory.ProtWrite
	case windows.PAGE_EXECUTE:
		return memory.ProtExec
	case windows.PAGE_EXECUTE_READ:
		return memory.ProtRead | memory.ProtExec
	case windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		return memory.ProtRWX
	default:
		return 0
	}
}

func nativeFromProtection(prot memory.Protection) uint32 {
	// Windows has no write-only pages, so writable always
	// implies readable here.
	switch {
	case prot.Writable() && prot.Executable():
		return windows.PAGE_EXECUTE_READWRITE
	case prot.Writable():
		return windows.PAGE_READWRITE
	case prot.Readable() && prot.Executable():
		return windows.PAGE_EXECUTE_READ
	case prot.Executable():
		return windows.PAGE_EXECUTE
	case prot.Readable():
		return windows.PAGE_READONLY
	default:
		return windows.PAGE_NOACCESS
	}
}
