// Package exprocess provides access to the address spaces of other
// running processes. Open attaches to a process by ID and returns a
// Process that satisfies the memory capability interfaces, making it
// usable with the scan and patch packages.
//
// Reading, writing, and region queries are supported on Windows and
// Linux. Changing page protections remotely is Windows-only.
package exprocess

import (
	"fmt"
	"strings"
)

// Module describes a loaded module (an executable image or shared
// library) in a target process.
type Module struct {
	// Name is the module's base name, such as "example.exe" or
	// "libc.so.6".
	Name string

	// Path is the filesystem path the module was loaded from.
	// It may be empty when the path is unavailable.
	Path string

	// Base is the module's load address.
	Base uint64

	// Size is the size of the module's mapping in bytes.
	Size uint64
}

// OpenOrExit calls Open, subsequently calling DefaultExitFn
// if an error occurs.
func OpenOrExit(pid int) *Process {
	proc, err := Open(pid)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to open process %d - %w", pid, err))
	}

	return proc
}

// FindModule looks up a module in the target process by its base name.
// The comparison is case-insensitive.
func (o *Process) FindModule(name string) (Module, error) {
	modules, err := o.Modules()
	if err != nil {
		return Module{}, fmt.Errorf("failed to list modules - %w", err)
	}

	for _, module := range modules {
		if strings.EqualFold(module.Name, name) {
			return module, nil
		}
	}

	return Module{}, fmt.Errorf("no module named %q in process %d", name, o.Pid())
}
