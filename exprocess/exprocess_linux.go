//go:build linux

package exprocess

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gitlab.com/stephen-fox/sigkit/memory"
	"golang.org/x/sys/unix"
)

// Process represents an attachment to another process on Linux.
//
// Reads prefer process_vm_readv and fall back to /proc/<pid>/mem,
// which covers kernels where cross-memory attach is restricted.
// Writes go through process_vm_writev. Changing page protections
// in another process is not possible without code injection, so
// ProtectMem always fails.
type Process struct {
	pid int
	mem *os.File
}

var _ memory.Process = (*Process)(nil)

// Open attaches to the process identified by pid.
func Open(pid int) (*Process, error) {
	mem, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		// A read-only mem file still allows scanning.
		mem, err = os.Open(fmt.Sprintf("/proc/%d/mem", pid))
		if err != nil {
			return nil, fmt.Errorf("failed to open the process' mem file - %w", err)
		}
	}

	return &Process{
		pid: pid,
		mem: mem,
	}, nil
}

// Pid returns the target process' ID.
func (o *Process) Pid() int {
	return o.pid
}

// Close detaches from the process.
func (o *Process) Close() error {
	return o.mem.Close()
}

// QueryRegion describes the mapping containing addr, or the next
// mapping above it when addr is unmapped. It returns
// memory.ErrNoRegion past the last mapping.
func (o *Process) QueryRegion(addr uint64) (memory.Region, error) {
	regions, err := o.regions()
	if err != nil {
		return memory.Region{}, err
	}

	for _, region := range regions {
		if region.End() > addr {
			return region, nil
		}
	}

	return memory.Region{}, memory.ErrNoRegion
}

// ReadMem copies len(p) bytes starting at addr in the target process
// into p.
func (o *Process) ReadMem(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	local := []unix.Iovec{{Base: &p[0]}}
	local[0].SetLen(len(p))

	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(p)}}

	n, err := unix.ProcessVMReadv(o.pid, local, remote, 0)
	if err == nil && n == len(p) {
		return nil
	}

	n, memErr := o.mem.ReadAt(p, int64(addr))
	if memErr != nil || n != len(p) {
		return fmt.Errorf("failed to read process memory at 0x%x - %w",
			addr, firstErr(err, memErr))
	}

	return nil
}

// WriteMem copies p into the target process starting at addr.
func (o *Process) WriteMem(addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}

	local := []unix.Iovec{{Base: &p[0]}}
	local[0].SetLen(len(p))

	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(p)}}

	n, err := unix.ProcessVMWritev(o.pid, local, remote, 0)
	if err == nil && n == len(p) {
		return nil
	}

	n, memErr := o.mem.WriteAt(p, int64(addr))
	if memErr != nil || n != len(p) {
		return fmt.Errorf("failed to write process memory at 0x%x - %w",
			addr, firstErr(err, memErr))
	}

	return nil
}

// ProtectMem always fails on Linux. mprotect only operates on the
// calling process, so there is no remote equivalent of the Windows
// VirtualProtectEx call.
func (o *Process) ProtectMem(addr uint64, size uint64, prot memory.Protection) (memory.Protection, error) {
	return 0, fmt.Errorf("changing the protection of another process' memory is unsupported on linux")
}

// Modules lists the file-backed mappings of the target process,
// merging adjacent mappings of the same file into one module.
func (o *Process) Modules() ([]Module, error) {
	regions, paths, err := o.mappings()
	if err != nil {
		return nil, err
	}

	return mergeModules(regions, paths), nil
}

func mergeModules(regions []memory.Region, paths []string) []Module {
	byPath := make(map[string]*Module)
	var order []string

	for i, region := range regions {
		path := paths[i]
		if path == "" || strings.HasPrefix(path, "[") {
			continue
		}

		module, known := byPath[path]
		if !known {
			byPath[path] = &Module{
				Name: filepath.Base(path),
				Path: path,
				Base: region.Base,
				Size: region.End() - region.Base,
			}
			order = append(order, path)
			continue
		}

		if region.End() > module.Base+module.Size {
			module.Size = region.End() - module.Base
		}
	}

	modules := make([]Module, 0, len(order))
	for _, path := range order {
		modules = append(modules, *byPath[path])
	}

	return modules
}

func (o *Process) regions() ([]memory.Region, error) {
	regions, _, err := o.mappings()
	return regions, err
}

func (o *Process) mappings() ([]memory.Region, []string, error) {
	maps, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", o.pid))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read the process' maps file - %w", err)
	}

	return parseMaps(maps)
}

// parseMaps parses the contents of a /proc/<pid>/maps file into
// regions and the path column of each line. The two slices are
// index-aligned and sorted by base address.
func parseMaps(maps []byte) ([]memory.Region, []string, error) {
	var regions []memory.Region
	var paths []string

	scanner := bufio.NewScanner(bytes.NewReader(maps))

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, nil, fmt.Errorf("malformed maps line: %q", line)
		}

		start, end, err := parseAddressRange(fields[0])
		if err != nil {
			return nil, nil, fmt.Errorf("malformed maps line: %q - %w", line, err)
		}

		var prot memory.Protection
		perms := fields[1]
		if strings.ContainsRune(perms, 'r') {
			prot |= memory.ProtRead
		}
		if strings.ContainsRune(perms, 'w') {
			prot |= memory.ProtWrite
		}
		if strings.ContainsRune(perms, 'x') {
			prot |= memory.ProtExec
		}

		var path string
		if len(fields) > 5 {
			path = strings.Join(fields[5:], " ")
		}

		regions = append(regions, memory.Region{
			Base:      start,
			Size:      end - start,
			Committed: true,
			Protect:   prot,
		})
		paths = append(paths, path)
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to scan maps data - %w", err)
	}

	if !sort.SliceIsSorted(regions, func(i, j int) bool {
		return regions[i].Base < regions[j].Base
	}) {
		sort.Sort(&mappingSorter{regions: regions, paths: paths})
	}

	return regions, paths, nil
}

func parseAddressRange(field string) (uint64, uint64, error) {
	startStr, endStr, found := strings.Cut(field, "-")
	if !found {
		return 0, 0, fmt.Errorf("missing address range separator")
	}

	start, err := strconv.ParseUint(startStr, 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad start address - %w", err)
	}

	end, err := strconv.ParseUint(endStr, 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad end address - %w", err)
	}

	if end < start {
		return 0, 0, fmt.Errorf("end address precedes start address")
	}

	return start, end, nil
}

type mappingSorter struct {
	regions []memory.Region
	paths   []string
}

func (o *mappingSorter) Len() int {
	return len(o.regions)
}

func (o *mappingSorter) Less(i, j int) bool {
	return o.regions[i].Base < o.regions[j].Base
}

func (o *mappingSorter) Swap(i, j int) {
	o.regions[i], o.regions[j] = o.regions[j], o.regions[i]
	o.paths[i], o.paths[j] = o.paths[j], o.paths[i]
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}
