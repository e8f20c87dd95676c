// Package scan locates wildcard byte signatures in the memory of a
// running process and resolves each match to a final address by
// executing a short post-match instruction program.
//
// A Scan pairs a sig.Pattern with a program of Instructions. The
// Scanner walks the process' memory regions in ascending address
// order, skipping regions that are uncommitted, unreadable, or too
// small, and tests the pattern at every byte offset of the remaining
// regions. The program runs anchored at each byte-level match; the
// first program that completes without a failed verification ends the
// scan. A failed program is ordinary control flow, not an error - the
// scanner simply moves to the next candidate offset.
//
// Programs describe navigation relative to a fuzzy anchor ("skip the
// opcode bytes, follow the rip-relative operand, check the string it
// points at") instead of hardcoding absolute offsets that would break
// across builds of the target.
package scan

import (
	"fmt"
	"log"

	"gitlab.com/stephen-fox/sigkit/memory"
	"gitlab.com/stephen-fox/sigkit/sig"
)

// MaxProgramLength is the maximum number of Instructions in a Scan's
// program.
const MaxProgramLength = 16

// readChunkLen is how much of a region is read per capability call.
// Chunks overlap by the pattern length so matches spanning a chunk
// boundary are not lost.
const readChunkLen = 1 << 20

// Scan is a pattern plus the program that resolves a byte-level match
// to a final address. It is immutable once constructed.
type Scan struct {
	pattern sig.Pattern
	program []Instruction
}

// New constructs a Scan from a pattern and a post-match program.
func New(pattern sig.Pattern, program ...Instruction) (Scan, error) {
	if len(program) > MaxProgramLength {
		return Scan{}, fmt.Errorf("program has %d instructions - the maximum is %d",
			len(program), MaxProgramLength)
	}

	programCopy := make([]Instruction, len(program))
	copy(programCopy, program)

	return Scan{
		pattern: pattern,
		program: programCopy,
	}, nil
}

// NewOrExit calls New and invokes DefaultExitFn if an error occurs.
func NewOrExit(pattern sig.Pattern, program ...Instruction) Scan {
	s, err := New(pattern, program...)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create scan for %q - %w",
			pattern.String(), err))
	}
	return s
}

func (o Scan) Pattern() sig.Pattern {
	return o.pattern
}

// ScannerConfig configures a Scanner.
type ScannerConfig struct {
	// Mem supplies the region-query and read capabilities of the
	// host process.
	Mem memory.ReadQuerier

	// ExecutableOnly restricts scanning to executable regions.
	// Readable is always required.
	ExecutableOnly bool

	// OptCache, if non-nil, remembers the first successful match
	// address per distinct pattern. Later scans for an equal pattern
	// resume region enumeration at the remembered address instead of
	// the start of the address space. Purely an optimization: for a
	// stable memory layout it never changes the returned result.
	OptCache *ResultCache
}

// NewScanner returns a Scanner backed by the supplied capabilities.
// A Scanner is safe for concurrent use by multiple goroutines if its
// memory.ReadQuerier is.
func NewScanner(config ScannerConfig) (*Scanner, error) {
	if config.Mem == nil {
		return nil, fmt.Errorf("memory capability cannot be nil")
	}

	return &Scanner{
		mem:            config.Mem,
		executableOnly: config.ExecutableOnly,
		cache:          config.OptCache,
	}, nil
}

// NewScannerOrExit calls NewScanner and invokes DefaultExitFn if an
// error occurs.
func NewScannerOrExit(config ScannerConfig) *Scanner {
	scanner, err := NewScanner(config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create scanner - %w", err))
	}
	return scanner
}

type Scanner struct {
	mem            memory.ReadQuerier
	executableOnly bool
	cache          *ResultCache
	logger         *log.Logger
}

// SetLogger enables debug logging of region walks and match attempts.
func (o *Scanner) SetLogger(logger *log.Logger) {
	o.logger = logger
}

// Find scans the whole address space for s. It returns the program's
// final address and true on the first fully successful match, or zero
// and false if no region and no offset yields one. A region-query
// failure ends the scan early with a zero result.
func (o *Scanner) Find(s Scan) (uint64, bool) {
	if s.pattern.Size == 0 {
		return 0, false
	}

	start := uint64(0)
	if o.cache != nil {
		if cached, hasIt := o.cache.Lookup(s.pattern); hasIt {
			start = cached
		}
	}

	final, matchAddr, found := o.findFrom(s, start, 0, 0)
	if found && o.cache != nil {
		o.cache.Store(s.pattern, matchAddr)
	}

	return final, found
}

// FindOrExit calls Find and invokes DefaultExitFn if no match is found.
func (o *Scanner) FindOrExit(s Scan) uint64 {
	addr, found := o.Find(s)
	if !found {
		DefaultExitFn(fmt.Errorf("no match for signature %q", s.pattern.String()))
	}
	return addr
}

// FindIn is the module-scoped variant of Find: region enumeration
// starts at base and stops as soon as the probe address leaves
// [base, base+size).
func (o *Scanner) FindIn(s Scan, base uint64, size uint64) (uint64, bool) {
	if s.pattern.Size == 0 || size == 0 {
		return 0, false
	}

	final, _, found := o.findFrom(s, base, base, size)

	return final, found
}

func (o *Scanner) findFrom(s Scan, start uint64, limitBase uint64, limitSize uint64) (final uint64, matchAddr uint64, found bool) {
	probe := start

	for {
		region, err := o.mem.QueryRegion(probe)
		if err != nil {
			if o.logger != nil {
				o.logger.Printf("region query at 0x%x ended the scan - %v", probe, err)
			}
			return 0, 0, false
		}

		probe = region.End()

		if limitSize != 0 && region.Base >= limitBase+limitSize {
			return 0, 0, false
		}

		if uint64(s.pattern.Size) > region.Size {
			continue
		}

		if !region.Committed {
			continue
		}

		if !region.Protect.Readable() {
			continue
		}

		if o.executableOnly && !region.Protect.Executable() {
			continue
		}

		if o.logger != nil {
			o.logger.Printf("scanning region 0x%x-0x%x (%s)",
				region.Base, region.End(), region.Protect)
		}

		final, matchAddr, found = o.scanRegion(s, region)
		if found {
			return final, matchAddr, true
		}
	}
}

// scanRegion tests every valid starting offset of region for a
// byte-level pattern match, running the post-match program on each.
// The region is read in overlapping chunks; unreadable chunks are
// skipped.
func (o *Scanner) scanRegion(s Scan, region memory.Region) (uint64, uint64, bool) {
	patternLen := uint64(s.pattern.Size)
	buf := make([]byte, 0, readChunkLen+patternLen-1)

	for chunkStart := uint64(0); chunkStart+patternLen <= region.Size; chunkStart += readChunkLen {
		bufLen := region.Size - chunkStart
		if bufLen > readChunkLen+patternLen-1 {
			bufLen = readChunkLen + patternLen - 1
		}

		buf = buf[:bufLen]

		err := o.mem.ReadMem(region.Base+chunkStart, buf)
		if err != nil {
			if o.logger != nil {
				o.logger.Printf("skipping unreadable chunk at 0x%x - %v",
					region.Base+chunkStart, err)
			}
			continue
		}

		for i := 0; uint64(i)+patternLen <= uint64(len(buf)); i++ {
			if !s.pattern.Matches(buf, i) {
				continue
			}

			matchOffset := chunkStart + uint64(i)

			final, ok := o.exec(s, region.Base, matchOffset)
			if ok {
				return final, region.Base + matchOffset, true
			}

			// A failed program only disqualifies this offset.
		}
	}

	return 0, 0, false
}

// Fallback composes multiple Scans, trying each in order until one
// yields an address. Scans after the first success are not evaluated.
type Fallback struct {
	scans []Scan
}

func NewFallback(scans ...Scan) Fallback {
	scansCopy := make([]Scan, len(scans))
	copy(scansCopy, scans)

	return Fallback{
		scans: scansCopy,
	}
}

// Find runs the composed scans in order against scanner and returns
// the first successful result.
func (o Fallback) Find(scanner *Scanner) (uint64, bool) {
	for _, s := range o.scans {
		addr, found := scanner.Find(s)
		if found {
			return addr, true
		}
	}

	return 0, false
}

// FindOrExit calls Find and invokes DefaultExitFn if no scan matched.
func (o Fallback) FindOrExit(scanner *Scanner) uint64 {
	addr, found := o.Find(scanner)
	if !found {
		DefaultExitFn(fmt.Errorf("no fallback scan matched (%d scans)", len(o.scans)))
	}
	return addr
}
