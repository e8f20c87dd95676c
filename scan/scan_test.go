package scan

import (
	"encoding/binary"
	"sync"
	"testing"

	"gitlab.com/stephen-fox/sigkit/memory"
	"gitlab.com/stephen-fox/sigkit/sig"
)

const (
	dataLowBase  = 0x200000
	noAccessBase = 0x210000
	reservedBase = 0x300000
	codeBase     = 0x400000
	dataHighBase = 0x500000
)

// newTestAddressSpace builds a small fake process:
//
//	0x200000 rw- data, contains DE AD BE EF at +0x10
//	0x210000 --- no access, contains DE AD BE EF at +0x10
//	0x300000 reserved
//	0x400000 r-x code, pattern anchors with rip-relative operands
//	0x500000 rw- data, integers and strings the code references
func newTestAddressSpace(t *testing.T) *memory.BufferRegions {
	t.Helper()

	mem := memory.NewBufferRegions()

	dataLow := make([]byte, 0x1000)
	copy(dataLow[0x10:], []byte{0xde, 0xad, 0xbe, 0xef})

	noAccess := make([]byte, 0x1000)
	copy(noAccess[0x10:], []byte{0xde, 0xad, 0xbe, 0xef})
	copy(noAccess[0x20:], []byte{0xca, 0xfe, 0xba, 0xbe})

	code := make([]byte, 0x1000)

	// +0x20: plain data pattern, executable copy.
	copy(code[0x20:], []byte{0xde, 0xad, 0xbe, 0xef})

	// +0x100: mov rax, [rip+disp] ; mov rbx, rcx - operand points
	// at the integer block.
	copy(code[0x100:], []byte{0x48, 0x8b, 0x05, 0, 0, 0, 0, 0x48, 0x8b, 0xd9})
	putRel32(code, 0x103, codeBase, dataHighBase+0x100)

	// +0x200: lea rdx, [rip+disp] - operand points at the narrow
	// string.
	copy(code[0x200:], []byte{0x48, 0x8d, 0x15, 0, 0, 0, 0})
	putRel32(code, 0x203, codeBase, dataHighBase+0x200)

	// +0x300, +0x310: two candidates for the same signature,
	// distinguished by the byte after them.
	copy(code[0x300:], []byte{0xaa, 0xbb, 0x01})
	copy(code[0x310:], []byte{0xaa, 0xbb, 0x02})

	// +0x400: anchor with an interior wildcard run.
	copy(code[0x400:], []byte{0xd0, 0x0d, 0x11, 0x22, 0xfe})

	// +0x500: lea r9, [rip+disp] - operand points at the wide
	// string.
	copy(code[0x500:], []byte{0x4c, 0x8d, 0x0d, 0, 0, 0, 0})
	putRel32(code, 0x503, codeBase, dataHighBase+0x300)

	dataHigh := make([]byte, 0x1000)
	binary.LittleEndian.PutUint64(dataHigh[0x100:], 0x0102030405060708)
	copy(dataHigh[0x200:], "speedhack\x00")
	putWideString(dataHigh[0x300:], "spy")

	for _, region := range []struct {
		base uint64
		prot memory.Protection
		data []byte
	}{
		{dataLowBase, memory.ProtRead | memory.ProtWrite, dataLow},
		{noAccessBase, 0, noAccess},
		{codeBase, memory.ProtRead | memory.ProtExec, code},
		{dataHighBase, memory.ProtRead | memory.ProtWrite, dataHigh},
	} {
		err := mem.MapRegion(region.base, region.prot, region.data)
		if err != nil {
			t.Fatal(err)
		}
	}

	err := mem.ReserveRegion(reservedBase, 0x1000)
	if err != nil {
		t.Fatal(err)
	}

	return mem
}

// putRel32 writes a 32-bit displacement at bufOffset such that
// (base+bufOffset) + 4 + displacement == target.
func putRel32(buf []byte, bufOffset int, base uint64, target uint64) {
	displacement := int64(target) - (int64(base) + int64(bufOffset) + 4)
	binary.LittleEndian.PutUint32(buf[bufOffset:], uint32(int32(displacement)))
}

func putWideString(buf []byte, s string) {
	for i, r := range s {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(r))
	}
}

func newTestScanner(t *testing.T, config ScannerConfig, mem *memory.BufferRegions) *Scanner {
	t.Helper()

	config.Mem = mem

	scanner, err := NewScanner(config)
	if err != nil {
		t.Fatal(err)
	}

	return scanner
}

func TestScannerFindFollow(t *testing.T) {
	mem := newTestAddressSpace(t)
	scanner := newTestScanner(t, ScannerConfig{}, mem)

	s, err := New(sig.ParseOrExit("48 8B 05 ?? ?? ?? ?? 48 8B D9"),
		Offset(3),
		Follow())
	if err != nil {
		t.Fatal(err)
	}

	addr, found := scanner.Find(s)
	if !found {
		t.Fatalf("expected a match")
	}

	exp := uint64(dataHighBase + 0x100)
	if addr != exp {
		t.Fatalf("expected 0x%x - got 0x%x", exp, addr)
	}
}

func TestScannerFindsMatchSpanningChunkBoundary(t *testing.T) {
	// A region larger than one read chunk, with the only match
	// straddling the first chunk boundary. The match begins in the
	// first chunk's overlap tail and ends in the second chunk.
	data := make([]byte, readChunkLen+0x1000)
	copy(data[readChunkLen-2:], []byte{0xfa, 0xce, 0xd0, 0x0d})

	mem := memory.NewBufferRegions()

	err := mem.MapRegion(0x700000, memory.ProtRead|memory.ProtWrite, data)
	if err != nil {
		t.Fatal(err)
	}

	scanner := newTestScanner(t, ScannerConfig{}, mem)

	s, err := New(sig.ParseOrExit("FA CE D0 0D"))
	if err != nil {
		t.Fatal(err)
	}

	addr, found := scanner.Find(s)
	if !found {
		t.Fatalf("expected a match")
	}

	exp := uint64(0x700000 + readChunkLen - 2)
	if addr != exp {
		t.Fatalf("expected 0x%x - got 0x%x", exp, addr)
	}
}

func TestScannerFindNoMatch(t *testing.T) {
	mem := newTestAddressSpace(t)
	scanner := newTestScanner(t, ScannerConfig{}, mem)

	s, err := New(sig.ParseOrExit("13 37 13 37 13 37"))
	if err != nil {
		t.Fatal(err)
	}

	addr, found := scanner.Find(s)
	if found {
		t.Fatalf("expected no match - got 0x%x", addr)
	}
}

func TestScannerEmptyPattern(t *testing.T) {
	mem := newTestAddressSpace(t)
	scanner := newTestScanner(t, ScannerConfig{}, mem)

	s, err := New(sig.Pattern{})
	if err != nil {
		t.Fatal(err)
	}

	_, found := scanner.Find(s)
	if found {
		t.Fatalf("expected empty pattern to never match")
	}
}

func TestScannerSkipsUnreadableRegions(t *testing.T) {
	mem := newTestAddressSpace(t)
	scanner := newTestScanner(t, ScannerConfig{}, mem)

	// This signature only exists in the no-access region.
	s, err := New(sig.ParseOrExit("CA FE BA BE"))
	if err != nil {
		t.Fatal(err)
	}

	addr, found := scanner.Find(s)
	if found {
		t.Fatalf("expected unreadable region to be skipped - got 0x%x", addr)
	}
}

func TestScannerExecutableOnly(t *testing.T) {
	mem := newTestAddressSpace(t)
	scanner := newTestScanner(t, ScannerConfig{ExecutableOnly: true}, mem)

	s, err := New(sig.ParseOrExit("DE AD BE EF"))
	if err != nil {
		t.Fatal(err)
	}

	addr, found := scanner.Find(s)
	if !found {
		t.Fatalf("expected a match")
	}

	exp := uint64(codeBase + 0x20)
	if addr != exp {
		t.Fatalf("expected executable-only scan to land at 0x%x - got 0x%x",
			exp, addr)
	}
}

func TestScannerFailureResumesAtNextOffset(t *testing.T) {
	mem := newTestAddressSpace(t)
	scanner := newTestScanner(t, ScannerConfig{}, mem)

	// Both candidates match the signature; the first fails the
	// integer check and only disqualifies itself.
	s, err := New(sig.ParseOrExit("AA BB ??"),
		Offset(2),
		CmpI8(2))
	if err != nil {
		t.Fatal(err)
	}

	addr, found := scanner.Find(s)
	if !found {
		t.Fatalf("expected the second candidate to match")
	}

	exp := uint64(codeBase + 0x312)
	if addr != exp {
		t.Fatalf("expected 0x%x - got 0x%x", exp, addr)
	}
}

func TestScannerStrCmp(t *testing.T) {
	mem := newTestAddressSpace(t)
	scanner := newTestScanner(t, ScannerConfig{}, mem)

	s, err := New(sig.ParseOrExit("48 8D 15 ?? ?? ?? ??"),
		Offset(3),
		StrCmp("speedhack"),
		Follow())
	if err != nil {
		t.Fatal(err)
	}

	addr, found := scanner.Find(s)
	if !found {
		t.Fatalf("expected a match")
	}

	exp := uint64(dataHighBase + 0x200)
	if addr != exp {
		t.Fatalf("expected 0x%x - got 0x%x", exp, addr)
	}

	wrong, err := New(sig.ParseOrExit("48 8D 15 ?? ?? ?? ??"),
		Offset(3),
		StrCmp("wallhack"))
	if err != nil {
		t.Fatal(err)
	}

	_, found = scanner.Find(wrong)
	if found {
		t.Fatalf("expected string mismatch to fail the scan")
	}
}

func TestScannerWcsCmp(t *testing.T) {
	mem := newTestAddressSpace(t)
	scanner := newTestScanner(t, ScannerConfig{}, mem)

	s, err := New(sig.ParseOrExit("4C 8D 0D ?? ?? ?? ??"),
		Offset(3),
		WcsCmp("spy"))
	if err != nil {
		t.Fatal(err)
	}

	addr, found := scanner.Find(s)
	if !found {
		t.Fatalf("expected a match")
	}

	exp := uint64(codeBase + 0x503)
	if addr != exp {
		t.Fatalf("expected 0x%x - got 0x%x", exp, addr)
	}

	wrong, err := New(sig.ParseOrExit("4C 8D 0D ?? ?? ?? ??"),
		Offset(3),
		WcsCmp("sly"))
	if err != nil {
		t.Fatal(err)
	}

	_, found = scanner.Find(wrong)
	if found {
		t.Fatalf("expected wide string mismatch to fail the scan")
	}
}

func TestScannerCmpWidths(t *testing.T) {
	mem := newTestAddressSpace(t)
	scanner := newTestScanner(t, ScannerConfig{}, mem)

	s, err := New(sig.ParseOrExit("48 8B 05 ?? ?? ?? ?? 48 8B D9"),
		Offset(3),
		Follow(),
		CmpI8(0x08),
		CmpI16(0x0708),
		CmpI32(0x05060708),
		CmpI64(0x0102030405060708))
	if err != nil {
		t.Fatal(err)
	}

	addr, found := scanner.Find(s)
	if !found {
		t.Fatalf("expected all integer widths to verify")
	}

	exp := uint64(dataHighBase + 0x100)
	if addr != exp {
		t.Fatalf("expected 0x%x - got 0x%x", exp, addr)
	}

	wrong, err := New(sig.ParseOrExit("48 8B 05 ?? ?? ?? ?? 48 8B D9"),
		Offset(3),
		Follow(),
		CmpI64(0x0102030405060709))
	if err != nil {
		t.Fatal(err)
	}

	_, found = scanner.Find(wrong)
	if found {
		t.Fatalf("expected integer mismatch to fail the scan")
	}
}

func TestScannerPushPopAddr(t *testing.T) {
	mem := newTestAddressSpace(t)
	scanner := newTestScanner(t, ScannerConfig{}, mem)

	s, err := New(sig.ParseOrExit("48 8B 05 ?? ?? ?? ?? 48 8B D9"),
		Offset(3),
		PushAddr(),
		Follow(),
		CmpI8(0x08),
		PopAddr())
	if err != nil {
		t.Fatal(err)
	}

	addr, found := scanner.Find(s)
	if !found {
		t.Fatalf("expected a match")
	}

	exp := uint64(codeBase + 0x103)
	if addr != exp {
		t.Fatalf("expected popaddr to restore 0x%x - got 0x%x", exp, addr)
	}
}

func TestScannerPopAddrEmptyStackPanics(t *testing.T) {
	mem := newTestAddressSpace(t)
	scanner := newTestScanner(t, ScannerConfig{}, mem)

	s, err := New(sig.ParseOrExit("DE AD BE EF"),
		PopAddr())
	if err != nil {
		t.Fatal(err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected popaddr with an empty stack to panic")
		}
	}()

	scanner.Find(s)
}

func TestScannerAdvanceWildcards(t *testing.T) {
	mem := newTestAddressSpace(t)
	scanner := newTestScanner(t, ScannerConfig{}, mem)

	// Anchored before the pattern's first wildcard run; one set
	// lands on the run's first byte.
	s, err := New(sig.ParseOrExit("D0 0D ?? ?? FE"),
		AdvanceWildcards(1))
	if err != nil {
		t.Fatal(err)
	}

	addr, found := scanner.Find(s)
	if !found {
		t.Fatalf("expected a match")
	}

	exp := uint64(codeBase + 0x402)
	if addr != exp {
		t.Fatalf("expected 0x%x - got 0x%x", exp, addr)
	}
}

func TestScannerFindIn(t *testing.T) {
	mem := newTestAddressSpace(t)
	scanner := newTestScanner(t, ScannerConfig{}, mem)

	s, err := New(sig.ParseOrExit("DE AD BE EF"))
	if err != nil {
		t.Fatal(err)
	}

	addr, found := scanner.FindIn(s, codeBase, 0x1000)
	if !found {
		t.Fatalf("expected a match in the code module")
	}

	exp := uint64(codeBase + 0x20)
	if addr != exp {
		t.Fatalf("expected 0x%x - got 0x%x", exp, addr)
	}

	// A signature only present in code must not be found when the
	// scan is scoped to the low data module.
	codeOnly, err := New(sig.ParseOrExit("48 8B 05 ?? ?? ?? ?? 48 8B D9"))
	if err != nil {
		t.Fatal(err)
	}

	_, found = scanner.FindIn(codeOnly, dataLowBase, 0x1000)
	if found {
		t.Fatalf("expected no match inside the data module")
	}
}

type countingMem struct {
	*memory.BufferRegions
	mu         sync.Mutex
	scanStarts int
}

func (o *countingMem) QueryRegion(addr uint64) (memory.Region, error) {
	if addr == 0 {
		o.mu.Lock()
		o.scanStarts++
		o.mu.Unlock()
	}

	return o.BufferRegions.QueryRegion(addr)
}

func TestFallbackOrder(t *testing.T) {
	mem := &countingMem{BufferRegions: newTestAddressSpace(t)}

	scanner, err := NewScanner(ScannerConfig{Mem: mem})
	if err != nil {
		t.Fatal(err)
	}

	miss, err := New(sig.ParseOrExit("13 37 13 37 13 37"))
	if err != nil {
		t.Fatal(err)
	}

	hit, err := New(sig.ParseOrExit("DE AD BE EF"))
	if err != nil {
		t.Fatal(err)
	}

	neverRun, err := New(sig.ParseOrExit("AA BB ??"))
	if err != nil {
		t.Fatal(err)
	}

	fallback := NewFallback(miss, hit, neverRun)

	addr, found := fallback.Find(scanner)
	if !found {
		t.Fatalf("expected the second scan to match")
	}

	exp := uint64(dataLowBase + 0x10)
	if addr != exp {
		t.Fatalf("expected 0x%x - got 0x%x", exp, addr)
	}

	if mem.scanStarts != 2 {
		t.Fatalf("expected exactly 2 scans to run - got %d", mem.scanStarts)
	}
}

func TestFallbackNoMatch(t *testing.T) {
	mem := newTestAddressSpace(t)
	scanner := newTestScanner(t, ScannerConfig{}, mem)

	miss, err := New(sig.ParseOrExit("13 37 13 37 13 37"))
	if err != nil {
		t.Fatal(err)
	}

	_, found := NewFallback(miss, miss).Find(scanner)
	if found {
		t.Fatalf("expected no fallback scan to match")
	}
}

func TestResultCacheConsistency(t *testing.T) {
	mem := newTestAddressSpace(t)

	s, err := New(sig.ParseOrExit("48 8B 05 ?? ?? ?? ?? 48 8B D9"),
		Offset(3),
		Follow())
	if err != nil {
		t.Fatal(err)
	}

	plain := newTestScanner(t, ScannerConfig{}, mem)

	expAddr, found := plain.Find(s)
	if !found {
		t.Fatalf("expected a match without caching")
	}

	cache := NewResultCache()
	cached := newTestScanner(t, ScannerConfig{OptCache: cache}, mem)

	var wg sync.WaitGroup
	results := make([]uint64, 8)

	for i := range results {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()

			addr, found := cached.Find(s)
			if found {
				results[slot] = addr
			}
		}(i)
	}

	wg.Wait()

	for slot, addr := range results {
		if addr != expAddr {
			t.Fatalf("goroutine %d: expected 0x%x - got 0x%x",
				slot, expAddr, addr)
		}
	}

	if cache.Len() != 1 {
		t.Fatalf("expected 1 cached pattern - got %d", cache.Len())
	}

	// A warm cache must return the same result again.
	addr, found := cached.Find(s)
	if !found || addr != expAddr {
		t.Fatalf("expected warm cache result 0x%x - got 0x%x (found=%t)",
			expAddr, addr, found)
	}
}

func TestNewProgramTooLong(t *testing.T) {
	program := make([]Instruction, MaxProgramLength+1)
	for i := range program {
		program[i] = Offset(1)
	}

	_, err := New(sig.ParseOrExit("AA"), program...)
	if err == nil {
		t.Fatalf("expected an error for an oversized program")
	}
}

func TestAdvanceWildcardsClampsToOne(t *testing.T) {
	if AdvanceWildcards(0) != AdvanceWildcards(1) {
		t.Fatalf("expected a zero count to clamp to one")
	}

	if AdvanceWildcards(-5) != AdvanceWildcards(1) {
		t.Fatalf("expected a negative count to clamp to one")
	}
}
