// Package memory defines the capability boundary between the scanning
// engine and a host process' memory.
//
// The engine never touches memory directly. Everything it needs is
// expressed as one of four narrow capabilities: enumerating memory
// regions (RegionQuerier), reading bytes (Reader), writing bytes
// (Writer), and changing page protection (Protector). Providers such
// as the exprocess package implement these against a live process;
// BufferRegions implements them against plain byte slices so that
// engine behavior can be exercised in tests without a victim process.
//
// Helper functions build the handful of typed reads the engine needs
// on top of Reader, with explicit bounds established by the read
// itself: a failed or short read is reported, never papered over.
// The scanned memory is untrusted relative to any pattern's declared
// length.
package memory
