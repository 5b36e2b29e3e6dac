package platform

//
// Guest memory accessor --
//
// The host supplies guest physical memory. Everything in
// this package reads and writes through this interface with
// already-translated addresses: the translation unit walking
// page tables, the IDT/IVT resolvers reading gates, and any
// instruction handler touching memory.
//
// Sizes are 1, 2, 4 or 8 bytes, little-endian within the
// returned value. Accessor failures are the host's own and
// are propagated unchanged by every caller in this package.

type MemoryAccessor interface {
	Read(addr Paddr, size uint) (uint64, error)
	Write(addr Paddr, size uint, value uint64) error
}
