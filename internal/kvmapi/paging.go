package kvmapi

// x86-64 long-mode paging. The teacher only ever built 32-bit/4MB page
// directories; a 64-bit payload needs a 4-level PML4/PDPT/PD/PT walk.
// This monitor builds a single identity-mapped 1GB page at the bottom
// of guest physical memory (enough to run the ELF loader and early
// brk growth) using 1GB huge pages at the PDPT level, avoiding the need
// to populate individual 4KB PTEs for bootstrap.

const (
	PTEPresent   uint64 = 1 << 0
	PTEWritable  uint64 = 1 << 1
	PTEUser      uint64 = 1 << 2
	PTEHugePage  uint64 = 1 << 7 // PS bit: 2MB (PD) or 1GB (PDPT) page

	pageTableEntries = 512
)

// PageTables holds the physical addresses (within guest memory) and
// byte contents of the PML4/PDPT levels built for identity-mapping
// the low gigabyte of guest physical memory.
type PageTables struct {
	PML4Addr uint64
	PDPTAddr uint64
	PML4     [pageTableEntries]uint64
	PDPT     [pageTableEntries]uint64
}

// NewIdentityPageTables builds page tables that identity-map [0, 1GB)
// using a single 1GB huge page, rooted at pml4Addr/pdptAddr (both must
// be 4KB-aligned guest physical addresses).
func NewIdentityPageTables(pml4Addr, pdptAddr uint64) *PageTables {
	pt := &PageTables{PML4Addr: pml4Addr, PDPTAddr: pdptAddr}
	pt.PML4[0] = pdptAddr | PTEPresent | PTEWritable
	pt.PDPT[0] = 0 | PTEPresent | PTEWritable | PTEHugePage
	return pt
}

// PML4Bytes and PDPTBytes return the little-endian encoding of their
// page table level ready to be copied into guest memory at its base address.
func (pt *PageTables) PML4Bytes() []byte { return encodeUint64Table(pt.PML4[:]) }
func (pt *PageTables) PDPTBytes() []byte { return encodeUint64Table(pt.PDPT[:]) }

func encodeUint64Table(entries []uint64) []byte {
	out := make([]byte, len(entries)*8)
	for i, e := range entries {
		out[i*8+0] = byte(e)
		out[i*8+1] = byte(e >> 8)
		out[i*8+2] = byte(e >> 16)
		out[i*8+3] = byte(e >> 24)
		out[i*8+4] = byte(e >> 32)
		out[i*8+5] = byte(e >> 40)
		out[i*8+6] = byte(e >> 48)
		out[i*8+7] = byte(e >> 56)
	}
	return out
}

// Control register bits needed to enable long mode with paging.
const (
	CR0PE uint64 = 1 << 0  // Protected mode enable
	CR0PG uint64 = 1 << 31 // Paging enable
	CR4PAE uint64 = 1 << 5 // Physical address extension, required for long mode
	EFERLME uint64 = 1 << 8 // Long mode enable
	EFERLMA uint64 = 1 << 10 // Long mode active
)
