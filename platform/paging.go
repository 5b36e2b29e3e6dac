package platform

//
// Address translation --
//
// Three independent walkers share this file: the classic
// 2-level walk (4-byte entries, optional 4MiB pages), the
// PAE 3-level walk (8-byte entries, 2MiB pages) and the
// long-mode 4-level walk (8-byte entries, 1GiB and 2MiB
// pages). The entry bit layout below is common to all three;
// only the entry width and the index bit positions differ.
//
// All table reads go through the guest memory accessor with
// physical addresses. A failed lookup or permission violation
// produces exactly one PageFault; no partial state.

type PagingConfig struct {
	// PAE enabled (CR4.PAE).
	Pae bool `json:"pae"`

	// Long mode active (EFER.LMA).
	LongMode bool `json:"long-mode"`

	// Page-size extensions enabled (CR4.PSE).
	Pse bool `json:"pse"`

	// Supervisor write-protect enabled (CR0.WP).
	WriteProtect bool `json:"write-protect"`

	// No-execute enforcement enabled (EFER.NXE).
	NoExecute bool `json:"no-execute"`
}

type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessExecute
)

// Entry bits shared by every table format.
const (
	PtePresent  uint64 = 1 << 0
	PteWritable uint64 = 1 << 1
	PteUser     uint64 = 1 << 2
	PtePageSize uint64 = 1 << 7
	PteNx       uint64 = 1 << 63
)

// Base-address masks.
const (
	pteBaseMask32 = 0xfffff000
	pde4MBaseMask = 0xffc00000
	pteBaseMask64 = 0x000ffffffffff000
	pde2MBaseMask = 0x000fffffffe00000
	pdpte1GMask   = 0x000fffffc0000000
)

//
// walkState --
//
// Accumulates the effective permissions of a walk. The
// effective mapping is writable/user-accessible only if
// every level on the path says so; it is no-execute if any
// level says so.

type walkState struct {
	addr     Vaddr
	access   Access
	user     bool
	writable bool
	userOk   bool
	nx       bool
}

func (walk *walkState) fault(present bool) *PageFault {
	var code uint32
	if present {
		code |= PageFaultPresent
	}
	if walk.access == AccessWrite {
		code |= PageFaultWrite
	}
	if walk.user {
		code |= PageFaultUser
	}
	if walk.access == AccessExecute {
		code |= PageFaultFetch
	}
	return &PageFault{Addr: walk.addr, Code: code}
}

// step folds one table entry into the walk, faulting if the
// entry is not present.
func (walk *walkState) step(entry uint64) *PageFault {
	if entry&PtePresent == 0 {
		return walk.fault(false)
	}
	walk.writable = walk.writable && entry&PteWritable != 0
	walk.userOk = walk.userOk && entry&PteUser != 0
	walk.nx = walk.nx || entry&PteNx != 0
	return nil
}

// check applies the permission rules shared by all three
// walkers, after every level has been folded in.
func (walk *walkState) check(config PagingConfig) *PageFault {

	// User access to a supervisor-only mapping.
	if walk.user && !walk.userOk {
		return walk.fault(true)
	}

	// Writes to a read-only mapping fault unconditionally
	// from user mode, and from supervisor mode only under
	// CR0.WP.
	if walk.access == AccessWrite && !walk.writable {
		if walk.user || config.WriteProtect {
			return walk.fault(true)
		}
	}

	// Instruction fetches from a no-execute mapping,
	// only under enforcement.
	if walk.access == AccessExecute && walk.nx && config.NoExecute {
		return walk.fault(true)
	}

	return nil
}

func newWalk(addr Vaddr, access Access, cpl uint8) walkState {
	return walkState{
		addr:     addr,
		access:   access,
		user:     cpl == 3,
		writable: true,
		userOk:   true,
	}
}

//
// Translate --
//
// The linear to physical walk. Dispatches on the paging
// configuration: long mode wins over PAE, PAE over the
// classic 2-level format.

func Translate(
	mem MemoryAccessor,
	cr3 Paddr,
	config PagingConfig,
	addr Vaddr,
	access Access,
	cpl uint8) (Paddr, error) {

	walk := newWalk(addr, access, cpl)

	switch {
	case config.LongMode:
		return translate4Level(mem, cr3, config, &walk)
	case config.Pae:
		return translate3Level(mem, cr3, config, &walk)
	default:
		return translate2Level(mem, cr3, config, &walk)
	}
}

// Convenience wrapper using the Vcpu's own root,
// configuration and privilege level.
func (vcpu *Vcpu) Translate(
	mem MemoryAccessor,
	addr Vaddr,
	access Access) (Paddr, error) {

	return Translate(mem, vcpu.Cr3, vcpu.Paging, addr, access, vcpu.Cpl)
}

// The classic 2-level walk: 1024-entry directory and table,
// 4-byte entries, 4MiB pages when CR4.PSE allows them.
func translate2Level(
	mem MemoryAccessor,
	cr3 Paddr,
	config PagingConfig,
	walk *walkState) (Paddr, error) {

	addr := uint64(walk.addr) & 0xffffffff
	dirIndex := (addr >> 22) & 0x3ff
	tblIndex := (addr >> 12) & 0x3ff

	pdeAddr := Paddr(uint64(cr3)&pteBaseMask32 + dirIndex*4)
	pde, err := mem.Read(pdeAddr, 4)
	if err != nil {
		return 0, err
	}
	if fault := walk.step(pde); fault != nil {
		return 0, fault
	}

	// A 4MiB page?
	if pde&PtePageSize != 0 && config.Pse {
		if fault := walk.check(config); fault != nil {
			return 0, fault
		}
		return Paddr((pde & pde4MBaseMask) | (addr & 0x3fffff)), nil
	}

	pteAddr := Paddr((pde & pteBaseMask32) + tblIndex*4)
	pte, err := mem.Read(pteAddr, 4)
	if err != nil {
		return 0, err
	}
	if fault := walk.step(pte); fault != nil {
		return 0, fault
	}
	if fault := walk.check(config); fault != nil {
		return 0, fault
	}

	return Paddr((pte & pteBaseMask32) | (addr & 0xfff)), nil
}

// The PAE 3-level walk: a 4-entry directory-pointer table,
// 512-entry directory and table, 8-byte entries, 2MiB pages.
func translate3Level(
	mem MemoryAccessor,
	cr3 Paddr,
	config PagingConfig,
	walk *walkState) (Paddr, error) {

	addr := uint64(walk.addr) & 0xffffffff
	pdpIndex := (addr >> 30) & 0x3
	dirIndex := (addr >> 21) & 0x1ff
	tblIndex := (addr >> 12) & 0x1ff

	pdpteAddr := Paddr(uint64(cr3)&^uint64(0x1f) + pdpIndex*8)
	pdpte, err := mem.Read(pdpteAddr, 8)
	if err != nil {
		return 0, err
	}
	if fault := walk.step(pdpte); fault != nil {
		return 0, fault
	}

	pdeAddr := Paddr((pdpte & pteBaseMask64) + dirIndex*8)
	pde, err := mem.Read(pdeAddr, 8)
	if err != nil {
		return 0, err
	}
	if fault := walk.step(pde); fault != nil {
		return 0, fault
	}

	// A 2MiB page?
	if pde&PtePageSize != 0 {
		if fault := walk.check(config); fault != nil {
			return 0, fault
		}
		return Paddr((pde & pde2MBaseMask) | (addr & 0x1fffff)), nil
	}

	pteAddr := Paddr((pde & pteBaseMask64) + tblIndex*8)
	pte, err := mem.Read(pteAddr, 8)
	if err != nil {
		return 0, err
	}
	if fault := walk.step(pte); fault != nil {
		return 0, fault
	}
	if fault := walk.check(config); fault != nil {
		return 0, fault
	}

	return Paddr((pte & pteBaseMask64) | (addr & 0xfff)), nil
}

// The long-mode 4-level walk: 512-entry tables indexed by
// successive 9-bit groups, 8-byte entries, 1GiB pages at the
// third level and 2MiB pages at the second.
func translate4Level(
	mem MemoryAccessor,
	cr3 Paddr,
	config PagingConfig,
	walk *walkState) (Paddr, error) {

	addr := uint64(walk.addr)
	pml4Index := (addr >> 39) & 0x1ff
	pdpIndex := (addr >> 30) & 0x1ff
	dirIndex := (addr >> 21) & 0x1ff
	tblIndex := (addr >> 12) & 0x1ff

	pml4eAddr := Paddr(uint64(cr3)&pteBaseMask64 + pml4Index*8)
	pml4e, err := mem.Read(pml4eAddr, 8)
	if err != nil {
		return 0, err
	}
	if fault := walk.step(pml4e); fault != nil {
		return 0, fault
	}

	pdpteAddr := Paddr((pml4e & pteBaseMask64) + pdpIndex*8)
	pdpte, err := mem.Read(pdpteAddr, 8)
	if err != nil {
		return 0, err
	}
	if fault := walk.step(pdpte); fault != nil {
		return 0, fault
	}

	// A 1GiB page?
	if pdpte&PtePageSize != 0 {
		if fault := walk.check(config); fault != nil {
			return 0, fault
		}
		return Paddr((pdpte & pdpte1GMask) | (addr & 0x3fffffff)), nil
	}

	pdeAddr := Paddr((pdpte & pteBaseMask64) + dirIndex*8)
	pde, err := mem.Read(pdeAddr, 8)
	if err != nil {
		return 0, err
	}
	if fault := walk.step(pde); fault != nil {
		return 0, fault
	}

	// A 2MiB page?
	if pde&PtePageSize != 0 {
		if fault := walk.check(config); fault != nil {
			return 0, fault
		}
		return Paddr((pde & pde2MBaseMask) | (addr & 0x1fffff)), nil
	}

	pteAddr := Paddr((pde & pteBaseMask64) + tblIndex*8)
	pte, err := mem.Read(pteAddr, 8)
	if err != nil {
		return 0, err
	}
	if fault := walk.step(pte); fault != nil {
		return 0, fault
	}
	if fault := walk.check(config); fault != nil {
		return 0, fault
	}

	return Paddr((pte & pteBaseMask64) | (addr & 0xfff)), nil
}
