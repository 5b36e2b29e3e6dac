package platform

//
// Gate resolution --
//
// Three independently shaped resolvers read a handler target
// out of guest memory: the 4-byte real-mode IVT entry, the
// 8-byte protected-mode gate and the 16-byte long-mode gate.
// The layouts are bit-for-bit the standard x86 ones, so any
// fixture built from public reference material is usable as
// test input.
//
// Accessor failures propagate unchanged. Malformed or
// out-of-range entries become GeneralProtection values with
// the selector-style code vector*8+2 (protected) or
// vector*16+2 (long).

type GateType uint8

const (
	GateTask        GateType = 0x5
	GateInterrupt16 GateType = 0x6
	GateTrap16      GateType = 0x7
	GateInterrupt   GateType = 0xe
	GateTrap        GateType = 0xf
)

type Gate struct {
	// The handler target.
	Offset   uint64 `json:"offset"`
	Selector uint16 `json:"selector"`

	// The gate kind and privilege.
	Type    GateType `json:"type"`
	Dpl     uint8    `json:"dpl"`
	Present bool     `json:"present"`

	// The alternate-stack index (long mode only).
	Ist uint8 `json:"ist"`
}

// ResolveVector reads the gate for the given vector out of
// guest memory, per the active execution mode.
func ResolveVector(
	mem MemoryAccessor,
	mode CpuMode,
	table DescriptorValue,
	vector uint8) (*Gate, error) {

	switch mode {
	case ModeProtected:
		return resolveProtectedGate(mem, table, vector)
	case ModeLong:
		return resolveLongGate(mem, table, vector)
	default:
		return resolveRealVector(mem, table, vector)
	}
}

// A real-mode IVT entry: offset then segment, no permission
// checks, always treated as present.
func resolveRealVector(
	mem MemoryAccessor,
	table DescriptorValue,
	vector uint8) (*Gate, error) {

	entry := Paddr(table.Base + uint64(vector)*4)

	offset, err := mem.Read(entry, 2)
	if err != nil {
		return nil, err
	}
	segment, err := mem.Read(entry.After(2), 2)
	if err != nil {
		return nil, err
	}

	return &Gate{
		Offset:   offset,
		Selector: uint16(segment),
		Type:     GateInterrupt16,
		Present:  true,
	}, nil
}

// An 8-byte protected-mode gate.
func resolveProtectedGate(
	mem MemoryAccessor,
	table DescriptorValue,
	vector uint8) (*Gate, error) {

	badEntry := &GeneralProtection{Code: uint32(vector)*8 + 2}

	// Beyond the configured limit?
	if uint32(vector)*8+7 > uint32(table.Limit) {
		return nil, badEntry
	}

	entry := Paddr(table.Base + uint64(vector)*8)

	low, err := mem.Read(entry, 4)
	if err != nil {
		return nil, err
	}
	high, err := mem.Read(entry.After(4), 4)
	if err != nil {
		return nil, err
	}

	gate := &Gate{
		Offset:   (low & 0xffff) | (high & 0xffff0000),
		Selector: uint16(low >> 16),
		Type:     GateType((high >> 8) & 0xf),
		Dpl:      uint8((high >> 13) & 0x3),
		Present:  high&(1<<15) != 0,
	}

	switch gate.Type {
	case GateTask, GateInterrupt16, GateTrap16, GateInterrupt, GateTrap:
		return gate, nil
	}
	return nil, badEntry
}

// A 16-byte long-mode gate. Only the 64-bit interrupt and
// trap kinds are legal; the high quadword carries the upper
// offset bits and the low one the alternate-stack index.
func resolveLongGate(
	mem MemoryAccessor,
	table DescriptorValue,
	vector uint8) (*Gate, error) {

	badEntry := &GeneralProtection{Code: uint32(vector)*16 + 2}

	// Beyond the configured limit?
	if uint32(vector)*16+15 > uint32(table.Limit) {
		return nil, badEntry
	}

	entry := Paddr(table.Base + uint64(vector)*16)

	low, err := mem.Read(entry, 4)
	if err != nil {
		return nil, err
	}
	high, err := mem.Read(entry.After(4), 4)
	if err != nil {
		return nil, err
	}
	upper, err := mem.Read(entry.After(8), 4)
	if err != nil {
		return nil, err
	}

	gate := &Gate{
		Offset:   (low & 0xffff) | (high & 0xffff0000) | (upper << 32),
		Selector: uint16(low >> 16),
		Type:     GateType((high >> 8) & 0xf),
		Dpl:      uint8((high >> 13) & 0x3),
		Present:  high&(1<<15) != 0,
		Ist:      uint8(high & 0x7),
	}

	switch gate.Type {
	case GateInterrupt, GateTrap:
		return gate, nil
	}
	return nil, badEntry
}
