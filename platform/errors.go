package platform

import (
	"errors"
	"fmt"
)

// Instruction errors.
var UndefinedOpcode = errors.New("Undefined opcode!")
var UnknownInstruction = errors.New("Unknown instruction?")

//
// PageFault --
//
// A translation or permission failure. The error code is the
// architectural one: bit 0 set when the fault was a protection
// violation on a present mapping (clear when a not-present
// entry was hit), bit 1 for writes, bit 2 for user-mode
// accesses, bit 4 for instruction fetches.

type PageFault struct {
	Addr Vaddr  `json:"address"`
	Code uint32 `json:"code"`
}

const (
	PageFaultPresent uint32 = 1 << 0
	PageFaultWrite   uint32 = 1 << 1
	PageFaultUser    uint32 = 1 << 2
	PageFaultFetch   uint32 = 1 << 4
)

func (fault *PageFault) Error() string {
	return fmt.Sprintf("page fault @ %08x (code %x)", uint64(fault.Addr), fault.Code)
}

//
// GeneralProtection --
//
// A malformed or out-of-range descriptor-table access. The
// code is selector-style: the table byte offset of the bad
// entry with bit 1 set to mark the IDT.

type GeneralProtection struct {
	Code uint32 `json:"code"`
}

func (fault *GeneralProtection) Error() string {
	return fmt.Sprintf("general protection fault (code %x)", fault.Code)
}
