package platform

//
// x86 platform constants.
//
const (
	PageSize = 4096
)

//
// Our general purpose registers.
//
type Register int
type RegisterValue uint64

const (
	RAX Register = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

const RegisterCount = 16

//
// Flags word bits.
//
// FlagFixed is the architecturally reserved bit 1,
// which always reads as one.
//
const (
	FlagCF    uint64 = 1 << 0
	FlagFixed uint64 = 1 << 1
	FlagPF    uint64 = 1 << 2
	FlagAF    uint64 = 1 << 4
	FlagZF    uint64 = 1 << 6
	FlagSF    uint64 = 1 << 7
	FlagTF    uint64 = 1 << 8
	FlagIF    uint64 = 1 << 9
	FlagDF    uint64 = 1 << 10
	FlagOF    uint64 = 1 << 11
	FlagIOPL  uint64 = 3 << 12
	FlagNT    uint64 = 1 << 14
	FlagRF    uint64 = 1 << 16
	FlagVM    uint64 = 1 << 17
	FlagAC    uint64 = 1 << 18
	FlagVIF   uint64 = 1 << 19
	FlagVIP   uint64 = 1 << 20
	FlagID    uint64 = 1 << 21
)

const FlagIOPLShift = 12

//
// Segment registers.
//
type Segment int
type SegmentValue struct {
	Base     uint64 `json:"base"`
	Limit    uint32 `json:"limit"`
	Selector uint16 `json:"selector"`
	Type     uint8  `json:"type"`
	Present  uint8  `json:"present"`
	Dpl      uint8  `json:"dpl"`
}

const (
	ES Segment = iota
	CS
	SS
	DS
	FS
	GS
)

const SegmentCount = 6

//
// Descriptor-table registers.
//
type Descriptor int
type DescriptorValue struct {
	Base  uint64 `json:"base"`
	Limit uint16 `json:"limit"`
}

const (
	GDT Descriptor = iota
	IDT
)

//
// Execution modes.
//
type CpuMode int

const (
	ModeReal CpuMode = iota
	ModeProtected
	ModeLong
)

func (mode CpuMode) String() string {
	switch mode {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	case ModeLong:
		return "long"
	}
	return "unknown"
}

//
// Vcpu --
//
// The software-modelled virtual CPU. This holds the full
// register-level context consumed and mutated by the
// instruction engine: the general purpose bank, segments,
// the flags word, the instruction pointer, the privilege
// level and the active execution mode, plus everything the
// translation unit and the delivery pipeline need (CR3,
// the paging configuration and the IDT/GDT registers).
//
// A Vcpu is exclusively owned by the single execution
// context advancing it. Nothing here locks.
//

type Vcpu struct {
	// The general purpose bank.
	Regs [RegisterCount]RegisterValue `json:"registers"`

	// The instruction pointer.
	Rip RegisterValue `json:"rip"`

	// The flags word.
	Rflags uint64 `json:"rflags"`

	// Segment registers.
	Segments [SegmentCount]SegmentValue `json:"segments"`

	// Descriptor tables.
	Idt DescriptorValue `json:"idt"`
	Gdt DescriptorValue `json:"gdt"`

	// The current privilege level (0-3).
	Cpl uint8 `json:"cpl"`

	// The active execution mode.
	Mode CpuMode `json:"mode"`

	// The active translation-table root.
	Cr3 Paddr `json:"cr3"`

	// The translation configuration.
	Paging PagingConfig `json:"paging"`

	// Our delivery pipeline.
	Interrupts Interrupts `json:"interrupts"`
}

func NewVcpu() *Vcpu {
	vcpu := new(Vcpu)
	vcpu.Rflags = FlagFixed
	return vcpu
}

func (vcpu *Vcpu) Flag(mask uint64) bool {
	return vcpu.Rflags&mask == mask
}

func (vcpu *Vcpu) SetFlag(mask uint64, value bool) {
	if value {
		vcpu.Rflags |= mask
	} else {
		vcpu.Rflags &= ^mask
	}
}

func (vcpu *Vcpu) Iopl() uint8 {
	return uint8((vcpu.Rflags & FlagIOPL) >> FlagIOPLShift)
}

// Register access at a given operand width. Writes follow
// the architectural rule: 64-bit writes replace the register,
// 32-bit writes zero the upper half, 16-bit writes leave it.
func (vcpu *Vcpu) GetRegister(reg Register, width uint) uint64 {
	value := uint64(vcpu.Regs[reg])
	switch width {
	case 2:
		return value & 0xffff
	case 4:
		return value & 0xffffffff
	}
	return value
}

func (vcpu *Vcpu) SetRegister(reg Register, width uint, value uint64) {
	switch width {
	case 2:
		old := uint64(vcpu.Regs[reg])
		vcpu.Regs[reg] = RegisterValue((old & ^uint64(0xffff)) | (value & 0xffff))
	case 4:
		vcpu.Regs[reg] = RegisterValue(value & 0xffffffff)
	default:
		vcpu.Regs[reg] = RegisterValue(value)
	}
}

// The linear address of a stack slot. In real and protected
// mode the stack segment base participates; in long mode the
// base is architecturally zero.
func (vcpu *Vcpu) stackLinear(sp uint64) Vaddr {
	if vcpu.Mode == ModeLong {
		return Vaddr(sp)
	}
	return Vaddr(vcpu.Segments[SS].Base + sp)
}
