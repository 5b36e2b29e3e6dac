package platform

//
// Decoded instructions --
//
// The opcode decode/dispatch table lives outside this core.
// What arrives here is an already-resolved descriptor: a
// tagged variant naming the instruction-class template plus
// its fully decoded operand. Memory operands carry the
// resolved effective (linear) address; the engine never sees
// ModRM bytes.

type Opcode int

const (
	OpPush Opcode = iota
	OpPop
	OpPushf
	OpPopf
	OpPusha
	OpPopa
	OpEnter
	OpLeave
)

type OperandKind int

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandImm
	OperandMem
	OperandSeg
)

type Operand struct {
	Kind OperandKind

	// One of, per Kind.
	Reg  Register
	Seg  Segment
	Imm  int64
	Addr Vaddr
}

type Instruction struct {
	Op      Opcode
	Operand Operand

	// Prefix and encoding bits feeding the size resolver.
	OperandPrefix bool // 0x66
	RexW          bool

	// ENTER immediates.
	Locals uint16
	Level  uint8

	// Encoded length, for the instruction-pointer advance.
	Len uint8
}

//
// OperandSize --
//
// The shared operand-size resolver. Every handler in the
// stack family derives its width here rather than computing
// it independently: the execution mode sets the default, the
// 0x66 prefix toggles between 16 and 32 bits, and REX.W
// forces 64 bits. The stack family's long-mode default is a
// 64-bit push.

func OperandSize(mode CpuMode, operandPrefix bool, rexW bool) uint {
	switch mode {
	case ModeLong:
		if rexW {
			return 8
		}
		if operandPrefix {
			return 2
		}
		return 8
	case ModeProtected:
		if operandPrefix {
			return 2
		}
		return 4
	default:
		if operandPrefix {
			return 4
		}
		return 2
	}
}

func (instr *Instruction) Width(mode CpuMode) uint {
	return OperandSize(mode, instr.OperandPrefix, instr.RexW)
}

func widthMask(width uint) uint64 {
	switch width {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	case 4:
		return 0xffffffff
	}
	return ^uint64(0)
}
