package platform

//
// Stack-operation handlers --
//
// The fully specified template for the instruction engine:
// every other opcode family follows the same handler shape.
// Each handler reads its sources, stages its memory writes,
// and commits register and memory state only once every
// translation has succeeded. A translation failure anywhere
// propagates unchanged with nothing committed.

type stagedWrite struct {
	addr  Paddr
	size  uint
	value uint64
}

type stackFrame struct {
	vcpu   *Vcpu
	mem    MemoryAccessor
	width  uint
	sp     uint64
	writes []stagedWrite
}

func (frame *stackFrame) push(value uint64) error {
	frame.sp -= uint64(frame.width)
	phys, err := frame.vcpu.Translate(
		frame.mem, frame.vcpu.stackLinear(frame.sp), AccessWrite)
	if err != nil {
		return err
	}
	frame.writes = append(frame.writes, stagedWrite{
		addr:  phys,
		size:  frame.width,
		value: value & widthMask(frame.width),
	})
	return nil
}

func (frame *stackFrame) pop() (uint64, error) {
	phys, err := frame.vcpu.Translate(
		frame.mem, frame.vcpu.stackLinear(frame.sp), AccessRead)
	if err != nil {
		return 0, err
	}
	value, err := frame.mem.Read(phys, frame.width)
	if err != nil {
		return 0, err
	}
	frame.sp += uint64(frame.width)
	return value & widthMask(frame.width), nil
}

// read fetches an arbitrary linear address (non-stack
// operands, ENTER's frame-pointer chain).
func (frame *stackFrame) read(linear Vaddr) (uint64, error) {
	phys, err := frame.vcpu.Translate(frame.mem, linear, AccessRead)
	if err != nil {
		return 0, err
	}
	return frame.mem.Read(phys, frame.width)
}

func (frame *stackFrame) stage(linear Vaddr, value uint64) error {
	phys, err := frame.vcpu.Translate(frame.mem, linear, AccessWrite)
	if err != nil {
		return err
	}
	frame.writes = append(frame.writes, stagedWrite{
		addr:  phys,
		size:  frame.width,
		value: value & widthMask(frame.width),
	})
	return nil
}

// commit applies the staged writes and the new stack pointer.
func (frame *stackFrame) commit() error {
	for _, write := range frame.writes {
		err := frame.mem.Write(write.addr, write.size, write.value)
		if err != nil {
			return err
		}
	}
	frame.vcpu.Regs[RSP] = RegisterValue(frame.sp)
	return nil
}

func newFrame(vcpu *Vcpu, mem MemoryAccessor, width uint) *stackFrame {
	return &stackFrame{
		vcpu:  vcpu,
		mem:   mem,
		width: width,
		sp:    uint64(vcpu.Regs[RSP]),
	}
}

//
// Execute --
//
// The engine entry point for the stack family. Mutates the
// Vcpu (and guest memory) on success; returns one of the
// typed failures untouched otherwise.

func Execute(vcpu *Vcpu, mem MemoryAccessor, instr *Instruction) error {

	var err error

	switch instr.Op {
	case OpPush:
		err = executePush(vcpu, mem, instr)
	case OpPop:
		err = executePop(vcpu, mem, instr)
	case OpPushf:
		err = executePushf(vcpu, mem, instr)
	case OpPopf:
		err = executePopf(vcpu, mem, instr)
	case OpPusha:
		err = executePusha(vcpu, mem, instr)
	case OpPopa:
		err = executePopa(vcpu, mem, instr)
	case OpEnter:
		err = executeEnter(vcpu, mem, instr)
	case OpLeave:
		err = executeLeave(vcpu, mem, instr)
	default:
		return UnknownInstruction
	}

	if err != nil {
		return err
	}

	vcpu.Rip += RegisterValue(instr.Len)
	return nil
}

func executePush(vcpu *Vcpu, mem MemoryAccessor, instr *Instruction) error {

	frame := newFrame(vcpu, mem, instr.Width(vcpu.Mode))

	var value uint64
	switch instr.Operand.Kind {
	case OperandReg:
		value = vcpu.GetRegister(instr.Operand.Reg, frame.width)
	case OperandImm:
		// Sign-extended to the push width by the mask.
		value = uint64(instr.Operand.Imm)
	case OperandMem:
		read, err := frame.read(instr.Operand.Addr)
		if err != nil {
			return err
		}
		value = read
	case OperandSeg:
		value = uint64(vcpu.Segments[instr.Operand.Seg].Selector)
	default:
		return UnknownInstruction
	}

	err := frame.push(value)
	if err != nil {
		return err
	}
	return frame.commit()
}

func executePop(vcpu *Vcpu, mem MemoryAccessor, instr *Instruction) error {

	frame := newFrame(vcpu, mem, instr.Width(vcpu.Mode))

	value, err := frame.pop()
	if err != nil {
		return err
	}

	switch instr.Operand.Kind {
	case OperandReg:
		if err := frame.commit(); err != nil {
			return err
		}
		vcpu.SetRegister(instr.Operand.Reg, frame.width, value)
		return nil

	case OperandMem:
		if err := frame.stage(instr.Operand.Addr, value); err != nil {
			return err
		}
		return frame.commit()

	case OperandSeg:
		if err := frame.commit(); err != nil {
			return err
		}
		// The full descriptor load in protected and long
		// mode is delegated to the segmentation layer; real
		// mode loads the base directly.
		vcpu.Segments[instr.Operand.Seg].Selector = uint16(value)
		if vcpu.Mode == ModeReal {
			vcpu.Segments[instr.Operand.Seg].Base = (value & 0xffff) << 4
		}
		// A stack-segment reload shadows the next
		// instruction's delivery sample.
		if instr.Operand.Seg == SS {
			vcpu.Interrupts.SetShadow()
		}
		return nil
	}

	return UnknownInstruction
}

func executePushf(vcpu *Vcpu, mem MemoryAccessor, instr *Instruction) error {

	frame := newFrame(vcpu, mem, instr.Width(vcpu.Mode))

	// VM and RF never reach the stack image.
	value := vcpu.Rflags & ^(FlagVM | FlagRF)

	err := frame.push(value)
	if err != nil {
		return err
	}
	return frame.commit()
}

func executePopf(vcpu *Vcpu, mem MemoryAccessor, instr *Instruction) error {

	frame := newFrame(vcpu, mem, instr.Width(vcpu.Mode))

	value, err := frame.pop()
	if err != nil {
		return err
	}
	if err := frame.commit(); err != nil {
		return err
	}

	// The reserved bit always reads back as one.
	value |= FlagFixed

	// 64-bit mode forces VM and RF back to cleared.
	if vcpu.Mode == ModeLong {
		value &= ^(FlagVM | FlagRF)
	}

	// Above privilege level zero the prior IOPL survives.
	if vcpu.Cpl > 0 {
		value = (value & ^FlagIOPL) | (vcpu.Rflags & FlagIOPL)
	}

	// Below the I/O privilege level the prior IF survives.
	if vcpu.Cpl > vcpu.Iopl() {
		value = (value & ^FlagIF) | (vcpu.Rflags & FlagIF)
	}

	// Only bits covered by the pop width are replaced.
	mask := widthMask(frame.width)
	vcpu.Rflags = (vcpu.Rflags & ^mask) | (value & mask)
	return nil
}

// The architectural PUSHA order; the stack-pointer slot holds
// the value captured before this instruction's own pushes.
var pushaOrder = []Register{RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI}

func executePusha(vcpu *Vcpu, mem MemoryAccessor, instr *Instruction) error {

	if vcpu.Mode == ModeLong {
		return UndefinedOpcode
	}

	frame := newFrame(vcpu, mem, instr.Width(vcpu.Mode))
	original := frame.sp

	for _, reg := range pushaOrder {
		value := vcpu.GetRegister(reg, frame.width)
		if reg == RSP {
			value = original & widthMask(frame.width)
		}
		if err := frame.push(value); err != nil {
			return err
		}
	}

	return frame.commit()
}

func executePopa(vcpu *Vcpu, mem MemoryAccessor, instr *Instruction) error {

	if vcpu.Mode == ModeLong {
		return UndefinedOpcode
	}

	frame := newFrame(vcpu, mem, instr.Width(vcpu.Mode))

	// Pop the mirror order, collecting before touching any
	// register so a fault mid-sequence commits nothing.
	values := make([]uint64, len(pushaOrder))
	for i := len(pushaOrder) - 1; i >= 0; i -= 1 {
		value, err := frame.pop()
		if err != nil {
			return err
		}
		values[i] = value
	}
	if err := frame.commit(); err != nil {
		return err
	}

	for i, reg := range pushaOrder {
		if reg == RSP {
			// The stack-pointer slot is discarded.
			continue
		}
		vcpu.SetRegister(reg, frame.width, values[i])
	}
	return nil
}

func executeEnter(vcpu *Vcpu, mem MemoryAccessor, instr *Instruction) error {

	frame := newFrame(vcpu, mem, instr.Width(vcpu.Mode))
	level := uint(instr.Level % 32)

	// Push the current frame pointer.
	err := frame.push(vcpu.GetRegister(RBP, frame.width))
	if err != nil {
		return err
	}
	frameTemp := frame.sp

	if level > 0 {
		// Copy the prior frame pointers.
		bp := uint64(vcpu.Regs[RBP])
		for i := uint(1); i < level; i += 1 {
			bp -= uint64(frame.width)
			prior, err := frame.read(vcpu.stackLinear(bp))
			if err != nil {
				return err
			}
			if err := frame.push(prior); err != nil {
				return err
			}
		}
		// And the new frame pointer itself.
		if err := frame.push(frameTemp); err != nil {
			return err
		}
	}

	// Reserve the local-variable space.
	frame.sp -= uint64(instr.Locals)

	if err := frame.commit(); err != nil {
		return err
	}
	vcpu.SetRegister(RBP, frame.width, frameTemp)
	return nil
}

func executeLeave(vcpu *Vcpu, mem MemoryAccessor, instr *Instruction) error {

	frame := newFrame(vcpu, mem, instr.Width(vcpu.Mode))

	// Collapse the frame, then pop the saved frame pointer.
	frame.sp = uint64(vcpu.Regs[RBP])
	value, err := frame.pop()
	if err != nil {
		return err
	}
	if err := frame.commit(); err != nil {
		return err
	}
	vcpu.SetRegister(RBP, frame.width, value)
	return nil
}
