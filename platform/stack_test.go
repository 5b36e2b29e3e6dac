package platform

import (
	"testing"
)

//
// Fixtures: identity-mapped guests in each execution mode.
// The low 4MiB (or 1GiB in long mode) is mapped present,
// writable and user-accessible, so the page tables double as
// the mapped memory.
//

func identityVcpu(mode CpuMode) (*Vcpu, *testMemory) {
	mem := newTestMemory()
	vcpu := NewVcpu()
	vcpu.Mode = mode
	vcpu.Cr3 = 0x1000
	vcpu.Regs[RSP] = 0x8000

	full := PtePresent | PteWritable | PteUser
	if mode == ModeLong {
		vcpu.Paging = PagingConfig{LongMode: true}
		mem.write64(0x1000, 0x2000|full) // PML4E 0
		mem.write64(0x2000, 0x0|full|PtePageSize)
	} else {
		vcpu.Paging = PagingConfig{Pse: true}
		mem.write32(0x1000, uint32(full|PtePageSize))
	}

	return vcpu, mem
}

func mustExecute(t *testing.T, vcpu *Vcpu, mem MemoryAccessor, instr *Instruction) {
	t.Helper()
	if err := Execute(vcpu, mem, instr); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
}

func readStack(t *testing.T, mem MemoryAccessor, addr Paddr, size uint) uint64 {
	t.Helper()
	value, err := mem.Read(addr, size)
	if err != nil {
		t.Fatalf("read %#x: %v", uint64(addr), err)
	}
	return value
}

func TestPushPopRoundTrip(t *testing.T) {
	vcpu, mem := identityVcpu(ModeProtected)
	vcpu.Regs[RAX] = 0xdeadbeef

	push := &Instruction{
		Op:      OpPush,
		Operand: Operand{Kind: OperandReg, Reg: RAX},
		Len:     1,
	}
	mustExecute(t, vcpu, mem, push)

	if vcpu.Regs[RSP] != 0x7ffc {
		t.Fatalf("rsp %#x, expected 0x7ffc", vcpu.Regs[RSP])
	}
	if got := readStack(t, mem, 0x7ffc, 4); got != 0xdeadbeef {
		t.Fatalf("stack slot %#x", got)
	}

	pop := &Instruction{
		Op:      OpPop,
		Operand: Operand{Kind: OperandReg, Reg: RBX},
		Len:     1,
	}
	mustExecute(t, vcpu, mem, pop)

	// The pointer is restored and memory is untouched.
	if vcpu.Regs[RSP] != 0x8000 {
		t.Fatalf("rsp %#x after pop", vcpu.Regs[RSP])
	}
	if vcpu.Regs[RBX] != 0xdeadbeef {
		t.Fatalf("rbx %#x after pop", vcpu.Regs[RBX])
	}
	if got := readStack(t, mem, 0x7ffc, 4); got != 0xdeadbeef {
		t.Fatalf("stack slot %#x disturbed by pop", got)
	}
}

func TestPushWidths(t *testing.T) {
	// The shared resolver: mode default, 0x66 toggle, REX.W.
	cases := []struct {
		mode   CpuMode
		prefix bool
		rexW   bool
		width  uint
	}{
		{ModeReal, false, false, 2},
		{ModeReal, true, false, 4},
		{ModeProtected, false, false, 4},
		{ModeProtected, true, false, 2},
		{ModeLong, false, false, 8},
		{ModeLong, true, false, 2},
		{ModeLong, false, true, 8},
		{ModeLong, true, true, 8},
	}

	for _, c := range cases {
		if got := OperandSize(c.mode, c.prefix, c.rexW); got != c.width {
			t.Fatalf("%v prefix=%v rexw=%v: width %d, expected %d",
				c.mode, c.prefix, c.rexW, got, c.width)
		}
	}
}

func TestPushImmSignExtended(t *testing.T) {
	vcpu, mem := identityVcpu(ModeProtected)

	push := &Instruction{
		Op:      OpPush,
		Operand: Operand{Kind: OperandImm, Imm: -1},
		Len:     2,
	}
	mustExecute(t, vcpu, mem, push)

	if got := readStack(t, mem, 0x7ffc, 4); got != 0xffffffff {
		t.Fatalf("stack slot %#x, expected sign extension", got)
	}
}

func TestPushMemoryOperand(t *testing.T) {
	vcpu, mem := identityVcpu(ModeProtected)
	mem.write32(0x6000, 0xcafe0001)

	push := &Instruction{
		Op:      OpPush,
		Operand: Operand{Kind: OperandMem, Addr: 0x6000},
		Len:     3,
	}
	mustExecute(t, vcpu, mem, push)

	if got := readStack(t, mem, 0x7ffc, 4); got != 0xcafe0001 {
		t.Fatalf("stack slot %#x", got)
	}
}

func TestPushPopSegment(t *testing.T) {
	vcpu, mem := identityVcpu(ModeReal)
	vcpu.Segments[DS].Selector = 0x1234

	push := &Instruction{
		Op:      OpPush,
		Operand: Operand{Kind: OperandSeg, Seg: DS},
		Len:     1,
	}
	mustExecute(t, vcpu, mem, push)

	pop := &Instruction{
		Op:      OpPop,
		Operand: Operand{Kind: OperandSeg, Seg: ES},
		Len:     1,
	}
	mustExecute(t, vcpu, mem, pop)

	if vcpu.Segments[ES].Selector != 0x1234 {
		t.Fatalf("es %#x", vcpu.Segments[ES].Selector)
	}
	// Real mode loads the base directly.
	if vcpu.Segments[ES].Base != 0x12340 {
		t.Fatalf("es base %#x", vcpu.Segments[ES].Base)
	}
}

func TestPopStackSegmentShadows(t *testing.T) {
	vcpu, mem := identityVcpu(ModeProtected)
	mem.write32(0x7ffc, 0x10)
	vcpu.Regs[RSP] = 0x7ffc
	vcpu.Interrupts.Raise(32)
	vcpu.SetFlag(FlagIF, true)

	pop := &Instruction{
		Op:      OpPop,
		Operand: Operand{Kind: OperandSeg, Seg: SS},
		Len:     1,
	}
	mustExecute(t, vcpu, mem, pop)

	// The reload shadows exactly one delivery sample.
	if _, ok := vcpu.Interrupts.Sample(vcpu.Rflags); ok {
		t.Fatal("delivered in the stack-segment shadow")
	}
	vcpu.Interrupts.Retire()
	if _, ok := vcpu.Interrupts.Sample(vcpu.Rflags); !ok {
		t.Fatal("shadow outlived one instruction")
	}
}

func TestPushfClearsVmRf(t *testing.T) {
	vcpu, mem := identityVcpu(ModeProtected)
	vcpu.Rflags = FlagFixed | FlagCF | FlagVM | FlagRF | FlagIF

	pushf := &Instruction{Op: OpPushf, Len: 1}
	mustExecute(t, vcpu, mem, pushf)

	image := readStack(t, mem, 0x7ffc, 4)
	if image&(FlagVM|FlagRF) != 0 {
		t.Fatalf("flags image %#x carries VM/RF", image)
	}
	if image&(FlagCF|FlagIF) != FlagCF|FlagIF {
		t.Fatalf("flags image %#x dropped live bits", image)
	}
}

func TestPushfPopfRoundTrip(t *testing.T) {
	// At privilege level 0 with IOPL 0 every covered bit
	// round-trips (VM/RF never reach the image).
	vcpu, mem := identityVcpu(ModeProtected)
	vcpu.Rflags = FlagFixed | FlagCF | FlagPF | FlagAF | FlagZF |
		FlagSF | FlagDF | FlagOF | FlagIF | FlagAC | FlagID

	original := vcpu.Rflags
	mustExecute(t, vcpu, mem, &Instruction{Op: OpPushf, Len: 1})
	vcpu.Rflags = FlagFixed
	mustExecute(t, vcpu, mem, &Instruction{Op: OpPopf, Len: 1})

	if vcpu.Rflags != original {
		t.Fatalf("flags %#x, expected %#x", vcpu.Rflags, original)
	}
}

func TestPopfPrivilege(t *testing.T) {
	vcpu, mem := identityVcpu(ModeProtected)
	vcpu.Cpl = 3
	vcpu.Rflags = FlagFixed // IOPL 0, IF clear

	// The image tries to set IF and raise IOPL to 3.
	mem.write32(0x7ffc, uint32(FlagIF|FlagIOPL|FlagZF))
	vcpu.Regs[RSP] = 0x7ffc

	mustExecute(t, vcpu, mem, &Instruction{Op: OpPopf, Len: 1})

	// Above CPL 0 the prior IOPL survives; above the I/O
	// privilege level the prior IF survives. ZF lands.
	if vcpu.Flag(FlagIF) {
		t.Fatal("CPL 3 replaced IF")
	}
	if vcpu.Iopl() != 0 {
		t.Fatalf("iopl %d, expected 0", vcpu.Iopl())
	}
	if !vcpu.Flag(FlagZF) {
		t.Fatal("ZF did not land")
	}
}

func TestPopfLongModeForcesVmRf(t *testing.T) {
	vcpu, mem := identityVcpu(ModeLong)
	mem.write64(0x8000, FlagVM|FlagRF|FlagCF|FlagFixed)
	vcpu.Regs[RSP] = 0x8000

	mustExecute(t, vcpu, mem, &Instruction{Op: OpPopf, Len: 1})

	if vcpu.Rflags&(FlagVM|FlagRF) != 0 {
		t.Fatalf("flags %#x carry VM/RF in 64-bit mode", vcpu.Rflags)
	}
	if !vcpu.Flag(FlagCF) {
		t.Fatal("CF did not land")
	}
}

func TestPopfWidthLimited(t *testing.T) {
	vcpu, mem := identityVcpu(ModeProtected)
	vcpu.Rflags = FlagFixed | FlagID
	mem.write32(0x7ffc, uint32(FlagCF))
	vcpu.Regs[RSP] = 0x7ffc

	// A 16-bit pop replaces only the low word; ID (bit 21)
	// survives.
	popf := &Instruction{Op: OpPopf, OperandPrefix: true, Len: 2}
	mustExecute(t, vcpu, mem, popf)

	if !vcpu.Flag(FlagID) {
		t.Fatal("16-bit popf clobbered ID")
	}
	if !vcpu.Flag(FlagCF) {
		t.Fatal("CF did not land")
	}
	if vcpu.Regs[RSP] != 0x7ffe {
		t.Fatalf("rsp %#x", vcpu.Regs[RSP])
	}
}

func TestPushaPopa(t *testing.T) {
	vcpu, mem := identityVcpu(ModeProtected)
	seed := []Register{RAX, RCX, RDX, RBX, RBP, RSI, RDI}
	for i, reg := range seed {
		vcpu.Regs[reg] = RegisterValue(0x100 + i)
	}

	mustExecute(t, vcpu, mem, &Instruction{Op: OpPusha, Len: 1})
	afterPusha := vcpu.Regs[RSP]
	if afterPusha != 0x8000-32 {
		t.Fatalf("rsp %#x after pusha", afterPusha)
	}

	// The stack-pointer slot holds the pre-push value.
	spSlot := readStack(t, mem, Paddr(afterPusha)+12, 4)
	if spSlot != 0x8000 {
		t.Fatalf("sp slot %#x, expected 0x8000", spSlot)
	}

	// Clobber every register and corrupt the saved SP slot:
	// POPA must discard it rather than load it.
	for _, reg := range seed {
		vcpu.Regs[reg] = 0
	}
	mem.write32(Paddr(afterPusha)+12, 0x66666666)

	mustExecute(t, vcpu, mem, &Instruction{Op: OpPopa, Len: 1})

	for i, reg := range seed {
		if vcpu.Regs[reg] != RegisterValue(0x100+i) {
			t.Fatalf("%v not restored: %#x", reg, vcpu.Regs[reg])
		}
	}
	if vcpu.Regs[RSP] != 0x8000 {
		t.Fatalf("rsp %#x after popa", vcpu.Regs[RSP])
	}
}

func TestPushaPopaLongMode(t *testing.T) {
	vcpu, mem := identityVcpu(ModeLong)
	before := *vcpu

	for _, op := range []Opcode{OpPusha, OpPopa} {
		err := Execute(vcpu, mem, &Instruction{Op: op, Len: 1})
		if err != UndefinedOpcode {
			t.Fatalf("op %v: got %v, expected undefined opcode", op, err)
		}
		if *vcpu != before {
			t.Fatalf("op %v mutated state", op)
		}
	}
}

func TestEnterLeave(t *testing.T) {
	vcpu, mem := identityVcpu(ModeProtected)
	vcpu.Regs[RBP] = 0x1111

	enter := &Instruction{Op: OpEnter, Locals: 0x20, Len: 4}
	mustExecute(t, vcpu, mem, enter)

	if got := readStack(t, mem, 0x7ffc, 4); got != 0x1111 {
		t.Fatalf("saved frame pointer %#x", got)
	}
	if vcpu.Regs[RBP] != 0x7ffc {
		t.Fatalf("rbp %#x", vcpu.Regs[RBP])
	}
	if vcpu.Regs[RSP] != 0x7ffc-0x20 {
		t.Fatalf("rsp %#x", vcpu.Regs[RSP])
	}

	mustExecute(t, vcpu, mem, &Instruction{Op: OpLeave, Len: 1})

	if vcpu.Regs[RBP] != 0x1111 || vcpu.Regs[RSP] != 0x8000 {
		t.Fatalf("leave: rbp %#x rsp %#x",
			vcpu.Regs[RBP], vcpu.Regs[RSP])
	}
}

func TestEnterNesting(t *testing.T) {
	vcpu, mem := identityVcpu(ModeProtected)

	// An enclosing frame at 0x9000 whose display holds one
	// prior frame pointer.
	vcpu.Regs[RBP] = 0x9000
	mem.write32(0x8ffc, 0xaaaa0001)

	enter := &Instruction{Op: OpEnter, Locals: 0x10, Level: 2, Len: 4}
	mustExecute(t, vcpu, mem, enter)

	// Pushed: old RBP, one copied pointer, the new frame
	// pointer; then the locals.
	if got := readStack(t, mem, 0x7ffc, 4); got != 0x9000 {
		t.Fatalf("saved rbp %#x", got)
	}
	if got := readStack(t, mem, 0x7ff8, 4); got != 0xaaaa0001 {
		t.Fatalf("copied display slot %#x", got)
	}
	if got := readStack(t, mem, 0x7ff4, 4); got != 0x7ffc {
		t.Fatalf("new frame pointer slot %#x", got)
	}
	if vcpu.Regs[RBP] != 0x7ffc {
		t.Fatalf("rbp %#x", vcpu.Regs[RBP])
	}
	if vcpu.Regs[RSP] != 0x7ff4-0x10 {
		t.Fatalf("rsp %#x", vcpu.Regs[RSP])
	}
}

func TestFaultCommitsNothing(t *testing.T) {
	vcpu, mem := identityVcpu(ModeProtected)

	// Park the stack in the unmapped second 4MiB.
	vcpu.Regs[RSP] = 0x00500000
	vcpu.Regs[RAX] = 0x1234
	vcpu.Rip = 0x100
	before := *vcpu

	push := &Instruction{
		Op:      OpPush,
		Operand: Operand{Kind: OperandReg, Reg: RAX},
		Len:     1,
	}
	err := Execute(vcpu, mem, push)
	if _, ok := err.(*PageFault); !ok {
		t.Fatalf("expected page fault, got %v", err)
	}

	// Nothing committed: registers, RIP, memory.
	if *vcpu != before {
		t.Fatal("fault partially committed register state")
	}

	err = Execute(vcpu, mem, &Instruction{Op: OpPopa, Len: 1})
	if _, ok := err.(*PageFault); !ok {
		t.Fatalf("expected page fault, got %v", err)
	}
	if *vcpu != before {
		t.Fatal("popa fault partially committed register state")
	}
}

func TestRipAdvance(t *testing.T) {
	vcpu, mem := identityVcpu(ModeProtected)
	vcpu.Rip = 0x400

	push := &Instruction{
		Op:      OpPush,
		Operand: Operand{Kind: OperandReg, Reg: RCX},
		Len:     2,
	}
	mustExecute(t, vcpu, mem, push)

	if vcpu.Rip != 0x402 {
		t.Fatalf("rip %#x, expected 0x402", vcpu.Rip)
	}
}
