package platform

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"
)

//
// Tracer --
//
// An optional per-step instruction trace. The bytes at the
// current instruction pointer are fetched through the
// translation unit (an execute access at the current
// privilege level) and decoded; untranslatable or undecodable
// bytes are logged raw rather than failing the trace.

const maxInstructionLen = 15

type Tracer struct {
	log     *logrus.Logger
	enabled bool
	last    Vaddr
}

func NewTracer(log *logrus.Logger) *Tracer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracer{log: log}
}

func (tracer *Tracer) Enable() {
	tracer.enabled = true
}

func (tracer *Tracer) Disable() {
	tracer.enabled = false
}

func (tracer *Tracer) IsEnabled() bool {
	return tracer.enabled
}

func (tracer *Tracer) decodeMode(vcpu *Vcpu) int {
	switch vcpu.Mode {
	case ModeLong:
		return 64
	case ModeProtected:
		return 32
	}
	return 16
}

// fetch pulls up to maxInstructionLen bytes at RIP, stopping
// quietly at the first untranslatable byte.
func (tracer *Tracer) fetch(vcpu *Vcpu, mem MemoryAccessor) []byte {

	code := make([]byte, 0, maxInstructionLen)

	for i := uint64(0); i < maxInstructionLen; i += 1 {
		linear := Vaddr(uint64(vcpu.Rip)).After(i)
		if vcpu.Mode != ModeLong {
			linear = Vaddr(vcpu.Segments[CS].Base + uint64(vcpu.Rip)).After(i)
		}
		phys, err := vcpu.Translate(mem, linear, AccessExecute)
		if err != nil {
			break
		}
		value, err := mem.Read(phys, 1)
		if err != nil {
			break
		}
		code = append(code, byte(value))
	}

	return code
}

func (tracer *Tracer) Trace(vcpu *Vcpu, mem MemoryAccessor) {

	// Are we on?
	if !tracer.enabled {
		return
	}

	// Skip duplicates.
	if Vaddr(vcpu.Rip) == tracer.last && tracer.last != 0 {
		return
	}
	tracer.last = Vaddr(vcpu.Rip)

	fields := logrus.Fields{
		"rip":  uint64(vcpu.Rip),
		"rsp":  uint64(vcpu.Regs[RSP]),
		"mode": vcpu.Mode.String(),
	}

	code := tracer.fetch(vcpu, mem)
	if len(code) == 0 {
		tracer.log.WithFields(fields).Debug("trace: ??")
		return
	}

	inst, err := x86asm.Decode(code, tracer.decodeMode(vcpu))
	if err != nil {
		fields["bytes"] = code
		tracer.log.WithFields(fields).Debug("trace: (undecodable)")
		return
	}

	fields["len"] = inst.Len
	tracer.log.WithFields(fields).Debug(
		"trace: " + x86asm.IntelSyntax(inst, uint64(vcpu.Rip), nil))
}
