package platform

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestTracerDecodes(t *testing.T) {
	vcpu, mem := identityVcpu(ModeProtected)
	vcpu.Rip = 0x6000

	// push ebp; nop
	mem.Write(0x6000, 1, 0x55)
	mem.Write(0x6001, 1, 0x90)

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	tracer := NewTracer(log)
	tracer.Trace(vcpu, mem)
	if hook.LastEntry() != nil {
		t.Fatal("traced while disabled")
	}

	tracer.Enable()
	tracer.Trace(vcpu, mem)

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("nothing traced")
	}
	if !strings.Contains(entry.Message, "push") {
		t.Fatalf("trace %q", entry.Message)
	}

	// The same instruction pointer is not traced twice.
	hook.Reset()
	tracer.Trace(vcpu, mem)
	if hook.LastEntry() != nil {
		t.Fatal("duplicate trace")
	}
}

func TestTracerUntranslatable(t *testing.T) {
	vcpu, mem := identityVcpu(ModeProtected)
	vcpu.Rip = 0x00500000 // unmapped

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	tracer := NewTracer(log)
	tracer.Enable()
	tracer.Trace(vcpu, mem)

	entry := hook.LastEntry()
	if entry == nil || !strings.Contains(entry.Message, "??") {
		t.Fatalf("entry %v", entry)
	}
}

func TestDump(t *testing.T) {
	vcpu, _ := identityVcpu(ModeProtected)
	vcpu.Regs[RAX] = 0x1234
	vcpu.SetFlag(FlagZF, true)

	buffer := bytes.NewBuffer(nil)
	vcpu.Dump(buffer)

	out := buffer.String()
	for _, want := range []string{"rax", "1234", "ZF", "protected"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump missing %q:\n%s", want, out)
		}
	}
}
