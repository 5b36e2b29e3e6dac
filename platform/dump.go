package platform

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

var registerNames = []string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

var flagNames = []struct {
	mask uint64
	name string
}{
	{FlagCF, "CF"},
	{FlagPF, "PF"},
	{FlagAF, "AF"},
	{FlagZF, "ZF"},
	{FlagSF, "SF"},
	{FlagTF, "TF"},
	{FlagIF, "IF"},
	{FlagDF, "DF"},
	{FlagOF, "OF"},
	{FlagNT, "NT"},
	{FlagRF, "RF"},
	{FlagVM, "VM"},
	{FlagAC, "AC"},
	{FlagID, "ID"},
}

// Dump writes a colored register and flags snapshot, for
// interactive debugging against a wedged guest.
func (vcpu *Vcpu) Dump(w io.Writer) {

	heading := color.New(color.FgYellow)
	value := color.New(color.FgCyan)

	heading.Fprintf(w, "vcpu [%s mode, cpl %d]\n", vcpu.Mode, vcpu.Cpl)

	for i, name := range registerNames {
		value.Fprintf(w, "%-4s=%016x", name, uint64(vcpu.Regs[i]))
		if i%2 == 1 {
			fmt.Fprintln(w)
		} else {
			fmt.Fprint(w, "  ")
		}
	}

	value.Fprintf(w, "rip =%016x  cr3 =%016x\n",
		uint64(vcpu.Rip), uint64(vcpu.Cr3))

	flags := "rflags="
	for _, flag := range flagNames {
		if vcpu.Rflags&flag.mask != 0 {
			flags += flag.name + " "
		}
	}
	flags += fmt.Sprintf("iopl%d", vcpu.Iopl())
	value.Fprintln(w, flags)
}
