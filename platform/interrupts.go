package platform

import (
	"math/bits"
)

//
// Interrupt delivery pipeline --
//
// A 256-bit pending-vector mask layered above whatever
// raises vectors (the PIC pair, or any other source). By the
// time a vector lands here it already carries its configured
// offset.
//
// Delivery is sampled at instruction boundaries. It is
// permitted only when the flags word has interrupts enabled
// and no interrupt shadow is active; the lowest-numbered
// pending vector wins. The shadow is asserted by the caller
// for exactly one instruction after a stack-segment reload
// and retired at the next boundary.

const pendingWords = 4

type Interrupts struct {
	// The pending-vector mask.
	Pending [pendingWords]uint64 `json:"pending"`

	// One-shot delivery suppression.
	Shadow bool `json:"shadow"`

	// Set while an exception handler is being resolved, so
	// the caller can escalate a second exception arriving
	// meanwhile into a double fault. The escalation itself
	// is the caller's policy.
	InException bool `json:"in-exception"`
}

func (intr *Interrupts) Raise(vector uint8) {
	intr.Pending[vector/64] |= 1 << (vector % 64)
}

func (intr *Interrupts) Clear(vector uint8) {
	intr.Pending[vector/64] &= ^(uint64(1) << (vector % 64))
}

func (intr *Interrupts) Raised(vector uint8) bool {
	return intr.Pending[vector/64]&(1<<(vector%64)) != 0
}

// Acknowledge consumes a delivered vector.
func (intr *Interrupts) Acknowledge(vector uint8) {
	intr.Clear(vector)
}

// SetShadow suppresses delivery for the next instruction.
func (intr *Interrupts) SetShadow() {
	intr.Shadow = true
}

// Retire marks an instruction boundary, expiring the shadow.
func (intr *Interrupts) Retire() {
	intr.Shadow = false
}

// Sample returns the lowest pending vector, gated on the
// given flags word. It does not consume the vector.
func (intr *Interrupts) Sample(rflags uint64) (uint8, bool) {

	if intr.Shadow || rflags&FlagIF == 0 {
		return 0, false
	}

	for word := 0; word < pendingWords; word += 1 {
		if intr.Pending[word] == 0 {
			continue
		}
		bit := bits.TrailingZeros64(intr.Pending[word])
		return uint8(word*64 + bit), true
	}

	return 0, false
}

func (intr *Interrupts) EnterException() {
	intr.InException = true
}

func (intr *Interrupts) LeaveException() {
	intr.InException = false
}

func (intr *Interrupts) HandlingException() bool {
	return intr.InException
}
