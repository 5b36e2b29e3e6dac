package machine

import (
	"math/bits"

	"github.com/brianmayclone/anyos-sub009/platform"
)

//
// Pic --
//
// The legacy dual 8259A interrupt controller: a master chip
// on ports 0x20/0x21 and a slave on 0xa0/0xa1, with the
// slave's output cascaded into master line 2. Guest port
// writes drive the 4-step initialization protocol and the
// operating commands; devices raise and lower lines; the
// model asks for the resolved vector at delivery time.
//
// The one place state must stay consistent across both chips
// is the cascade bit: master line 2 is pending exactly while
// some slave line is pending and unmasked.

const (
	PicMasterCommand = 0x20
	PicMasterData    = 0x21
	PicSlaveCommand  = 0xa0
	PicSlaveData     = 0xa1
)

const (
	PicCascadeLine = 2
	PicLineCount   = 8
)

// ICW1 bits.
const (
	PicIcw1Icw4   = 0x01
	PicIcw1Single = 0x02
	PicIcw1Init   = 0x10
)

// ICW4 bits.
const (
	PicIcw4AutoEoi = 0x02
)

// OCW2 bits.
const (
	PicOcw2Eoi      = 0x20
	PicOcw2Specific = 0x40
)

// OCW3 bits.
const (
	PicOcw3        = 0x08
	PicOcw3ReadReg = 0x02
	PicOcw3ReadIsr = 0x01
)

// The initialization-sequence steps.
const (
	picReady = iota
	picExpectVector
	picExpectCascade
	picExpectMode
)

type PicChip struct {
	// The three operating registers.
	Irr uint8 `json:"irr"`
	Isr uint8 `json:"isr"`
	Imr uint8 `json:"imr"`

	// The configured vector offset (ICW2).
	VectorBase uint8 `json:"vector-base"`

	// Auto-EOI mode (ICW4)?
	AutoEoi bool `json:"auto-eoi"`

	// Command-port read select (OCW3): service register
	// instead of request register?
	ReadIsr bool `json:"read-isr"`

	// Initialization sequence state.
	initWords [4]uint8
	initStep  int
}

// ready is the set of lines requested, unmasked and not in
// service; resolution scans it for the lowest set bit.
func (chip *PicChip) ready() uint8 {
	return chip.Irr & ^chip.Imr & ^chip.Isr
}

func (chip *PicChip) writeCommand(val uint8) {

	if val&PicIcw1Init != 0 {
		// ICW1: reset and restart the sequence.
		chip.Irr = 0
		chip.Isr = 0
		chip.Imr = 0
		chip.AutoEoi = false
		chip.ReadIsr = false
		chip.initWords[0] = val
		chip.initStep = picExpectVector
		return
	}

	if val&PicOcw3 != 0 {
		// OCW3: the read-select toggle.
		if val&PicOcw3ReadReg != 0 {
			chip.ReadIsr = val&PicOcw3ReadIsr != 0
		}
		return
	}

	// OCW2: end of interrupt.
	if val&PicOcw2Eoi != 0 {
		if val&PicOcw2Specific != 0 {
			chip.Isr &= ^(uint8(1) << (val & 0x7))
		} else if chip.Isr != 0 {
			chip.Isr &= ^(uint8(1) << uint(bits.TrailingZeros8(chip.Isr)))
		}
	}
}

func (chip *PicChip) writeData(val uint8) {

	switch chip.initStep {
	case picExpectVector:
		// ICW2: the vector offset.
		chip.VectorBase = val
		chip.initWords[1] = val
		chip.initStep = picExpectCascade

	case picExpectCascade:
		// ICW3: cascade wiring, informational.
		chip.initWords[2] = val
		if chip.initWords[0]&PicIcw1Icw4 != 0 {
			chip.initStep = picExpectMode
		} else {
			chip.initStep = picReady
		}

	case picExpectMode:
		// ICW4: the mode word.
		chip.initWords[3] = val
		chip.AutoEoi = val&PicIcw4AutoEoi != 0
		chip.initStep = picReady

	default:
		// OCW1: a plain mask replacement.
		chip.Imr = val
	}
}

func (chip *PicChip) readCommand() uint8 {
	if chip.ReadIsr {
		return chip.Isr
	}
	return chip.Irr
}

func (chip *PicChip) readData() uint8 {
	return chip.Imr
}

type Pic struct {
	PioDevice

	Master PicChip `json:"master"`
	Slave  PicChip `json:"slave"`
}

// Per-port operations, one wrapper struct per port.

type picCommand struct {
	pic   *Pic
	slave bool
}

type picData struct {
	pic   *Pic
	slave bool
}

func (port *picCommand) chip() *PicChip {
	if port.slave {
		return &port.pic.Slave
	}
	return &port.pic.Master
}

func (port *picData) chip() *PicChip {
	if port.slave {
		return &port.pic.Slave
	}
	return &port.pic.Master
}

func (port *picCommand) Read(offset uint64, size uint) (uint64, error) {
	return uint64(port.chip().readCommand()), nil
}

func (port *picCommand) Write(offset uint64, size uint, value uint64) error {
	port.chip().writeCommand(uint8(value))
	port.pic.syncCascade()
	return nil
}

func (port *picData) Read(offset uint64, size uint) (uint64, error) {
	return uint64(port.chip().readData()), nil
}

func (port *picData) Write(offset uint64, size uint, value uint64) error {
	port.chip().writeData(uint8(value))
	port.pic.syncCascade()
	return nil
}

func NewPic(info *DeviceInfo) (Device, error) {

	pic := new(Pic)
	pic.Master.VectorBase = 0x08
	pic.Slave.VectorBase = 0x70
	pic.PioDevice.Offset = 0
	pic.PioDevice.IoMap = IoMap{
		MemoryRegion{PicMasterCommand, 1}: &picCommand{pic, false},
		MemoryRegion{PicMasterData, 1}:    &picData{pic, false},
		MemoryRegion{PicSlaveCommand, 1}:  &picCommand{pic, true},
		MemoryRegion{PicSlaveData, 1}:     &picData{pic, true},
	}

	return pic, pic.init(info)
}

// syncCascade recomputes master line 2 from the slave's
// pending, unmasked lines. Called after anything that can
// move either chip's request or mask state.
func (pic *Pic) syncCascade() {
	if pic.Slave.Irr & ^pic.Slave.Imr != 0 {
		pic.Master.Irr |= 1 << PicCascadeLine
	} else {
		pic.Master.Irr &= ^uint8(1 << PicCascadeLine)
	}
}

// Raise asserts line n (0-15).
func (pic *Pic) Raise(line platform.Irq) {
	if line < PicLineCount {
		pic.Master.Irr |= 1 << line
		return
	}
	if line < 2*PicLineCount {
		pic.Slave.Irr |= 1 << (line - PicLineCount)
		pic.syncCascade()
	}
}

// Lower deasserts line n (0-15).
func (pic *Pic) Lower(line platform.Irq) {
	if line < PicLineCount {
		pic.Master.Irr &= ^(uint8(1) << line)
		return
	}
	if line < 2*PicLineCount {
		pic.Slave.Irr &= ^(uint8(1) << (line - PicLineCount))
		pic.syncCascade()
	}
}

// Pending resolves the vector that would be delivered, without
// changing any state: the lowest ready master line, chased
// through the slave when it is the cascade line.
func (pic *Pic) Pending() (uint8, bool) {

	ready := pic.Master.ready()
	if ready == 0 {
		return 0, false
	}

	line := uint(bits.TrailingZeros8(ready))
	if line == PicCascadeLine {
		slaveReady := pic.Slave.ready()
		if slaveReady == 0 {
			return 0, false
		}
		slaveLine := uint(bits.TrailingZeros8(slaveReady))
		return pic.Slave.VectorBase + uint8(slaveLine), true
	}

	return pic.Master.VectorBase + uint8(line), true
}

// Acknowledge moves the resolved line from request to service
// (mirroring cascade bits on the master) and returns its
// vector. Auto-EOI clears the service bit again immediately.
func (pic *Pic) Acknowledge() (uint8, bool) {

	ready := pic.Master.ready()
	if ready == 0 {
		return 0, false
	}

	line := uint(bits.TrailingZeros8(ready))
	if line != PicCascadeLine {
		pic.Master.Irr &= ^(uint8(1) << line)
		if !pic.Master.AutoEoi {
			pic.Master.Isr |= 1 << line
		}
		return pic.Master.VectorBase + uint8(line), true
	}

	slaveReady := pic.Slave.ready()
	if slaveReady == 0 {
		return 0, false
	}
	slaveLine := uint(bits.TrailingZeros8(slaveReady))

	pic.Slave.Irr &= ^(uint8(1) << slaveLine)
	if !pic.Slave.AutoEoi {
		pic.Slave.Isr |= 1 << slaveLine
	}
	if !pic.Master.AutoEoi {
		pic.Master.Isr |= 1 << PicCascadeLine
	}
	pic.syncCascade()

	return pic.Slave.VectorBase + uint8(slaveLine), true
}
