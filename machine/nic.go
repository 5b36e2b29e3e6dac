package machine

import (
	"github.com/brianmayclone/anyos-sub009/platform"
)

//
// Nic --
//
// A simplified gigabit adapter modelled as a flat,
// dword-addressable 128KiB register file with side-effecting
// registers, in the e1000 register layout. Sub-dword accesses
// are resolved by masking and shifting within the containing
// dword; out-of-range offsets are silently absorbed on both
// read and write, the way real MMIO decodes dead space.
//
// Frames arriving from the host land in the receive FIFO and
// assert the receive-timer interrupt cause; frames the guest
// queues for transmission are drained by the host integration
// layer. The transport moving bytes anywhere real is out of
// scope.

const (
	NicRegisterCount = 32768
	NicRegisterBytes = NicRegisterCount * 4
	NicEepromWords   = 64
)

// Register byte offsets.
const (
	NicCtrl   = 0x0000
	NicStatus = 0x0008
	NicEerd   = 0x0014
	NicIcr    = 0x00c0
	NicIcs    = 0x00c8
	NicIms    = 0x00d0
	NicImc    = 0x00d8
	NicRal    = 0x5400
	NicRah    = 0x5404
)

// Control register bits.
const (
	NicCtrlReset = 1 << 26
)

// Status register bits (read-only).
const (
	NicStatusFullDuplex = 1 << 0
	NicStatusLinkUp     = 1 << 1
	NicStatusSpeed1000  = 2 << 6
)

// EEPROM-read register fields.
const (
	NicEerdStart     = 1 << 0
	NicEerdDone      = 1 << 4
	NicEerdAddrShift = 8
	NicEerdDataShift = 16
)

// Interrupt cause bits.
const (
	NicIntTxDone  = 1 << 0
	NicIntRxTimer = 1 << 7
)

// RAH marks the address slot valid.
const (
	NicRahValid = 1 << 31
)

// The EEPROM checksum: the 64 words sum to this.
const nicEepromSum = 0xbaba

type Nic struct {
	MmioDevice

	// The flat register file.
	regs [NicRegisterCount]uint32

	// The burned-in MAC address.
	Mac [6]byte `json:"mac"`

	// The EEPROM image.
	Eeprom [NicEepromWords]uint16 `json:"eeprom"`

	// Packet queues.
	rx [][]byte
	tx [][]byte
}

func (nic *Nic) reg(offset uint64) *uint32 {
	return &nic.regs[offset>>2]
}

// readReg reads a dword register, applying read side effects.
func (nic *Nic) readReg(offset uint64) uint32 {

	switch offset {
	case NicIcr:
		// Read-to-clear.
		value := nic.regs[offset>>2]
		nic.regs[offset>>2] = 0
		return value
	}

	return nic.regs[offset>>2]
}

// writeReg writes a dword register, applying write side
// effects.
func (nic *Nic) writeReg(offset uint64, value uint32) {

	switch offset {
	case NicCtrl:
		if value&NicCtrlReset != 0 {
			// The reset bit is self-clearing.
			nic.Reset()
			return
		}
		*nic.reg(offset) = value

	case NicStatus:
		// Read-only.

	case NicEerd:
		if value&NicEerdStart != 0 {
			addr := (value >> NicEerdAddrShift) & (NicEepromWords - 1)
			*nic.reg(offset) = NicEerdDone |
				addr<<NicEerdAddrShift |
				uint32(nic.Eeprom[addr])<<NicEerdDataShift
		} else {
			*nic.reg(offset) = 0
		}

	case NicIcr:
		// Write-one-to-clear.
		*nic.reg(offset) &= ^value

	case NicIcs:
		*nic.reg(NicIcr) |= value

	case NicIms:
		*nic.reg(offset) |= value

	case NicImc:
		*nic.reg(NicIms) &= ^value

	case NicRal, NicRah:
		*nic.reg(offset) = value
		nic.Mac = nic.macFromSlots()

	default:
		*nic.reg(offset) = value
	}
}

// IoOperations: sub-dword accesses resolve within the
// containing dword.

func (nic *Nic) Read(offset uint64, size uint) (uint64, error) {

	if offset+uint64(size) > NicRegisterBytes {
		// Dead space.
		return 0, nil
	}

	aligned := platform.Align(offset, 4, false)
	shift := (offset - aligned) * 8
	value := uint64(nic.readReg(aligned))

	return (value >> shift) & sizeMask(size), nil
}

func (nic *Nic) Write(offset uint64, size uint, value uint64) error {

	if offset+uint64(size) > NicRegisterBytes {
		// Dead space.
		return nil
	}

	aligned := platform.Align(offset, 4, false)
	shift := (offset - aligned) * 8
	mask := uint32(sizeMask(size) << shift)

	// Merge around the raw value; side effects fire once on
	// the assembled dword write.
	old := nic.regs[aligned>>2]
	merged := (old & ^mask) | (uint32(value<<shift) & mask)
	nic.writeReg(aligned, merged)

	return nil
}

func (nic *Nic) macFromSlots() [6]byte {
	var mac [6]byte
	ral := nic.regs[NicRal>>2]
	rah := nic.regs[NicRah>>2]
	mac[0] = byte(ral)
	mac[1] = byte(ral >> 8)
	mac[2] = byte(ral >> 16)
	mac[3] = byte(ral >> 24)
	mac[4] = byte(rah)
	mac[5] = byte(rah >> 8)
	return mac
}

func (nic *Nic) installMac() {
	nic.regs[NicRal>>2] = uint32(nic.Mac[0]) |
		uint32(nic.Mac[1])<<8 |
		uint32(nic.Mac[2])<<16 |
		uint32(nic.Mac[3])<<24
	nic.regs[NicRah>>2] = uint32(nic.Mac[4]) |
		uint32(nic.Mac[5])<<8 |
		NicRahValid
}

// installEeprom builds the EEPROM image: the MAC in words
// 0-2 and the checksum word balancing the sum.
func (nic *Nic) installEeprom() {
	nic.Eeprom[0] = uint16(nic.Mac[0]) | uint16(nic.Mac[1])<<8
	nic.Eeprom[1] = uint16(nic.Mac[2]) | uint16(nic.Mac[3])<<8
	nic.Eeprom[2] = uint16(nic.Mac[4]) | uint16(nic.Mac[5])<<8

	var sum uint16
	for _, word := range nic.Eeprom[:NicEepromWords-1] {
		sum += word
	}
	nic.Eeprom[NicEepromWords-1] = nicEepromSum - sum
}

// Reset reinitializes every register except the status
// register and the two MAC-address slots, drops both packet
// queues, and leaves the EEPROM image intact.
func (nic *Nic) Reset() {

	ral := nic.regs[NicRal>>2]
	rah := nic.regs[NicRah>>2]

	for i := range nic.regs {
		nic.regs[i] = 0
	}

	nic.regs[NicStatus>>2] = NicStatusLinkUp |
		NicStatusFullDuplex |
		NicStatusSpeed1000
	nic.regs[NicRal>>2] = ral
	nic.regs[NicRah>>2] = rah

	nic.rx = nil
	nic.tx = nil
}

// Receive appends an inbound frame to the receive FIFO and
// asserts the receive-timer cause.
func (nic *Nic) Receive(frame []byte) {
	copied := make([]byte, len(frame))
	copy(copied, frame)
	nic.rx = append(nic.rx, copied)
	nic.regs[NicIcr>>2] |= NicIntRxTimer
}

// NextReceived pops the oldest frame from the receive FIFO.
func (nic *Nic) NextReceived() ([]byte, bool) {
	if len(nic.rx) == 0 {
		return nil, false
	}
	frame := nic.rx[0]
	nic.rx = nic.rx[1:]
	return frame, true
}

// QueueTransmit is the guest-side enqueue used by the MMIO
// integration when it has assembled an outbound frame.
func (nic *Nic) QueueTransmit(frame []byte) {
	copied := make([]byte, len(frame))
	copy(copied, frame)
	nic.tx = append(nic.tx, copied)
	nic.regs[NicIcr>>2] |= NicIntTxDone
}

// DrainTransmit empties and returns the frames queued for
// transmission, for forwarding by the host integration layer.
func (nic *Nic) DrainTransmit() [][]byte {
	frames := nic.tx
	nic.tx = nil
	return frames
}

// Asserted reports whether an unmasked cause is raised.
func (nic *Nic) Asserted() bool {
	return nic.regs[NicIcr>>2]&nic.regs[NicIms>>2] != 0
}

func (nic *Nic) Attach(model *Model) error {
	// The MAC may have been overridden by device data;
	// resync the EEPROM image and the address slots.
	nic.installEeprom()
	nic.installMac()
	return nil
}

func NewNic(info *DeviceInfo) (Device, error) {

	nic := new(Nic)
	nic.Mac = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	nic.MmioDevice.Offset = 0xf0000000
	nic.MmioDevice.IoMap = IoMap{
		MemoryRegion{0, NicRegisterBytes}: nic,
	}

	nic.installEeprom()
	nic.Reset()
	nic.installMac()

	return nic, nic.init(info)
}
