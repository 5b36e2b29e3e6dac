package machine

//
// Pit --
//
// The legacy 8253/8254 three-channel interval timer on ports
// 0x40-0x43. Each channel is a 16-bit down-counter with an
// output pin, an operating mode, and an access mode deciding
// how the 16-bit reload value is assembled from byte writes.
// Channel 0's rising output edge is the legacy system-timer
// interrupt line; channel 2 historically feeds the speaker.
//
// The shared clock is advanced by Tick(). Mode 3 uses the
// even decrement-by-two square-wave model; the asymmetric
// duty cycle real silicon produces for odd reload values is
// deliberately not reproduced.

const (
	PitChannel0 = 0x40
	PitChannel1 = 0x41
	PitChannel2 = 0x42
	PitCommand  = 0x43
)

type PitAccess uint8

const (
	PitAccessLatch PitAccess = iota
	PitAccessLow
	PitAccessHigh
	PitAccessBoth
)

type PitMode uint8

const (
	PitModeOneShot    PitMode = 0 // interrupt on terminal count
	PitModeHwOneShot  PitMode = 1
	PitModeRateGen    PitMode = 2
	PitModeSquareWave PitMode = 3
	PitModeSwStrobe   PitMode = 4
	PitModeHwStrobe   PitMode = 5
)

type PitChannel struct {
	// The 16-bit reload value.
	Reload uint16 `json:"reload"`

	// The live down-counter.
	Count uint16 `json:"count"`

	// The output pin.
	Output bool `json:"output"`

	// Operating and access modes.
	Mode   PitMode   `json:"mode"`
	Access PitAccess `json:"access"`

	// The latched snapshot.
	Latch   uint16 `json:"latch"`
	Latched bool   `json:"latched"`

	// Byte-order toggles for split reads and writes.
	readHigh  bool
	writeHigh bool

	// The gate input.
	Gate bool `json:"gate"`

	// Armed once a full reload value has been supplied.
	Armed bool `json:"armed"`
}

// setCounter installs a freshly assembled reload value and
// arms the channel.
func (channel *PitChannel) setCounter(reload uint16) {
	channel.Reload = reload
	channel.Count = reload
	channel.Armed = true
	switch channel.Mode {
	case PitModeOneShot:
		// Output latches high only at terminal count.
		channel.Output = false
	default:
		channel.Output = true
	}
}

func (channel *PitChannel) writeCounter(val uint8) {

	switch channel.Access {
	case PitAccessLow:
		channel.setCounter(uint16(val))

	case PitAccessHigh:
		channel.setCounter(uint16(val) << 8)

	case PitAccessBoth:
		if !channel.writeHigh {
			// The low byte alone does not arm the channel.
			channel.Reload = (channel.Reload & 0xff00) | uint16(val)
			channel.writeHigh = true
		} else {
			channel.writeHigh = false
			channel.setCounter((channel.Reload & 0x00ff) | uint16(val)<<8)
		}
	}
}

func (channel *PitChannel) readCounter() uint8 {

	// Latched reads drain before live reads resume.
	value := channel.Count
	if channel.Latched {
		value = channel.Latch
	}

	var result uint8
	switch channel.Access {
	case PitAccessLow:
		result = uint8(value)
		channel.Latched = false

	case PitAccessHigh:
		result = uint8(value >> 8)
		channel.Latched = false

	default:
		if !channel.readHigh {
			result = uint8(value)
			channel.readHigh = true
		} else {
			result = uint8(value >> 8)
			channel.readHigh = false
			channel.Latched = false
		}
	}

	return result
}

// latch snapshots the live counter; further latch commands
// before the snapshot is drained are ignored.
func (channel *PitChannel) latch() {
	if !channel.Latched {
		channel.Latch = channel.Count
		channel.Latched = true
		channel.readHigh = false
	}
}

func (channel *PitChannel) configure(access PitAccess, mode PitMode) {
	channel.Access = access
	channel.Mode = mode
	channel.Armed = false
	channel.Output = mode != PitModeOneShot
	channel.readHigh = false
	channel.writeHigh = false
}

// tick advances the channel one clock and reports whether the
// output made a low-to-high transition (for modes that reload
// within a single clock, the rise is reported even though the
// low phase is not observable).
func (channel *PitChannel) tick() bool {

	if !channel.Armed || !channel.Gate {
		return false
	}

	switch channel.Mode {
	case PitModeOneShot:
		if channel.Count == 0 {
			return false
		}
		channel.Count -= 1
		if channel.Count == 0 {
			// Terminal count: output latches high.
			channel.Output = true
			return true
		}
		return false

	case PitModeRateGen:
		if channel.Count > 1 {
			channel.Count -= 1
			if channel.Count == 1 {
				// The single low tick of the period.
				channel.Output = false
			}
			return false
		}
		channel.Count = channel.Reload
		channel.Output = true
		return true

	case PitModeSquareWave:
		if channel.Count > 2 {
			channel.Count -= 2
			return false
		}
		channel.Count = channel.Reload
		channel.Output = !channel.Output
		return channel.Output

	default:
		// The strobe and hardware-triggered modes just
		// decrement and reload on zero here; their one-tick
		// output pulses are not modelled.
		channel.Count -= 1
		if channel.Count == 0 {
			channel.Count = channel.Reload
		}
		return false
	}
}

type Pit struct {
	PioDevice

	Channels [3]PitChannel `json:"channels"`
}

type pitCounter struct {
	pit   *Pit
	index int
}

type pitCommand struct {
	pit *Pit
}

func (port *pitCounter) Read(offset uint64, size uint) (uint64, error) {
	return uint64(port.pit.Channels[port.index].readCounter()), nil
}

func (port *pitCounter) Write(offset uint64, size uint, value uint64) error {
	port.pit.Channels[port.index].writeCounter(uint8(value))
	return nil
}

func (port *pitCommand) Read(offset uint64, size uint) (uint64, error) {
	// The command register is write-only; reads float.
	return 0, nil
}

func (port *pitCommand) Write(offset uint64, size uint, value uint64) error {

	val := uint8(value)
	index := (val >> 6) & 0x3
	access := PitAccess((val >> 4) & 0x3)
	mode := PitMode((val >> 1) & 0x7)

	if index == 3 {
		// Read-back command: accepted and ignored.
		return nil
	}

	channel := &port.pit.Channels[index]
	if access == PitAccessLatch {
		channel.latch()
		return nil
	}

	channel.configure(access, mode)
	return nil
}

func NewPit(info *DeviceInfo) (Device, error) {

	pit := new(Pit)
	for i := range pit.Channels {
		pit.Channels[i].Gate = true
		pit.Channels[i].Access = PitAccessBoth
		pit.Channels[i].Mode = PitModeSquareWave
	}

	pit.PioDevice.Offset = 0
	pit.PioDevice.IoMap = IoMap{
		MemoryRegion{PitChannel0, 1}: &pitCounter{pit, 0},
		MemoryRegion{PitChannel1, 1}: &pitCounter{pit, 1},
		MemoryRegion{PitChannel2, 1}: &pitCounter{pit, 2},
		MemoryRegion{PitCommand, 1}:  &pitCommand{pit},
	}

	return pit, pit.init(info)
}

// SetGate drives a channel's gate input; a low gate holds the
// counter.
func (pit *Pit) SetGate(index int, level bool) {
	pit.Channels[index].Gate = level
}

// Tick advances all three channels one clock and reports
// whether channel 0's output rose, the source of the legacy
// system-timer interrupt.
func (pit *Pit) Tick() bool {

	fired := pit.Channels[0].tick()
	pit.Channels[1].tick()
	pit.Channels[2].tick()

	return fired
}
