package machine

import (
	"github.com/brianmayclone/anyos-sub009/platform"
)

//
// Model --
//
// The chipset model: it owns the device instances, flattens
// their port and MMIO handler maps into dispatch caches, and
// carries the interrupt wiring between them: the PIT's
// channel-0 output and the NIC's cause line feed PIC lines,
// and resolved PIC vectors land in a delivery pipeline as
// pending bits.
//
// The surrounding system decides when guest port and MMIO
// accesses reach PortIn/PortOut/MmioRead/MmioWrite, and when
// the clock ticks. Everything here is synchronous; nothing
// locks. Serializing cross-CPU access to a shared model is
// the caller's responsibility.

const (
	TimerIrq      platform.Irq = 0
	DefaultNicIrq platform.Irq = 11
)

type Model struct {

	// All devices.
	devices []Device

	// Our device lookup caches.
	pio_cache  *IoCache
	mmio_cache *IoCache

	// The chipset wiring.
	pic *Pic
	pit *Pit
	nic *Nic

	// The NIC's interrupt line.
	NicIrq platform.Irq `json:"nic-irq"`

	// Where resolved vectors land.
	intr *platform.Interrupts
}

func NewModel(intr *platform.Interrupts) (*Model, error) {

	// Create our model object.
	model := new(Model)
	model.devices = make([]Device, 0)
	model.NicIrq = DefaultNicIrq
	model.intr = intr

	// We're set.
	return model, nil
}

func (model *Model) flush() error {

	collectIoHandlers := func(is_pio bool) []IoHandlers {
		io_handlers := make([]IoHandlers, 0)
		for _, device := range model.devices {
			if is_pio {
				io_handlers = append(io_handlers, device.PioHandlers())
			} else {
				io_handlers = append(io_handlers, device.MmioHandlers())
			}
		}
		return io_handlers
	}

	var err error
	model.pio_cache, err = NewIoCache(collectIoHandlers(true))
	if err != nil {
		return err
	}
	model.mmio_cache, err = NewIoCache(collectIoHandlers(false))
	if err != nil {
		return err
	}

	// We're okay.
	return nil
}

func (model *Model) Devices() []Device {
	return model.devices
}

func (model *Model) AddDevice(device Device) error {

	// Remember the chipset pieces we wire together.
	switch typed := device.(type) {
	case *Pic:
		model.pic = typed
	case *Pit:
		model.pit = typed
	case *Nic:
		model.nic = typed
	}

	if err := device.Attach(model); err != nil {
		return err
	}

	model.devices = append(model.devices, device)
	return model.flush()
}

// CreateDevices loads a device spec, a JSON DeviceInfo list.
func (model *Model) CreateDevices(spec []DeviceInfo, debug bool) error {

	for _, info := range spec {
		device, err := info.Load()
		if err != nil {
			return err
		}

		if debug {
			device.SetDebugging(debug)
		}

		if err := model.AddDevice(device); err != nil {
			return err
		}
	}

	return nil
}

func (model *Model) Pic() *Pic {
	return model.pic
}

func (model *Model) Pit() *Pit {
	return model.pit
}

func (model *Model) Nic() *Nic {
	return model.nic
}

// SetNicIrq moves the adapter onto another line. Line 0 is
// the timer and line 2 the cascade input; neither is
// shareable here.
func (model *Model) SetNicIrq(line platform.Irq) error {
	if line == TimerIrq || line == PicCascadeLine || line >= 2*PicLineCount {
		return InterruptConflict
	}
	model.NicIrq = line
	return nil
}

// Port and MMIO dispatch. Unrouted addresses are absorbed:
// reads float zero, writes vanish, like real dead bus space.

func (model *Model) PortIn(port uint16, size uint) uint64 {

	handler := model.pio_cache.lookup(platform.Paddr(port))
	if handler == nil {
		return 0
	}

	value, err := handler.Read(
		platform.Paddr(port).OffsetFrom(handler.Start), size)
	if err != nil {
		return 0
	}
	return value
}

func (model *Model) PortOut(port uint16, size uint, value uint64) {

	handler := model.pio_cache.lookup(platform.Paddr(port))
	if handler == nil {
		return
	}

	handler.Write(
		platform.Paddr(port).OffsetFrom(handler.Start), size, value)
	model.syncInterrupts()
}

func (model *Model) MmioRead(addr platform.Paddr, size uint) uint64 {

	handler := model.mmio_cache.lookup(addr)
	if handler == nil {
		return 0
	}

	value, err := handler.Read(addr.OffsetFrom(handler.Start), size)
	if err != nil {
		return 0
	}
	model.syncInterrupts()
	return value
}

func (model *Model) MmioWrite(addr platform.Paddr, size uint, value uint64) {

	handler := model.mmio_cache.lookup(addr)
	if handler == nil {
		return
	}

	handler.Write(addr.OffsetFrom(handler.Start), size, value)
	model.syncInterrupts()
}

// Tick advances the timer clock one step and propagates the
// chipset's interrupt lines.
func (model *Model) Tick() {

	if model.pit != nil && model.pit.Tick() {
		if model.pic != nil {
			model.pic.Raise(TimerIrq)
		}
	}

	model.syncInterrupts()
}

// Deliver appends an inbound frame for the guest.
func (model *Model) Deliver(frame []byte) {
	if model.nic == nil {
		return
	}
	model.nic.Receive(frame)
	model.syncInterrupts()
}

// syncInterrupts recomputes the NIC line and funnels the
// PIC's resolved vector into the pending mask.
func (model *Model) syncInterrupts() {

	if model.pic == nil {
		return
	}

	if model.nic != nil {
		if model.nic.Asserted() {
			model.pic.Raise(model.NicIrq)
		} else {
			model.pic.Lower(model.NicIrq)
		}
	}

	if model.intr == nil {
		return
	}
	if vector, ok := model.pic.Pending(); ok {
		model.intr.Raise(vector)
	}
}

// Acknowledge accepts the pending vector at the CPU: the PIC
// moves the line into service and the pipeline bit clears.
func (model *Model) Acknowledge() (uint8, bool) {

	if model.pic == nil {
		return 0, false
	}

	vector, ok := model.pic.Acknowledge()
	if !ok {
		return 0, false
	}
	if model.intr != nil {
		model.intr.Acknowledge(vector)
	}
	return vector, true
}
