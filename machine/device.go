package machine

import (
	"bytes"
	"encoding/json"

	"github.com/sirupsen/logrus"
)

type DeviceInfo struct {
	// Friendly name.
	Name string `json:"name"`

	// Driver name.
	Driver string `json:"driver"`

	// Device-specific info.
	Data interface{} `json:"data"`

	// Debugging?
	Debug bool `json:"debug"`
}

type Device interface {
	Name() string

	PioHandlers() IoHandlers
	MmioHandlers() IoHandlers

	Attach(model *Model) error

	IsDebugging() bool
	SetDebugging(debug bool)
}

type BaseDevice struct {
	// Pointer to original device info.
	info *DeviceInfo
}

func (device *BaseDevice) init(info *DeviceInfo) error {
	// Save our original device info.
	device.info = info
	return nil
}

func (device *BaseDevice) Name() string {
	return device.info.Name
}

func (device *BaseDevice) PioHandlers() IoHandlers {
	return IoHandlers{}
}

func (device *BaseDevice) MmioHandlers() IoHandlers {
	return IoHandlers{}
}

func (device *BaseDevice) Attach(model *Model) error {
	return nil
}

func (device *BaseDevice) IsDebugging() bool {
	return device.info.Debug
}

func (device *BaseDevice) SetDebugging(debug bool) {
	device.info.Debug = debug
}

//
// PioDevice / MmioDevice --
//
// Convenience bases for devices that expose a single IoMap
// at a fixed offset, the common case for the chipset models
// here.

type PioDevice struct {
	BaseDevice

	IoMap  `json:"-"`
	Offset uint64 `json:"base"`
}

func (pio *PioDevice) PioHandlers() IoHandlers {
	handlers := make(IoHandlers)
	for region, operations := range pio.IoMap {
		at := MemoryRegion{region.Start.After(pio.Offset), region.Size}
		handlers[at] = NewIoHandler(pio.info, at, operations)
	}
	return handlers
}

type MmioDevice struct {
	BaseDevice

	IoMap  `json:"-"`
	Offset uint64 `json:"address"`
}

func (mmio *MmioDevice) MmioHandlers() IoHandlers {
	handlers := make(IoHandlers)
	for region, operations := range mmio.IoMap {
		at := MemoryRegion{region.Start.After(mmio.Offset), region.Size}
		handlers[at] = NewIoHandler(mmio.info, at, operations)
	}
	return handlers
}

// A driver load function.
type Driver func(info *DeviceInfo) (Device, error)

// All available device drivers.
var drivers = map[string]Driver{
	"pic":  NewPic,
	"pit":  NewPit,
	"nic":  NewNic,
	"post": NewPost,
}

func (info DeviceInfo) Load() (Device, error) {

	// Find the appropriate driver.
	driver, ok := drivers[info.Driver]
	if !ok {
		return nil, DriverUnknown(info.Driver)
	}

	// Load the driver.
	device, err := driver(&info)
	if err != nil {
		return nil, err
	}

	if info.Data != nil {
		// Re-encode the device-specific blob and decode it
		// over the initialized device. This overrides the
		// defaults with whatever the spec carried.
		buffer := bytes.NewBuffer(nil)
		err = json.NewEncoder(buffer).Encode(info.Data)
		if err != nil {
			return nil, err
		}
		logrus.WithField("device", device.Name()).Debug("loading")
		err = json.NewDecoder(buffer).Decode(device)
		if err != nil {
			return nil, err
		}
	}

	// We're done.
	return device, nil
}
