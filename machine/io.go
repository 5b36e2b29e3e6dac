package machine

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/brianmayclone/anyos-sub009/platform"
)

//
// I/O operations --
//
// All device register access (PIO & MMIO) is constrained to
// one simple interface, so writing devices looks identical in
// each case.
//
// Unlike real hardware, register access never fails in a way
// the guest can observe: devices absorb malformed accesses
// (ignored writes, zero reads). The error return exists for
// host-side faults only.

type IoOperations interface {
	Read(offset uint64, size uint) (uint64, error)
	Write(offset uint64, size uint, value uint64) error
}

type MemoryRegion struct {
	Start platform.Paddr `json:"start"`
	Size  uint64         `json:"size"`
}

func (region MemoryRegion) End() platform.Paddr {
	return region.Start.After(region.Size)
}

func (region MemoryRegion) Contains(start platform.Paddr, size uint64) bool {
	return region.Start <= start && region.End() >= start.After(size)
}

func (region MemoryRegion) Overlaps(other MemoryRegion) bool {
	return region.Start < other.End() && other.Start < region.End()
}

type IoMap map[MemoryRegion]IoOperations
type IoHandlers map[MemoryRegion]*IoHandler

//
// I/O handler --
//
// A handler binds a device's operations to one region. The
// execution contract is single-threaded and synchronous, so
// dispatch is a direct call; no request queues.

type IoHandler struct {
	MemoryRegion

	info       *DeviceInfo
	operations IoOperations
}

func NewIoHandler(
	info *DeviceInfo,
	region MemoryRegion,
	operations IoOperations) *IoHandler {

	return &IoHandler{
		MemoryRegion: region,
		info:         info,
		operations:   operations,
	}
}

func (io *IoHandler) Read(offset uint64, size uint) (uint64, error) {

	value, err := io.operations.Read(offset, size)

	if io.info != nil && io.info.Debug {
		logrus.WithFields(logrus.Fields{
			"device": io.info.Name,
			"offset": offset,
			"size":   size,
			"value":  value,
		}).Debug("io: read")
	}

	return value, err
}

func (io *IoHandler) Write(offset uint64, size uint, value uint64) error {

	err := io.operations.Write(offset, size, value)

	if io.info != nil && io.info.Debug {
		logrus.WithFields(logrus.Fields{
			"device": io.info.Name,
			"offset": offset,
			"size":   size,
			"value":  value,
		}).Debug("io: write")
	}

	return err
}

//
// I/O cache --
//
// A flattened, sorted view of every device's handlers, used
// by the model for its paddr => handler dispatch.

type IoCache struct {
	handlers []*IoHandler

	// Per-address hits, kept for diagnostics.
	hits map[platform.Paddr]uint64
}

func NewIoCache(handlers []IoHandlers) (*IoCache, error) {

	cache := &IoCache{
		handlers: make([]*IoHandler, 0),
		hits:     make(map[platform.Paddr]uint64),
	}

	for _, handler_map := range handlers {
		for region, handler := range handler_map {
			for _, existing := range cache.handlers {
				if region.Overlaps(existing.MemoryRegion) {
					return nil, MemoryConflict
				}
			}
			cache.handlers = append(cache.handlers, handler)
		}
	}

	sort.Slice(cache.handlers, func(i int, j int) bool {
		return cache.handlers[i].Start < cache.handlers[j].Start
	})

	return cache, nil
}

func (cache *IoCache) lookup(addr platform.Paddr) *IoHandler {

	index := sort.Search(len(cache.handlers), func(i int) bool {
		return cache.handlers[i].End() > addr
	})
	if index < len(cache.handlers) &&
		cache.handlers[index].Contains(addr, 1) {
		cache.hits[addr] += 1
		return cache.handlers[index]
	}

	return nil
}
