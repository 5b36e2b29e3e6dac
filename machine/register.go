package machine

//
// Register --
//
// A single device register with immediate, bounds-checked
// reads and writes. Sub-register accesses are resolved by
// masking and shifting within the backing value, which is
// what volatile memory-mapped register pointers amount to in
// a managed language.

type Register struct {
	// The value of the register.
	Value uint64 `json:"value"`

	// Read-only bits?
	readonly uint64

	// Clear these bits on read.
	readclr uint64
}

func sizeMask(size uint) uint64 {
	switch size {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	case 4:
		return 0xffffffff
	}
	return ^uint64(0)
}

func (register *Register) Read(offset uint64, size uint) (uint64, error) {

	mask := sizeMask(size) << (8 * offset)
	value := (register.Value & mask) >> (8 * offset)

	register.Value = register.Value & ^(mask & register.readclr)
	return value, nil
}

func (register *Register) Write(offset uint64, size uint, value uint64) error {

	mask := (sizeMask(size) << (8 * offset)) & ^register.readonly
	value = (value << (8 * offset)) & mask

	register.Value = (register.Value & ^mask) | value
	return nil
}
