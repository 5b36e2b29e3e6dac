package machine

import (
	"errors"
	"fmt"
)

// Memory layout errors.
var MemoryConflict = errors.New("Memory regions conflict!")

// Interrupt wiring errors.
var InterruptConflict = errors.New("Device interrupt conflict!")

// Driver errors.
func DriverUnknown(name string) error {
	return errors.New(fmt.Sprintf("Unknown driver: %s", name))
}
