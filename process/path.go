package process

import "fmt"

// FollowPath walks a chain of 32-bit pointers. Every offset but the last is added to the
// current address and the pointer stored there is loaded; the last offset is added to
// the final pointer. An empty chain ends at base.
func FollowPath(proc Process, base ProcessMemoryAddress, offsets ...ProcessMemorySize) (ProcessMemoryAddress, error) {
	if len(offsets) == 0 {
		return base, nil
	}

	addr := base
	last := len(offsets) - 1
	for hop, off := range offsets[:last] {
		at := addr + ProcessMemoryAddress(off)
		ptr, err := Read[uint32](proc, at)
		if err != nil {
			return 0, fmt.Errorf("hop %d: pointer at %s: %w", hop, at.ToString(), err)
		}
		if ptr == 0 {
			return 0, fmt.Errorf("hop %d: null pointer at %s: %w", hop, at.ToString(), ErrInvalidPointer)
		}
		addr = ProcessMemoryAddress(ptr)
	}
	return addr + ProcessMemoryAddress(offsets[last]), nil
}

// ReadPath reads a T where FollowPath ends
func ReadPath[T any](proc Process, base ProcessMemoryAddress, offsets ...ProcessMemorySize) (T, error) {
	addr, err := FollowPath(proc, base, offsets...)
	if err != nil {
		var zero T
		return zero, err
	}
	return Read[T](proc, addr)
}
