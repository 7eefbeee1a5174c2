package process

import (
	"fmt"
	"unsafe"
)

// Read reads a single plain-old-data value of type T from the target.
// T must not contain Go pointers, slices, maps or strings.
func Read[T any](proc Process, addr ProcessMemoryAddress) (T, error) {
	var t T
	size := ProcessMemorySize(unsafe.Sizeof(t))
	if size == 0 {
		return t, nil
	}

	data, err := proc.ReadMemory(addr, size)
	if err != nil {
		return t, err
	}

	copyTo(&t, data)
	return t, nil
}

// Write writes a single plain-old-data value of type T to the target
func Write[T any](proc Process, addr ProcessMemoryAddress, value T) error {
	size := int(unsafe.Sizeof(value))
	if size == 0 {
		return nil
	}
	return proc.WriteMemory(addr, bytesOf(&value, size))
}

// ReadArray reads count consecutive values of type T
func ReadArray[T any](proc Process, addr ProcessMemoryAddress, count int) ([]T, error) {
	if count <= 0 {
		return []T{}, nil
	}

	var zero T
	elem := int(unsafe.Sizeof(zero))
	result := make([]T, count)
	if elem == 0 {
		return result, nil
	}

	data, err := proc.ReadMemory(addr, ProcessMemorySize(elem*count))
	if err != nil {
		return nil, fmt.Errorf("read array of %d at %s: %w", count, addr.ToString(), err)
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(&result[0])), elem*count)
	copy(dst, data)
	return result, nil
}

// WriteArray writes all values of array back to back
func WriteArray[T any](proc Process, addr ProcessMemoryAddress, array []T) error {
	if len(array) == 0 {
		return nil
	}

	elem := int(unsafe.Sizeof(array[0]))
	if elem == 0 {
		return nil
	}

	src := unsafe.Slice((*byte)(unsafe.Pointer(&array[0])), elem*len(array))
	data := make([]byte, len(src))
	copy(data, src)
	return proc.WriteMemory(addr, data)
}

// ReadRelative reads T at main module base + offset
func ReadRelative[T any](proc Process, offset ProcessMemorySize) (T, error) {
	addr, err := proc.ResolveRelative(offset)
	if err != nil {
		var zero T
		return zero, err
	}
	return Read[T](proc, addr)
}

// WriteRelative writes T at main module base + offset
func WriteRelative[T any](proc Process, offset ProcessMemorySize, value T) error {
	addr, err := proc.ResolveRelative(offset)
	if err != nil {
		return err
	}
	return Write(proc, addr, value)
}

// copyTo copies bytes to *T
func copyTo[T any](dst *T, src []byte) {
	size := int(unsafe.Sizeof(*dst))
	if len(src) < size {
		return // Should not happen if ReadMemory succeeded with correct size
	}

	dstBytes := unsafe.Slice((*byte)(unsafe.Pointer(dst)), size)
	copy(dstBytes, src)
}

// bytesOf returns a copy of the in-memory representation of *v
func bytesOf[T any](v *T, size int) []byte {
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(v)), size))
	return out
}
