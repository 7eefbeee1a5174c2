// Package process provides interfaces and types for manipulating another process's memory
package process

import "errors"

var (
	// ErrProcessOpen is returned when the OS refuses the requested access rights or the PID does not exist.
	ErrProcessOpen = errors.New("cannot open process")

	// ErrProcessNotOpen is returned when an operation requiring an open process is attempted
	// before the process has been successfully opened or after it has been closed.
	ErrProcessNotOpen = errors.New("process not open")

	// ErrModuleNotFound is returned when no loaded module matches the requested name.
	ErrModuleNotFound = errors.New("module not found")

	// ErrMemoryAccess is returned when a read or write fails or transfers fewer bytes than requested.
	ErrMemoryAccess = errors.New("memory access failed")

	// ErrMemoryProtect is returned when page protection cannot be queried or changed.
	ErrMemoryProtect = errors.New("memory protection change failed")

	// ErrAllocation is returned when a local or remote allocation fails.
	ErrAllocation = errors.New("allocation failed")

	// ErrRemoteThread is returned when a thread cannot be created or observed in the target.
	ErrRemoteThread = errors.New("remote thread failed")

	// ErrRemoteThreadTimeout is returned when waiting for a remote thread exceeds its deadline.
	ErrRemoteThreadTimeout = errors.New("remote thread wait timed out")

	// ErrAddressNotMapped is returned when a memory address is not found within any mapped region of a process.
	ErrAddressNotMapped = errors.New("address not mapped")

	ErrInvalidPointer = errors.New("invalid pointer read")
)
