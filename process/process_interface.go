package process

import (
	"context"

	"gohook/process/memory_map"
)

// Process is the interface that defines operations for interacting with a target process
type Process interface {
	// Open opens a process with the given PID for memory operations
	Open(pid ProcessID) error

	// Close closes the process and releases resources
	Close() error

	// GetPID returns the process ID
	GetPID() ProcessID

	// UpdateMemoryMap refreshes the memory map for the process
	UpdateMemoryMap() error

	// IsValidAddress checks if the given memory address is committed in the target
	IsValidAddress(addr ProcessMemoryAddress) bool

	// GetMemoryMap returns a copy of the current memory map
	GetMemoryMap() ([]memory_map.MemoryMapItem, error)

	// ReadMemory reads memory from the process at the specified address
	ReadMemory(addr ProcessMemoryAddress, size ProcessMemorySize) ([]byte, error)

	// WriteMemory writes data to the process memory at the specified address
	WriteMemory(addr ProcessMemoryAddress, data []byte) error

	// Remote allocation and page protection
	MemoryAllocator

	// Loaded module lookups
	ModuleResolver

	// Thread creation inside the target
	RemoteThreads
}

// MemoryAllocator defines allocation and protection primitives for the target's address space
type MemoryAllocator interface {
	// Allocate commits size bytes with the given protection and returns the remote address
	Allocate(size ProcessMemorySize, protection ProcessMemoryProtection) (ProcessMemoryAddress, error)

	// Free releases an allocation previously returned by Allocate
	Free(addr ProcessMemoryAddress) error

	// SetProtection changes page protection and returns the previous flags
	SetProtection(addr ProcessMemoryAddress, size ProcessMemorySize, protection ProcessMemoryProtection) (ProcessMemoryProtection, error)

	// QueryProtection returns the current protection of the page holding addr
	QueryProtection(addr ProcessMemoryAddress) (ProcessMemoryProtection, error)

	// FlushInstructionCache discards cached instructions for the range
	FlushInstructionCache(addr ProcessMemoryAddress, size ProcessMemorySize) error
}

// ModuleResolver defines module base lookups
type ModuleResolver interface {
	// Modules takes a live snapshot of the target's loaded modules
	Modules() ([]ModuleInfo, error)

	// ResolveModuleBase finds a module by case-insensitive name
	ResolveModuleBase(name string) (ProcessMemoryAddress, error)

	// ResolveRelative returns main module base + offset, resolving the base on first use
	ResolveRelative(offset ProcessMemorySize) (ProcessMemoryAddress, error)

	// SetMainModule selects the image ResolveRelative is relative to and drops the cached base
	SetMainModule(name string)
}

// RemoteThreads defines thread primitives used to run code inside the target
type RemoteThreads interface {
	// CreateRemoteThread starts a thread at entry with param as its single argument
	CreateRemoteThread(entry, param ProcessMemoryAddress) (ThreadHandle, error)

	// WaitThread blocks until the thread exits or ctx is done and returns its exit code
	WaitThread(ctx context.Context, thread ThreadHandle) (uint32, error)

	// TerminateThread forcibly ends a thread that did not finish in time
	TerminateThread(thread ThreadHandle, exitCode uint32) error

	// CloseThread releases the thread handle
	CloseThread(thread ThreadHandle) error
}
