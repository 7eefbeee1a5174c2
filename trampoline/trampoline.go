// Package trampoline owns one executable region inside the target
package trampoline

import (
	"sync"

	"github.com/pkg/errors"

	"gohook/diag"
	"gohook/process"
)

var (
	ErrNotAllocated = errors.New("trampoline not allocated")
	ErrEmptyCode    = errors.New("trampoline code is empty")
	ErrCodeTooLarge = errors.New("code does not fit the trampoline")
	ErrClosed       = errors.New("trampoline closed")
)

// Memory is the subset of process.Process a trampoline needs
type Memory interface {
	process.MemoryAllocator
	WriteMemory(addr process.ProcessMemoryAddress, data []byte) error
	ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error)
}

// Trampoline holds at most one PAGE_EXECUTE_READWRITE region
type Trampoline struct {
	mem Memory
	log *diag.Scoped

	mu     sync.Mutex
	addr   process.ProcessMemoryAddress
	size   process.ProcessMemorySize
	closed bool
}

func New(mem Memory, logger diag.Logger) *Trampoline {
	return &Trampoline{
		mem: mem,
		log: diag.NewScoped(logger, diag.Memory),
	}
}

// Allocate releases any held region and commits a new one of size bytes
func (t *Trampoline) Allocate(size process.ProcessMemorySize) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	if err := t.freeLocked(); err != nil {
		return err
	}

	addr, err := t.mem.Allocate(size, process.PageExecuteReadWrite)
	if err != nil {
		return errors.Wrapf(err, "allocate trampoline of %d bytes", size)
	}

	t.addr = addr
	t.size = size
	t.log.Debugf("trampoline %s allocated (%d bytes)", addr.ToString(), size)
	return nil
}

// Write copies code to the start of the region
func (t *Trampoline) Write(code []byte) error {
	return t.WriteAt(0, code)
}

// WriteAt copies code into the region at offset
func (t *Trampoline) WriteAt(offset process.ProcessMemorySize, code []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.addr == 0 {
		return ErrNotAllocated
	}
	if len(code) == 0 {
		return ErrEmptyCode
	}
	if offset+process.ProcessMemorySize(len(code)) > t.size {
		return errors.Wrapf(ErrCodeTooLarge, "%d bytes at +%d, region holds %d", len(code), offset, t.size)
	}

	at := t.addr + process.ProcessMemoryAddress(offset)
	if err := t.mem.WriteMemory(at, code); err != nil {
		return errors.Wrapf(err, "write trampoline at %s", at.ToString())
	}
	return nil
}

// Read returns size bytes from offset inside the region
func (t *Trampoline) Read(offset, size process.ProcessMemorySize) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.addr == 0 {
		return nil, ErrNotAllocated
	}
	if offset+size > t.size {
		return nil, errors.Wrapf(ErrCodeTooLarge, "read %d bytes at +%d, region holds %d", size, offset, t.size)
	}
	return t.mem.ReadMemory(t.addr+process.ProcessMemoryAddress(offset), size)
}

// Free releases the region; freeing nothing is not an error
func (t *Trampoline) Free() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freeLocked()
}

// Close frees the region and refuses further allocations
func (t *Trampoline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.freeLocked()
}

func (t *Trampoline) freeLocked() error {
	if t.addr == 0 {
		return nil
	}

	if err := t.mem.Free(t.addr); err != nil {
		return errors.Wrapf(err, "free trampoline %s", t.addr.ToString())
	}

	t.log.Debugf("trampoline %s freed", t.addr.ToString())
	t.addr = 0
	t.size = 0
	return nil
}

func (t *Trampoline) Address() process.ProcessMemoryAddress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

func (t *Trampoline) Size() process.ProcessMemorySize {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

func (t *Trampoline) IsAllocated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr != 0
}
