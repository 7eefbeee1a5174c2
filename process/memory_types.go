package process

import (
	"fmt"
)

// ProcessMemoryAddress represents a memory address within a process
type ProcessMemoryAddress uint64

func (pma ProcessMemoryAddress) ToString() string {
	return fmt.Sprintf("0x%X", uint64(pma))
}

// ProcessMemorySize represents a size of memory region
type ProcessMemorySize uint

func (pms ProcessMemorySize) ToString() string {
	return fmt.Sprintf("%d bytes", uint(pms))
}

// ProcessMemoryProtection holds page protection flags (PAGE_* values on Windows)
type ProcessMemoryProtection uint32

const (
	PageNoAccess         ProcessMemoryProtection = 0x01
	PageReadOnly         ProcessMemoryProtection = 0x02
	PageReadWrite        ProcessMemoryProtection = 0x04
	PageWriteCopy        ProcessMemoryProtection = 0x08
	PageExecute          ProcessMemoryProtection = 0x10
	PageExecuteRead      ProcessMemoryProtection = 0x20
	PageExecuteReadWrite ProcessMemoryProtection = 0x40
	PageExecuteWriteCopy ProcessMemoryProtection = 0x80
	PageGuard            ProcessMemoryProtection = 0x100
)

func (p ProcessMemoryProtection) ToString() string {
	return fmt.Sprintf("0x%X", uint32(p))
}

// Readable reports whether the base protection permits reads
func (p ProcessMemoryProtection) Readable() bool {
	switch p &^ PageGuard {
	case PageReadOnly, PageReadWrite, PageWriteCopy, PageExecuteRead, PageExecuteReadWrite, PageExecuteWriteCopy:
		return p&PageGuard == 0
	}
	return false
}

// Writable reports whether the base protection permits writes
func (p ProcessMemoryProtection) Writable() bool {
	switch p &^ PageGuard {
	case PageReadWrite, PageWriteCopy, PageExecuteReadWrite, PageExecuteWriteCopy:
		return p&PageGuard == 0
	}
	return false
}

// Executable reports whether the base protection permits execution
func (p ProcessMemoryProtection) Executable() bool {
	switch p &^ PageGuard {
	case PageExecute, PageExecuteRead, PageExecuteReadWrite, PageExecuteWriteCopy:
		return true
	}
	return false
}

// ThreadHandle identifies a thread created in the target process
type ThreadHandle uintptr
