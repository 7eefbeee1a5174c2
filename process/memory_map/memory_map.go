package memory_map

import (
	"fmt"
	"sort"
)

// Windows page protection constants, mirrored here so the package builds everywhere
const (
	pageNoAccess         = 0x01
	pageReadOnly         = 0x02
	pageReadWrite        = 0x04
	pageWriteCopy        = 0x08
	pageExecute          = 0x10
	pageExecuteRead      = 0x20
	pageExecuteReadWrite = 0x40
	pageExecuteWriteCopy = 0x80
	pageGuard            = 0x100
)

// MemoryMapItem represents a committed memory region in a process's address space
type MemoryMapItem struct {
	Address    uint64 // The starting address of the memory region
	Size       uint   // The size of the memory region in bytes
	Protection uint32 // Raw PAGE_* protection flags
	Perms      string // Permissions (e.g., "r-xp" for read, execute, private)
}

// String returns a string representation of the memory map item
func (mmItem MemoryMapItem) String() string {
	return fmt.Sprintf("Address: %x, Size: %d, Perms: %s", mmItem.Address, mmItem.Size, mmItem.Perms)
}

func (mmItem MemoryMapItem) IsReadable() bool {
	return len(mmItem.Perms) > 0 && mmItem.Perms[0] == 'r'
}

func (mmItem MemoryMapItem) IsWritable() bool {
	return len(mmItem.Perms) > 1 && mmItem.Perms[1] == 'w'
}

func (mmItem MemoryMapItem) IsExecutable() bool {
	return len(mmItem.Perms) > 2 && mmItem.Perms[2] == 'x'
}

// End returns the first address past the region
func (mmItem MemoryMapItem) End() uint64 {
	return mmItem.Address + uint64(mmItem.Size)
}

// ProtectionPerms renders PAGE_* flags as an "rwxp" string.
// Guarded and no-access pages render as "---p".
func ProtectionPerms(protection uint32) string {
	if protection&pageGuard != 0 {
		return "---p"
	}

	perms := []byte("---p")
	switch protection &^ pageGuard {
	case pageReadOnly:
		perms[0] = 'r'
	case pageReadWrite, pageWriteCopy:
		perms[0], perms[1] = 'r', 'w'
	case pageExecute:
		perms[2] = 'x'
	case pageExecuteRead:
		perms[0], perms[2] = 'r', 'x'
	case pageExecuteReadWrite, pageExecuteWriteCopy:
		perms[0], perms[1], perms[2] = 'r', 'w', 'x'
	case pageNoAccess:
	}
	return string(perms)
}

// Sort orders the map by start address, which IsValidAddress2 requires
func Sort(memoryMap []MemoryMapItem) {
	sort.Slice(memoryMap, func(i, j int) bool {
		return memoryMap[i].Address < memoryMap[j].Address
	})
}

// Helper functions for working with memory maps

// IsValidAddress checks if an address is within a mapped memory region
func IsValidAddress(addr uint64, memoryMap []MemoryMapItem) bool {
	for _, item := range memoryMap {
		if addr >= item.Address && addr < item.End() {
			return true
		}
	}
	return false
}

// IsValidAddress2 is a binary search over a sorted map
func IsValidAddress2(addr uint64, memoryMap []MemoryMapItem) *MemoryMapItem {
	i := sort.Search(len(memoryMap), func(i int) bool {
		return memoryMap[i].End() > addr
	})
	if i < len(memoryMap) && memoryMap[i].Address <= addr {
		return &memoryMap[i]
	}

	return nil
}

// GetMemoryRegionForAddress returns the memory region containing an address
func GetMemoryRegionForAddress(addr uint64, memoryMap []MemoryMapItem) *MemoryMapItem {
	for i := range memoryMap {
		if addr >= memoryMap[i].Address && addr < memoryMap[i].End() {
			return &memoryMap[i]
		}
	}
	return nil
}
