//go:build windows

package memory_map

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// 32-bit targets never map above 4GB, even under WOW64 with large address awareness
const maxUserAddress = 0xFFFF0000

// ReadMemoryMap walks the target's address space with VirtualQueryEx and returns committed regions
func ReadMemoryMap(handle windows.Handle) ([]MemoryMapItem, error) {
	var memoryMap []MemoryMapItem
	var mbi windows.MemoryBasicInformation

	addr := uintptr(0)
	for addr < maxUserAddress {
		err := windows.VirtualQueryEx(handle, addr, &mbi, unsafe.Sizeof(mbi))
		if err != nil {
			if len(memoryMap) == 0 {
				return nil, err
			}
			break
		}

		if mbi.RegionSize == 0 {
			break
		}

		if mbi.State == windows.MEM_COMMIT {
			memoryMap = append(memoryMap, MemoryMapItem{
				Address:    uint64(mbi.BaseAddress),
				Size:       uint(mbi.RegionSize),
				Protection: mbi.Protect,
				Perms:      ProtectionPerms(mbi.Protect),
			})
		}

		next := mbi.BaseAddress + mbi.RegionSize
		if next <= addr {
			break
		}
		addr = next
	}

	return memoryMap, nil
}
