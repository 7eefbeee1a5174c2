//go:build windows

package process_windows

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"gohook/process"
)

func (p *WindowsProcess) Allocate(size process.ProcessMemorySize, protection process.ProcessMemoryProtection) (process.ProcessMemoryAddress, error) {
	handle, err := p.openHandle()
	if err != nil {
		return 0, err
	}

	addr, _, callErr := procVirtualAllocEx.Call(
		uintptr(handle),
		0,
		uintptr(size),
		uintptr(windows.MEM_COMMIT|windows.MEM_RESERVE),
		uintptr(protection),
	)
	if addr == 0 {
		return 0, fmt.Errorf("VirtualAllocEx(%d) failed: %v: %w", size, callErr, process.ErrAllocation)
	}

	p.log.Debugf("allocated %d bytes at 0x%X (%s)", size, addr, protection.ToString())
	return process.ProcessMemoryAddress(addr), nil
}

func (p *WindowsProcess) Free(addr process.ProcessMemoryAddress) error {
	handle, err := p.openHandle()
	if err != nil {
		return err
	}

	ret, _, callErr := procVirtualFreeEx.Call(uintptr(handle), uintptr(addr), 0, uintptr(windows.MEM_RELEASE))
	if ret == 0 {
		return fmt.Errorf("VirtualFreeEx(%s) failed: %v: %w", addr.ToString(), callErr, process.ErrAllocation)
	}

	p.log.Debugf("freed %s", addr.ToString())
	return nil
}

func (p *WindowsProcess) SetProtection(addr process.ProcessMemoryAddress, size process.ProcessMemorySize, protection process.ProcessMemoryProtection) (process.ProcessMemoryProtection, error) {
	handle, err := p.openHandle()
	if err != nil {
		return 0, err
	}

	var old uint32
	if err := windows.VirtualProtectEx(handle, uintptr(addr), uintptr(size), uint32(protection), &old); err != nil {
		return 0, fmt.Errorf("VirtualProtectEx(%s, %d) failed: %v: %w", addr.ToString(), size, err, process.ErrMemoryProtect)
	}

	p.log.Debugf("protect %s (%d): %s -> %s", addr.ToString(), size, process.ProcessMemoryProtection(old).ToString(), protection.ToString())
	return process.ProcessMemoryProtection(old), nil
}

func (p *WindowsProcess) QueryProtection(addr process.ProcessMemoryAddress) (process.ProcessMemoryProtection, error) {
	handle, err := p.openHandle()
	if err != nil {
		return 0, err
	}

	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQueryEx(handle, uintptr(addr), &mbi, unsafe.Sizeof(mbi)); err != nil {
		return 0, fmt.Errorf("VirtualQueryEx(%s) failed: %v: %w", addr.ToString(), err, process.ErrMemoryProtect)
	}
	if mbi.State != windows.MEM_COMMIT {
		return 0, fmt.Errorf("%s: %w", addr.ToString(), process.ErrAddressNotMapped)
	}
	return process.ProcessMemoryProtection(mbi.Protect), nil
}

func (p *WindowsProcess) FlushInstructionCache(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) error {
	handle, err := p.openHandle()
	if err != nil {
		return err
	}

	ret, _, callErr := procFlushInstructionCache.Call(uintptr(handle), uintptr(addr), uintptr(size))
	if ret == 0 {
		return fmt.Errorf("FlushInstructionCache(%s) failed: %v", addr.ToString(), callErr)
	}
	return nil
}
