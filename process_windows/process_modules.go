//go:build windows

package process_windows

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"gohook/process"
)

// Modules takes a fresh Toolhelp snapshot; both native and WOW64 modules are listed
func (p *WindowsProcess) Modules() ([]process.ModuleInfo, error) {
	pid := p.GetPID()
	if pid == 0 {
		return nil, process.ErrProcessNotOpen
	}

	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, uint32(pid))
	if err != nil {
		return nil, fmt.Errorf("CreateToolhelp32Snapshot(%d) failed: %v", pid, err)
	}
	defer windows.CloseHandle(snapshot)

	var entry windows.ModuleEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	var modules []process.ModuleInfo
	err = windows.Module32First(snapshot, &entry)
	for err == nil {
		modules = append(modules, process.ModuleInfo{
			Name: windows.UTF16ToString(entry.Module[:]),
			Path: windows.UTF16ToString(entry.ExePath[:]),
			Base: process.ProcessMemoryAddress(entry.ModBaseAddr),
			Size: process.ProcessMemorySize(entry.ModBaseSize),
		})
		err = windows.Module32Next(snapshot, &entry)
	}

	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return nil, fmt.Errorf("Module32Next failed: %v", err)
	}

	return modules, nil
}

func (p *WindowsProcess) ResolveModuleBase(name string) (process.ProcessMemoryAddress, error) {
	modules, err := p.Modules()
	if err != nil {
		return 0, err
	}

	for _, m := range modules {
		if m.MatchName(name) {
			return m.Base, nil
		}
	}

	return 0, fmt.Errorf("%s in process %d: %w", name, p.GetPID(), process.ErrModuleNotFound)
}

func (p *WindowsProcess) ResolveRelative(offset process.ProcessMemorySize) (process.ProcessMemoryAddress, error) {
	p.mu.Lock()
	base, name := p.mainBase, p.mainModule
	p.mu.Unlock()

	if base == 0 {
		resolved, err := p.ResolveModuleBase(name)
		if err != nil {
			return 0, err
		}

		p.mu.Lock()
		p.mainBase = resolved
		p.mu.Unlock()

		p.log.Debugf("%s base %s", name, resolved.ToString())
		base = resolved
	}

	return base + process.ProcessMemoryAddress(offset), nil
}

func (p *WindowsProcess) SetMainModule(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mainModule = name
	p.mainBase = 0
}
