//go:build windows

package process_windows

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"gohook/diag"
	"gohook/process"
	"gohook/process/memory_map"
)

var (
	modkernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procVirtualAllocEx        = modkernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx         = modkernel32.NewProc("VirtualFreeEx")
	procCreateRemoteThread    = modkernel32.NewProc("CreateRemoteThread")
	procFlushInstructionCache = modkernel32.NewProc("FlushInstructionCache")
	procGetExitCodeThread     = modkernel32.NewProc("GetExitCodeThread")
	procTerminateThread       = modkernel32.NewProc("TerminateThread")
)

const (
	// Rights needed to read, patch, allocate in and run threads inside the target
	PROCESS_HOOK_ACCESS = windows.PROCESS_QUERY_INFORMATION |
		windows.PROCESS_VM_READ |
		windows.PROCESS_VM_WRITE |
		windows.PROCESS_VM_OPERATION |
		windows.PROCESS_CREATE_THREAD |
		windows.PROCESS_SUSPEND_RESUME
)

// WindowsProcess implements the process.Process interface for Windows systems
type WindowsProcess struct {
	pid    process.ProcessID
	handle windows.Handle
	sink   diag.Logger
	log    *diag.Scoped
	mm     []memory_map.MemoryMapItem
	mu     sync.Mutex

	mainModule string
	mainBase   process.ProcessMemoryAddress
}

var _ process.Process = (*WindowsProcess)(nil)

// New creates a new WindowsProcess instance. A nil sink logs to the console.
func New(sink diag.Logger) *WindowsProcess {
	p := &WindowsProcess{
		sink:       sink,
		mainModule: process.DefaultMainModule,
	}
	p.log = p.scopedLogger("process-not-open", true)
	return p
}

// NewWithPID creates a new WindowsProcess instance and opens it with the given PID
func NewWithPID(pid process.ProcessID, sink diag.Logger) (*WindowsProcess, error) {
	p := New(sink)
	err := p.Open(pid)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *WindowsProcess) scopedLogger(prefix string, alert bool) *diag.Scoped {
	if p.sink != nil {
		return diag.NewScoped(p.sink, diag.Memory)
	}
	if alert {
		return diag.NewScoped(diag.NewConsoleAlert(prefix), diag.Memory)
	}
	return diag.NewScoped(diag.NewConsole(prefix), diag.Memory)
}

func (p *WindowsProcess) Open(pid process.ProcessID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	handle, err := windows.OpenProcess(PROCESS_HOOK_ACCESS, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("OpenProcess(%d) failed: %v: %w", pid, err, process.ErrProcessOpen)
	}

	if p.handle != 0 {
		windows.CloseHandle(p.handle)
	}

	p.pid = pid
	p.handle = handle
	p.mainBase = 0
	p.log = p.scopedLogger(fmt.Sprintf("process-%d", pid), false)

	// Initialize memory map
	if err := p.updateMemoryMapInternal(); err != nil {
		p.log.Warnf("Failed to initialize memory map: %v", err)
	}

	p.log.Infof("Process opened")
	return nil
}

func (p *WindowsProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handle != 0 {
		if err := windows.CloseHandle(p.handle); err != nil {
			return fmt.Errorf("CloseHandle failed: %v", err)
		}
		p.handle = 0
	}

	p.pid = 0
	p.mm = nil
	p.mainBase = 0
	p.log = p.scopedLogger("process-not-open", true)
	p.log.Infof("Process closed")

	return nil
}

func (p *WindowsProcess) GetPID() process.ProcessID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Handle returns the raw process handle, 0 when closed
func (p *WindowsProcess) Handle() windows.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle
}

func (p *WindowsProcess) UpdateMemoryMap() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updateMemoryMapInternal()
}

func (p *WindowsProcess) updateMemoryMapInternal() error {
	if p.handle == 0 {
		return process.ErrProcessNotOpen
	}

	mm, err := memory_map.ReadMemoryMap(p.handle)
	if err != nil {
		return fmt.Errorf("VirtualQueryEx failed: %w", err)
	}
	p.mm = mm
	return nil
}

// IsValidAddress asks the OS directly so it is correct for regions allocated after the last map update
func (p *WindowsProcess) IsValidAddress(addr process.ProcessMemoryAddress) bool {
	handle, err := p.openHandle()
	if err != nil {
		return false
	}

	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQueryEx(handle, uintptr(addr), &mbi, unsafe.Sizeof(mbi)); err != nil {
		return false
	}
	return mbi.State == windows.MEM_COMMIT
}

func (p *WindowsProcess) GetMemoryMap() ([]memory_map.MemoryMapItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == 0 {
		return nil, process.ErrProcessNotOpen
	}
	result := make([]memory_map.MemoryMapItem, len(p.mm))
	copy(result, p.mm)
	return result, nil
}

func (p *WindowsProcess) ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}

	handle, err := p.openHandle()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	var bytesRead uintptr
	err = windows.ReadProcessMemory(handle, uintptr(addr), &buf[0], uintptr(size), &bytesRead)
	if err != nil {
		p.log.Debugf("read %s (%d) failed: %v", addr.ToString(), size, err)
		return nil, fmt.Errorf("ReadProcessMemory at %s failed: %v: %w", addr.ToString(), err, process.ErrMemoryAccess)
	}

	if bytesRead != uintptr(size) {
		return nil, fmt.Errorf("read incomplete: expected %d, got %d: %w", size, bytesRead, process.ErrMemoryAccess)
	}

	return buf, nil
}

func (p *WindowsProcess) WriteMemory(addr process.ProcessMemoryAddress, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	handle, err := p.openHandle()
	if err != nil {
		return err
	}

	var written uintptr
	err = windows.WriteProcessMemory(handle, uintptr(addr), &data[0], uintptr(len(data)), &written)
	if err != nil {
		p.log.Debugf("write %s (%d) failed: %v", addr.ToString(), len(data), err)
		return fmt.Errorf("WriteProcessMemory at %s failed: %v: %w", addr.ToString(), err, process.ErrMemoryAccess)
	}

	if written != uintptr(len(data)) {
		return fmt.Errorf("write incomplete: expected %d, got %d: %w", len(data), written, process.ErrMemoryAccess)
	}

	p.log.Debugf("wrote %d bytes at %s", len(data), addr.ToString())
	return nil
}

func (p *WindowsProcess) openHandle() (windows.Handle, error) {
	p.mu.Lock()
	handle := p.handle
	p.mu.Unlock()

	if handle == 0 {
		return 0, process.ErrProcessNotOpen
	}
	return handle, nil
}
