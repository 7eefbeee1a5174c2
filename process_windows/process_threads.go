//go:build windows

package process_windows

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"gohook/process"
)

const (
	waitObject0 = 0
	waitTimeout = 0x102

	// WaitThread polls in slices this long so ctx cancellation is noticed
	waitSlice = 50 * time.Millisecond
)

func (p *WindowsProcess) CreateRemoteThread(entry, param process.ProcessMemoryAddress) (process.ThreadHandle, error) {
	handle, err := p.openHandle()
	if err != nil {
		return 0, err
	}

	var threadID uint32
	thread, _, callErr := procCreateRemoteThread.Call(
		uintptr(handle),
		0,
		0,
		uintptr(entry),
		uintptr(param),
		0,
		uintptr(unsafe.Pointer(&threadID)),
	)
	if thread == 0 {
		return 0, fmt.Errorf("CreateRemoteThread at %s failed: %v: %w", entry.ToString(), callErr, process.ErrRemoteThread)
	}

	p.log.Debugf("remote thread %d started at %s", threadID, entry.ToString())
	return process.ThreadHandle(thread), nil
}

func (p *WindowsProcess) WaitThread(ctx context.Context, thread process.ThreadHandle) (uint32, error) {
	for {
		event, err := windows.WaitForSingleObject(windows.Handle(thread), uint32(waitSlice/time.Millisecond))
		switch {
		case err != nil:
			return 0, fmt.Errorf("WaitForSingleObject failed: %v: %w", err, process.ErrRemoteThread)
		case event == waitObject0:
			var code uint32
			ret, _, callErr := procGetExitCodeThread.Call(uintptr(thread), uintptr(unsafe.Pointer(&code)))
			if ret == 0 {
				return 0, fmt.Errorf("GetExitCodeThread failed: %v: %w", callErr, process.ErrRemoteThread)
			}
			return code, nil
		case event == waitTimeout:
			select {
			case <-ctx.Done():
				return 0, fmt.Errorf("%v: %w", ctx.Err(), process.ErrRemoteThreadTimeout)
			default:
			}
		default:
			return 0, fmt.Errorf("unexpected wait result 0x%x: %w", event, process.ErrRemoteThread)
		}
	}
}

func (p *WindowsProcess) TerminateThread(thread process.ThreadHandle, exitCode uint32) error {
	ret, _, callErr := procTerminateThread.Call(uintptr(thread), uintptr(exitCode))
	if ret == 0 {
		return fmt.Errorf("TerminateThread failed: %v: %w", callErr, process.ErrRemoteThread)
	}
	p.log.Warnf("remote thread terminated with code %d", exitCode)
	return nil
}

func (p *WindowsProcess) CloseThread(thread process.ThreadHandle) error {
	if err := windows.CloseHandle(windows.Handle(thread)); err != nil {
		return fmt.Errorf("CloseHandle(thread) failed: %v", err)
	}
	return nil
}
