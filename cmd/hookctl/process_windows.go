//go:build windows

package main

import (
	"gohook/diag"
	"gohook/process"
	"gohook/process_windows"
)

func openProcess(pid process.ProcessID, sink diag.Logger) (process.Process, error) {
	proc, err := process_windows.NewWithPID(pid, sink)
	if err != nil {
		return nil, err
	}
	return proc, nil
}
