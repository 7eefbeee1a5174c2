//go:build !windows

package main

import (
	"fmt"
	"runtime"

	"gohook/diag"
	"gohook/process"
)

func openProcess(pid process.ProcessID, sink diag.Logger) (process.Process, error) {
	return nil, fmt.Errorf("attaching to pid %d is not supported on %s, use --dump", pid, runtime.GOOS)
}
