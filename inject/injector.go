// Package inject runs small self-contained procedures inside the target.
//
// A call copies a parameter block and machine code into fresh remote buffers,
// starts a remote thread on the code with the parameter block as its argument,
// waits for it and releases everything it allocated, whatever happened.
package inject

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"gohook/config"
	"gohook/diag"
	"gohook/process"
)

// CodeBufferSize is the minimum remote code allocation
const CodeBufferSize = 1024

// Exit code written by TerminateThread when a procedure overruns its deadline
const timeoutExitCode = 0xFFFFFFFF

var (
	ErrParamAlloc   = errors.New("allocate parameter buffer")
	ErrParamWrite   = errors.New("write parameter buffer")
	ErrParamRead    = errors.New("read parameter buffer back")
	ErrCodeAlloc    = errors.New("allocate code buffer")
	ErrCodeWrite    = errors.New("write code buffer")
	ErrRemoteThread = errors.New("start remote thread")
	ErrEmptyCode    = errors.New("no code to inject")
)

// ProcedureError is a nonzero exit code returned by the injected procedure
type ProcedureError struct {
	Code uint32
}

func (e *ProcedureError) Error() string {
	return fmt.Sprintf("remote procedure failed with code %d (0x%X)", e.Code, e.Code)
}

// StepError tells which step of a call failed; errors.Is matches the step and the cause
type StepError struct {
	Step error
	Err  error
}

func (e *StepError) Error() string {
	return e.Step.Error() + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func (e *StepError) Is(target error) bool {
	return target == e.Step
}

func stepError(step, err error) error {
	return errors.WithStack(&StepError{Step: step, Err: err})
}

// Remote is the part of process.Process the injector drives
type Remote interface {
	process.MemoryAllocator
	process.RemoteThreads
	ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error)
	WriteMemory(addr process.ProcessMemoryAddress, data []byte) error
}

// Injector executes procedures in one target
type Injector struct {
	proc    Remote
	timeout time.Duration
	log     *diag.Scoped
}

func NewInjector(proc Remote, timeout time.Duration, logger diag.Logger) *Injector {
	if timeout <= 0 {
		timeout = config.DefaultInjectTimeout
	}
	return &Injector{
		proc:    proc,
		timeout: timeout,
		log:     diag.NewScoped(logger, diag.Core),
	}
}

// Call runs code with a copy of param and returns the thread's exit code.
// A nonzero exit code is returned together with a *ProcedureError.
func (i *Injector) Call(ctx context.Context, code, param []byte) (uint32, error) {
	exitCode, _, err := i.call(ctx, code, param, false)
	return exitCode, err
}

// CallReadBack is Call that also returns the parameter block as the procedure left it
func (i *Injector) CallReadBack(ctx context.Context, code, param []byte) (uint32, []byte, error) {
	return i.call(ctx, code, param, true)
}

func (i *Injector) call(ctx context.Context, code, param []byte, readBack bool) (exitCode uint32, out []byte, err error) {
	if len(code) == 0 {
		return 0, nil, ErrEmptyCode
	}

	var remoteParam process.ProcessMemoryAddress
	if len(param) > 0 {
		remoteParam, err = i.proc.Allocate(process.ProcessMemorySize(len(param)), process.PageReadWrite)
		if err != nil {
			return 0, nil, stepError(ErrParamAlloc, err)
		}
		defer i.free(remoteParam, "parameter")

		if err := i.proc.WriteMemory(remoteParam, param); err != nil {
			return 0, nil, stepError(ErrParamWrite, err)
		}
	}

	codeSize := CodeBufferSize
	if len(code) > codeSize {
		codeSize = len(code)
	}
	remoteCode, err := i.proc.Allocate(process.ProcessMemorySize(codeSize), process.PageExecuteReadWrite)
	if err != nil {
		return 0, nil, stepError(ErrCodeAlloc, err)
	}
	defer i.free(remoteCode, "code")

	if err := i.proc.WriteMemory(remoteCode, code); err != nil {
		return 0, nil, stepError(ErrCodeWrite, err)
	}

	thread, err := i.proc.CreateRemoteThread(remoteCode, remoteParam)
	if err != nil {
		return 0, nil, stepError(ErrRemoteThread, err)
	}
	defer func() {
		if cerr := i.proc.CloseThread(thread); cerr != nil {
			i.log.Warnf("close remote thread: %v", cerr)
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	exitCode, err = i.proc.WaitThread(waitCtx, thread)
	if err != nil {
		// The buffers are released on return, so the thread must not outlive this call
		if terr := i.proc.TerminateThread(thread, timeoutExitCode); terr != nil {
			i.log.Errorf("terminate overrunning remote thread: %v", terr)
		}
		return 0, nil, errors.Wrapf(err, "wait for procedure at %s", remoteCode.ToString())
	}

	i.log.Debugf("procedure at %s exited with %d", remoteCode.ToString(), exitCode)

	if readBack && len(param) > 0 {
		out, err = i.proc.ReadMemory(remoteParam, process.ProcessMemorySize(len(param)))
		if err != nil {
			return exitCode, nil, stepError(ErrParamRead, err)
		}
	}

	if exitCode != 0 {
		return exitCode, out, &ProcedureError{Code: exitCode}
	}
	return exitCode, out, nil
}

func (i *Injector) free(addr process.ProcessMemoryAddress, what string) {
	if err := i.proc.Free(addr); err != nil {
		i.log.Errorf("free remote %s buffer %s: %v", what, addr.ToString(), err)
	}
}
