package hook

import (
	"fmt"

	"github.com/pkg/errors"
)

// HookError classifies why the last Install or Uninstall failed
type HookError int

const (
	None HookError = iota
	InvalidAddress
	MemoryProtect
	WriteMemory
	CreateTrampoline
)

func (e HookError) String() string {
	switch e {
	case None:
		return "None"
	case InvalidAddress:
		return "InvalidAddress"
	case MemoryProtect:
		return "MemoryProtect"
	case WriteMemory:
		return "WriteMemory"
	case CreateTrampoline:
		return "CreateTrampoline"
	}
	return fmt.Sprintf("HookError(%d)", int(e))
}

var (
	ErrInvalidAddress   = errors.New("invalid hook address")
	ErrMemoryProtect    = errors.New("memory protection change failed")
	ErrWriteMemory      = errors.New("patch write failed")
	ErrCreateTrampoline = errors.New("trampoline creation failed")

	ErrAlreadyInstalled = errors.New("hook already installed")
	ErrNotInstalled     = errors.New("hook not installed")
	ErrNoOriginal       = errors.New("original bytes not captured")
)

// Sentinel returns the error value matching e, nil for None
func (e HookError) Sentinel() error {
	switch e {
	case InvalidAddress:
		return ErrInvalidAddress
	case MemoryProtect:
		return ErrMemoryProtect
	case WriteMemory:
		return ErrWriteMemory
	case CreateTrampoline:
		return ErrCreateTrampoline
	}
	return nil
}

// Error carries a HookError kind together with the failure behind it.
// errors.Is matches both the kind's sentinel and anything in the cause chain.
type Error struct {
	Kind HookError
	Err  error
}

// NewError wraps err as kind, adding msg
func NewError(kind HookError, err error, msg string) *Error {
	if err == nil {
		err = kind.Sentinel()
	}
	return &Error{Kind: kind, Err: errors.Wrap(err, msg)}
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.Sentinel()
}

// KindOf extracts the HookError carried by err, or fallback when err carries none
func KindOf(err error, fallback HookError) HookError {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	for _, kind := range []HookError{InvalidAddress, MemoryProtect, WriteMemory, CreateTrampoline} {
		if errors.Is(err, kind.Sentinel()) {
			return kind
		}
	}
	return fallback
}
