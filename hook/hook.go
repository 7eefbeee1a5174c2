// Package hook tracks the lifecycle of a code patch in a target process.
//
// A Hook captures the bytes it overwrites before writing anything, applies its
// replacement through a Patcher and puts the original bytes back on Uninstall.
// What the replacement is comes from a Payload; the simplest one is a jump.
package hook

import (
	"context"
	"strings"
	"sync"

	"gohook/diag"
	"gohook/hexdump"
	"gohook/process"
	"gohook/x86"
)

// State is Uninstalled or Installed
type State int

const (
	Uninstalled State = iota
	Installed
)

func (s State) String() string {
	if s == Installed {
		return "Installed"
	}
	return "Uninstalled"
}

// Payload produces the replacement bytes for a target and owns whatever they point to
type Payload interface {
	// Prepare returns exactly len(original) replacement bytes
	Prepare(ctx context.Context, target process.ProcessMemoryAddress, original []byte) ([]byte, error)
	// Release frees what Prepare built, after the original bytes are back
	Release(ctx context.Context) error
}

// Hook is one patch site
type Hook struct {
	mem     Memory
	patcher Patcher
	payload Payload
	target  process.ProcessMemoryAddress
	width   int
	log     *diag.Scoped

	// op serializes Install and Uninstall, mu guards the fields below.
	// Patcher and Payload calls run with op held and mu free.
	op sync.Mutex

	mu          sync.Mutex
	state       State
	original    []byte
	replacement []byte
	lastError   HookError
	err         error
}

// New creates an uninstalled hook replacing width bytes at target
func New(mem Memory, patcher Patcher, target process.ProcessMemoryAddress, width int, payload Payload, logger diag.Logger) *Hook {
	return &Hook{
		mem:     mem,
		patcher: patcher,
		payload: payload,
		target:  target,
		width:   width,
		log:     diag.NewScoped(logger, diag.Hooks),
	}
}

// WithBot tags this hook's log entries
func (h *Hook) WithBot(bot string) *Hook {
	h.log = h.log.WithBot(bot)
	return h
}

func (h *Hook) Install(ctx context.Context) error {
	h.op.Lock()
	defer h.op.Unlock()

	if h.State() == Installed {
		h.log.Warnf("install at %s: already installed", h.target.ToString())
		return ErrAlreadyInstalled
	}

	original, err := h.mem.ReadMemory(h.target, process.ProcessMemorySize(h.width))
	if err != nil {
		return h.fail(NewError(InvalidAddress, err, "capture original bytes at "+h.target.ToString()))
	}

	replacement, err := h.payload.Prepare(ctx, h.target, original)
	if err != nil {
		return h.fail(NewError(KindOf(err, CreateTrampoline), err, "prepare replacement"))
	}

	if len(replacement) != h.width {
		h.release(ctx)
		return h.fail(NewError(CreateTrampoline, nil, "replacement length mismatch"))
	}

	if err := h.patcher.Patch(ctx, h.target, replacement); err != nil {
		h.release(ctx)
		return h.fail(NewError(KindOf(err, WriteMemory), err, "apply patch at "+h.target.ToString()))
	}

	h.mu.Lock()
	h.original = original
	h.replacement = replacement
	h.state = Installed
	h.lastError = None
	h.err = nil
	h.mu.Unlock()

	h.log.Infof("installed at %s", h.target.ToString())
	h.log.Debugf("displaced:\n%s", strings.Join(x86.Disassemble(original, uint64(h.target)), "\n"))
	h.log.Debugf("patch:\n%s", hexdump.Diff(original, replacement, hexdump.Options{StartAddress: uint64(h.target)}))
	return nil
}

// Uninstall puts the original bytes back and then releases the payload.
// It must not be called from code the payload runs during Release.
func (h *Hook) Uninstall(ctx context.Context) error {
	h.op.Lock()
	defer h.op.Unlock()

	h.mu.Lock()
	state, original := h.state, h.original
	h.mu.Unlock()

	if state != Installed {
		h.log.Warnf("uninstall at %s: not installed", h.target.ToString())
		return ErrNotInstalled
	}
	if len(original) == 0 {
		return h.fail(NewError(WriteMemory, ErrNoOriginal, "uninstall"))
	}

	if err := h.patcher.Patch(ctx, h.target, original); err != nil {
		return h.fail(NewError(KindOf(err, WriteMemory), err, "restore original bytes at "+h.target.ToString()))
	}

	h.mu.Lock()
	h.state = Uninstalled
	h.lastError = None
	h.err = nil
	h.original = nil
	h.replacement = nil
	h.mu.Unlock()

	h.release(ctx)

	h.log.Infof("uninstalled at %s", h.target.ToString())
	return nil
}

func (h *Hook) release(ctx context.Context) {
	if err := h.payload.Release(ctx); err != nil {
		h.log.Warnf("release payload for %s: %v", h.target.ToString(), err)
	}
}

func (h *Hook) fail(err *Error) error {
	h.mu.Lock()
	h.lastError = err.Kind
	h.err = err
	h.mu.Unlock()

	h.log.Errorf("%v", err)
	return err
}

func (h *Hook) IsInstalled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == Installed
}

func (h *Hook) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastError is the kind of the last failure, None after a success
func (h *Hook) LastError() HookError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastError
}

// Err is the full error behind LastError
func (h *Hook) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Hook) Target() process.ProcessMemoryAddress {
	return h.target
}

func (h *Hook) Width() int {
	return h.width
}

// Original returns a copy of the captured bytes while installed
func (h *Hook) Original() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.original...)
}

// Replacement returns a copy of the bytes written by Install
func (h *Hook) Replacement() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.replacement...)
}
