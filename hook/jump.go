package hook

import (
	"context"

	"gohook/diag"
	"gohook/process"
	"gohook/x86"
)

// JumpPayload redirects the target to a fixed destination with E9 rel32
type JumpPayload struct {
	Destination process.ProcessMemoryAddress
}

func (j JumpPayload) Prepare(ctx context.Context, target process.ProcessMemoryAddress, original []byte) ([]byte, error) {
	code, err := x86.NearJump(uint64(target), uint64(j.Destination))
	if err != nil {
		return nil, NewError(InvalidAddress, err, "encode jump")
	}
	if len(original) < len(code) {
		return nil, NewError(CreateTrampoline, nil, "patch region shorter than a near jump")
	}
	return x86.PadNop(code, len(original)), nil
}

func (j JumpPayload) Release(ctx context.Context) error {
	return nil
}

// NewJumpHook hooks target so it continues at destination.
// width may exceed 5 to NOP out the tail of a split instruction.
func NewJumpHook(mem Memory, patcher Patcher, target, destination process.ProcessMemoryAddress, width int, logger diag.Logger) *Hook {
	if width < x86.NearJumpSize {
		width = x86.NearJumpSize
	}
	return New(mem, patcher, target, width, JumpPayload{Destination: destination}, logger)
}
