// Package x86 encodes the few 32-bit x86 instructions the hooks need
// and checks that a patch region can be displaced safely.
package x86

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// NearJumpSize is the length of E9 rel32
	NearJumpSize = 5

	OpJmpRel32 = 0xE9
	OpJmpRel8  = 0xEB
	OpJe8      = 0x74
	OpJne8     = 0x75
	OpJa8      = 0x77
	OpNop      = 0x90
)

var (
	ErrOutOfRange   = errors.New("address outside the 32-bit address space")
	ErrNotNearJump  = errors.New("not a near jump")
	ErrLabelUnknown = errors.New("undefined label")
	ErrRel8Range    = errors.New("short jump out of range")
)

const maxAddress = 0xFFFFFFFF

// Rel32 returns the displacement of a 5-byte instruction at from that lands on to.
// The 32-bit address space wraps, so every pair of valid addresses is reachable.
func Rel32(from, to uint64) (int32, error) {
	if from > maxAddress || to > maxAddress {
		return 0, fmt.Errorf("rel32 0x%X -> 0x%X: %w", from, to, ErrOutOfRange)
	}
	return int32(uint32(to) - uint32(from) - NearJumpSize), nil
}

// NearJump encodes "jmp to" placed at from
func NearJump(from, to uint64) ([]byte, error) {
	rel, err := Rel32(from, to)
	if err != nil {
		return nil, err
	}

	code := make([]byte, NearJumpSize)
	code[0] = OpJmpRel32
	binary.LittleEndian.PutUint32(code[1:], uint32(rel))
	return code, nil
}

// NearJumpTarget decodes an E9 rel32 placed at from and returns its destination
func NearJumpTarget(code []byte, from uint64) (uint64, error) {
	if len(code) < NearJumpSize || code[0] != OpJmpRel32 {
		return 0, ErrNotNearJump
	}
	rel := int32(binary.LittleEndian.Uint32(code[1:]))
	return uint64(uint32(from) + NearJumpSize + uint32(rel)), nil
}

// PadNop extends code with NOPs up to n bytes
func PadNop(code []byte, n int) []byte {
	for len(code) < n {
		code = append(code, OpNop)
	}
	return code
}
