package reghook

import (
	"encoding/binary"
	"fmt"

	"gohook/x86"
)

// Context block layout. The block follows the stub in the same trampoline region.
//
//	+0   Enabled   nonzero while captures are wanted
//	+4   Ticket    next ticket, bumped with lock xadd by every hit
//	+8   ID        registry id of the owning hook
//	+12  Capacity  ring slots, a power of two
//	+64  ring      Capacity slots of SlotSize bytes
//
// A slot holds Seq (ticket+1, written last) followed by the pushad frame and EFLAGS.
const (
	offEnabled  = 0
	offTicket   = 4
	offID       = 8
	offCapacity = 12

	ContextHeaderSize = 64
	SlotSize          = 64

	// EDI ESI EBP ESP EBX EDX ECX EAX EFLAGS
	frameDwords = 9
)

const (
	// StubSize is the length of the generated capture stub
	StubSize = 62
	// StubRegionSize is the stub rounded up so the context block stays aligned
	StubRegionSize = 64

	displacedOffset = 52
	resumeOffset    = 57
)

// ContextSize is the size of a context block with capacity ring slots
func ContextSize(capacity uint32) uint32 {
	return ContextHeaderSize + capacity*SlotSize
}

// RegionSize is the trampoline size needed for one stub and its context block
func RegionSize(capacity uint32) uint32 {
	return StubRegionSize + ContextSize(capacity)
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// BuildStub generates the capture stub placed at stub.
//
// The stub saves flags and registers, and when the context at ctx is enabled it takes a
// ticket, copies the saved frame into the ticket's ring slot and publishes the slot by
// writing its sequence number. It then restores everything, runs the displaced bytes
// and jumps to resume.
func BuildStub(stub, ctx, capacity uint32, displaced []byte, resume uint32) ([]byte, error) {
	if len(displaced) != x86.NearJumpSize {
		return nil, fmt.Errorf("stub needs %d displaced bytes, got %d", x86.NearJumpSize, len(displaced))
	}
	if !isPowerOfTwo(capacity) {
		return nil, fmt.Errorf("ring capacity %d is not a power of two", capacity)
	}

	a := x86.NewAssembler()
	a.Emit(0x9C)                                      // pushfd
	a.Emit(0x60)                                      // pushad
	a.Emit(0xBB).Imm32(ctx)                           // mov ebx, ctx
	a.Emit(0x83, 0x3B, 0x00)                          // cmp dword [ebx], 0
	a.Jcc8(x86.OpJe8, "done")                         // je done
	a.Emit(0xB8).Imm32(1)                             // mov eax, 1
	a.Emit(0xF0, 0x0F, 0xC1, 0x43, offTicket)         // lock xadd [ebx+Ticket], eax
	a.Emit(0x89, 0xC2)                                // mov edx, eax
	a.Emit(0x25).Imm32(capacity - 1)                  // and eax, capacity-1
	a.Emit(0xC1, 0xE0, 0x06)                          // shl eax, 6
	a.Emit(0x8D, 0x7C, 0x03, ContextHeaderSize+4)     // lea edi, [ebx+eax+0x44]
	a.Emit(0x89, 0xE6)                                // mov esi, esp
	a.Emit(0xB9).Imm32(frameDwords)                   // mov ecx, 9
	a.Emit(0xFC)                                      // cld
	a.Emit(0xF3, 0xA5)                                // rep movsd
	a.Emit(0x42)                                      // inc edx
	a.Emit(0x89, 0x57, byte(0x100-4*(frameDwords+1))) // mov [edi-40], edx
	a.Label("done")
	a.Emit(0x61) // popad
	a.Emit(0x9D) // popfd
	a.Emit(displaced...)

	if a.Len() != resumeOffset {
		return nil, fmt.Errorf("stub body is %d bytes, want %d", a.Len(), resumeOffset)
	}

	jump, err := x86.NearJump(uint64(stub)+resumeOffset, uint64(resume))
	if err != nil {
		return nil, fmt.Errorf("stub resume jump: %w", err)
	}
	a.Emit(jump...)

	return a.Bytes()
}

// StubContext returns the context address embedded in a stub built by BuildStub
func StubContext(stub []byte) (uint32, error) {
	if len(stub) < StubSize || stub[0] != 0x9C || stub[2] != 0xBB {
		return 0, fmt.Errorf("not a capture stub")
	}
	return binary.LittleEndian.Uint32(stub[3:]), nil
}

// contextHeader encodes the first ContextHeaderSize bytes of a context block
func contextHeader(enabled bool, id, capacity uint32) []byte {
	b := make([]byte, ContextHeaderSize)
	if enabled {
		binary.LittleEndian.PutUint32(b[offEnabled:], 1)
	}
	binary.LittleEndian.PutUint32(b[offID:], id)
	binary.LittleEndian.PutUint32(b[offCapacity:], capacity)
	return b
}
