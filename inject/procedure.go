package inject

import (
	"encoding/binary"
	"fmt"

	"gohook/x86"
)

// Win32 error codes the patch procedure returns
const (
	ErrorInvalidParameter = 87
	ErrorInvalidAddress   = 487
)

// MaxPatchLength is the capacity of PatchParams.Replacement
const MaxPatchLength = 16

// PatchParams is the parameter block of the patch procedure, packed, little-endian:
//
//	+0  Target                   address to patch
//	+4  Length                   1..16
//	+8  VirtualProtect           entry point in the target
//	+12 NtFlushInstructionCache  entry point in the target
//	+16 OldProtect               out: protection before the patch
//	+20 Scratch                  protection returned by the restore call
//	+24 Replacement[16]
//	+40 Saved[16]                out: bytes found at Target
//	+56 RestoreStatus            out: nonzero when protection was restored
type PatchParams struct {
	Target         uint32
	Length         uint32
	VirtualProtect uint32
	FlushCache     uint32
	OldProtect     uint32
	Scratch        uint32
	Replacement    [MaxPatchLength]byte
	Saved          [MaxPatchLength]byte
	RestoreStatus  uint32
}

// PatchParamsSize is the encoded size of PatchParams
const PatchParamsSize = 60

const (
	offTarget        = 0
	offLength        = 4
	offVirtualProt   = 8
	offFlushCache    = 12
	offOldProtect    = 16
	offScratch       = 20
	offReplacement   = 24
	offSaved         = 40
	offRestoreStatus = 56
)

// NewPatchParams fills the inputs of a patch of data at target
func NewPatchParams(target uint32, data []byte, virtualProtect, flushCache uint32) (*PatchParams, error) {
	if len(data) == 0 || len(data) > MaxPatchLength {
		return nil, fmt.Errorf("patch length %d outside 1..%d", len(data), MaxPatchLength)
	}
	p := &PatchParams{
		Target:         target,
		Length:         uint32(len(data)),
		VirtualProtect: virtualProtect,
		FlushCache:     flushCache,
	}
	copy(p.Replacement[:], data)
	return p, nil
}

func (p *PatchParams) Marshal() []byte {
	b := make([]byte, PatchParamsSize)
	binary.LittleEndian.PutUint32(b[offTarget:], p.Target)
	binary.LittleEndian.PutUint32(b[offLength:], p.Length)
	binary.LittleEndian.PutUint32(b[offVirtualProt:], p.VirtualProtect)
	binary.LittleEndian.PutUint32(b[offFlushCache:], p.FlushCache)
	binary.LittleEndian.PutUint32(b[offOldProtect:], p.OldProtect)
	binary.LittleEndian.PutUint32(b[offScratch:], p.Scratch)
	copy(b[offReplacement:], p.Replacement[:])
	copy(b[offSaved:], p.Saved[:])
	binary.LittleEndian.PutUint32(b[offRestoreStatus:], p.RestoreStatus)
	return b
}

func UnmarshalPatchParams(b []byte) (*PatchParams, error) {
	if len(b) < PatchParamsSize {
		return nil, fmt.Errorf("patch params: %d bytes, want %d", len(b), PatchParamsSize)
	}
	p := &PatchParams{
		Target:         binary.LittleEndian.Uint32(b[offTarget:]),
		Length:         binary.LittleEndian.Uint32(b[offLength:]),
		VirtualProtect: binary.LittleEndian.Uint32(b[offVirtualProt:]),
		FlushCache:     binary.LittleEndian.Uint32(b[offFlushCache:]),
		OldProtect:     binary.LittleEndian.Uint32(b[offOldProtect:]),
		Scratch:        binary.LittleEndian.Uint32(b[offScratch:]),
		RestoreStatus:  binary.LittleEndian.Uint32(b[offRestoreStatus:]),
	}
	copy(p.Replacement[:], b[offReplacement:])
	copy(p.Saved[:], b[offSaved:])
	return p, nil
}

// SavedBytes returns the captured original bytes
func (p *PatchParams) SavedBytes() []byte {
	n := p.Length
	if n > MaxPatchLength {
		n = MaxPatchLength
	}
	return append([]byte(nil), p.Saved[:n]...)
}

// PatchProcedure assembles DWORD WINAPI patch(PatchParams *p) for 32-bit targets.
// It saves the bytes at p->Target, writes p->Replacement under PAGE_EXECUTE_READWRITE,
// restores the old protection and flushes the instruction cache of the current process.
func PatchProcedure() ([]byte, error) {
	a := x86.NewAssembler()

	a.Emit(0x55)             // push ebp
	a.Emit(0x8B, 0xEC)       // mov ebp, esp
	a.Emit(0x53, 0x56, 0x57) // push ebx; push esi; push edi
	a.Emit(0x8B, 0x5D, 0x08) // mov ebx, [ebp+8]

	a.Emit(0x85, 0xDB) // test ebx, ebx
	a.Jcc8(x86.OpJe8, "badParam")
	a.Emit(0x8B, 0x0B) // mov ecx, [ebx]
	a.Emit(0x85, 0xC9) // test ecx, ecx
	a.Jcc8(x86.OpJe8, "badParam")
	a.Emit(0x8B, 0x4B, offLength) // mov ecx, [ebx+Length]
	a.Emit(0x85, 0xC9)            // test ecx, ecx
	a.Jcc8(x86.OpJe8, "badParam")
	a.Emit(0x83, 0xF9, MaxPatchLength) // cmp ecx, 16
	a.Jcc8(x86.OpJa8, "badParam")

	// VirtualProtect(Target, Length, PAGE_EXECUTE_READWRITE, &OldProtect)
	a.Emit(0x8D, 0x43, offOldProtect) // lea eax, [ebx+OldProtect]
	a.Emit(0x50)                      // push eax
	a.Emit(0x6A, 0x40)                // push 0x40
	a.Emit(0xFF, 0x73, offLength)     // push [ebx+Length]
	a.Emit(0xFF, 0x33)                // push [ebx]
	a.Emit(0xFF, 0x53, offVirtualProt)
	a.Emit(0x85, 0xC0) // test eax, eax
	a.Jcc8(x86.OpJe8, "badAddress")

	// Saved = *Target
	a.Emit(0xFC)                  // cld
	a.Emit(0x8B, 0x33)            // mov esi, [ebx]
	a.Emit(0x8D, 0x7B, offSaved)  // lea edi, [ebx+Saved]
	a.Emit(0x8B, 0x4B, offLength) // mov ecx, [ebx+Length]
	a.Emit(0xF3, 0xA4)            // rep movsb

	// *Target = Replacement
	a.Emit(0x8D, 0x73, offReplacement) // lea esi, [ebx+Replacement]
	a.Emit(0x8B, 0x3B)                 // mov edi, [ebx]
	a.Emit(0x8B, 0x4B, offLength)      // mov ecx, [ebx+Length]
	a.Emit(0xF3, 0xA4)                 // rep movsb

	// RestoreStatus = VirtualProtect(Target, Length, OldProtect, &Scratch)
	a.Emit(0x8D, 0x43, offScratch)    // lea eax, [ebx+Scratch]
	a.Emit(0x50)                      // push eax
	a.Emit(0xFF, 0x73, offOldProtect) // push [ebx+OldProtect]
	a.Emit(0xFF, 0x73, offLength)     // push [ebx+Length]
	a.Emit(0xFF, 0x33)                // push [ebx]
	a.Emit(0xFF, 0x53, offVirtualProt)
	a.Emit(0x89, 0x43, offRestoreStatus) // mov [ebx+RestoreStatus], eax

	// NtFlushInstructionCache(NtCurrentProcess(), Target, Length)
	a.Emit(0xFF, 0x73, offLength) // push [ebx+Length]
	a.Emit(0xFF, 0x33)            // push [ebx]
	a.Emit(0x6A, 0xFF)            // push -1
	a.Emit(0xFF, 0x53, offFlushCache)

	a.Emit(0x31, 0xC0) // xor eax, eax
	a.Jmp8("done")

	a.Label("badParam")
	a.Emit(0xB8).Imm32(ErrorInvalidParameter)
	a.Jmp8("done")

	a.Label("badAddress")
	a.Emit(0xB8).Imm32(ErrorInvalidAddress)

	a.Label("done")
	a.Emit(0x5F, 0x5E, 0x5B, 0x5D) // pop edi; pop esi; pop ebx; pop ebp
	a.Emit(0xC2, 0x04, 0x00)       // ret 4

	return a.Bytes()
}
