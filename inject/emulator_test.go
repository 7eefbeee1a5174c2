package inject

import (
	"bytes"

	"gohook/process"
	"gohook/process_blob"
)

// Addresses the emulated kernel exports live at
const (
	fakeVirtualProtect process.ProcessMemoryAddress = 0x76001000
	fakeFlush          process.ProcessMemoryAddress = 0x77002000
)

type staticResolver map[string]process.ProcessMemoryAddress

func (r staticResolver) Resolve(module, symbol string) (process.ProcessMemoryAddress, error) {
	if addr, ok := r[module+"!"+symbol]; ok {
		return addr, nil
	}
	return 0, ErrExportNotFound
}

func kernelResolver() staticResolver {
	return staticResolver{
		"kernel32.dll!VirtualProtect":       fakeVirtualProtect,
		"ntdll.dll!NtFlushInstructionCache": fakeFlush,
	}
}

// emulatePatchProcedure does what the assembled patch procedure does, acting on the blob
// the way code running inside the target would.
func emulatePatchProcedure(p *process_blob.ProcessBlob, entry, param process.ProcessMemoryAddress) uint32 {
	procedure, err := PatchProcedure()
	if err != nil {
		return 0xDEAD
	}
	code, err := p.Peek(entry, process.ProcessMemorySize(len(procedure)))
	if err != nil || !bytes.Equal(code, procedure) {
		return 0xBAD
	}

	if param == 0 {
		return ErrorInvalidParameter
	}
	raw, err := p.Peek(param, PatchParamsSize)
	if err != nil {
		return ErrorInvalidParameter
	}
	params, err := UnmarshalPatchParams(raw)
	if err != nil || params.Target == 0 || params.Length == 0 || params.Length > MaxPatchLength {
		return ErrorInvalidParameter
	}
	if params.VirtualProtect != uint32(fakeVirtualProtect) || params.FlushCache != uint32(fakeFlush) {
		return 0xBAD
	}

	target := process.ProcessMemoryAddress(params.Target)
	size := process.ProcessMemorySize(params.Length)

	old, err := p.SetProtection(target, size, process.PageExecuteReadWrite)
	if err != nil {
		return ErrorInvalidAddress
	}
	params.OldProtect = uint32(old)

	saved, _ := p.Peek(target, size)
	copy(params.Saved[:], saved)
	_ = p.Poke(target, params.Replacement[:size])

	if scratch, err := p.SetProtection(target, size, old); err == nil {
		params.Scratch = uint32(scratch)
		params.RestoreStatus = 1
	} else {
		params.RestoreStatus = 0
	}

	_ = p.FlushInstructionCache(target, size)
	_ = p.Poke(param, params.Marshal())
	return 0
}
