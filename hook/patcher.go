package hook

import (
	"context"

	"gohook/config"
	"gohook/diag"
	"gohook/process"
)

// Patcher puts bytes over code in the target.
// Failures are *Error values of kind MemoryProtect or WriteMemory.
type Patcher interface {
	Patch(ctx context.Context, addr process.ProcessMemoryAddress, data []byte) error
}

// Memory is what a Hook and a LocalPatcher need from the target
type Memory interface {
	ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error)
	WriteMemory(addr process.ProcessMemoryAddress, data []byte) error
	SetProtection(addr process.ProcessMemoryAddress, size process.ProcessMemorySize, protection process.ProcessMemoryProtection) (process.ProcessMemoryProtection, error)
	FlushInstructionCache(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) error
}

// LocalPatcher writes through the controller's own handle:
// make writable, write, restore protection, flush.
type LocalPatcher struct {
	mem    Memory
	policy config.ProtectRestore
	log    *diag.Scoped
}

var _ Patcher = (*LocalPatcher)(nil)

func NewLocalPatcher(mem Memory, policy config.ProtectRestore, logger diag.Logger) *LocalPatcher {
	if policy == "" {
		policy = config.RestoreSoft
	}
	return &LocalPatcher{
		mem:    mem,
		policy: policy,
		log:    diag.NewScoped(logger, diag.Memory),
	}
}

func (p *LocalPatcher) Patch(ctx context.Context, addr process.ProcessMemoryAddress, data []byte) error {
	size := process.ProcessMemorySize(len(data))

	var previous []byte
	if p.policy == config.RestoreHard {
		prev, err := p.mem.ReadMemory(addr, size)
		if err != nil {
			return NewError(InvalidAddress, err, "read bytes under patch")
		}
		previous = prev
	}

	oldProtect, err := p.mem.SetProtection(addr, size, process.PageExecuteReadWrite)
	if err != nil {
		return NewError(MemoryProtect, err, "make patch region writable")
	}

	if err := p.mem.WriteMemory(addr, data); err != nil {
		if _, restoreErr := p.mem.SetProtection(addr, size, oldProtect); restoreErr != nil {
			p.log.Warnf("restore protection at %s after failed write: %v", addr.ToString(), restoreErr)
		}
		return NewError(WriteMemory, err, "write patch")
	}

	if _, err := p.mem.SetProtection(addr, size, oldProtect); err != nil {
		if p.policy != config.RestoreHard {
			p.log.Warnf("restore protection %s at %s failed, page left writable: %v", oldProtect.ToString(), addr.ToString(), err)
		} else {
			if rbErr := p.mem.WriteMemory(addr, previous); rbErr != nil {
				p.log.Errorf("roll back patch at %s failed: %v", addr.ToString(), rbErr)
			}
			p.flush(addr, size)
			return NewError(MemoryProtect, err, "restore protection")
		}
	}

	p.flush(addr, size)
	return nil
}

func (p *LocalPatcher) flush(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) {
	if err := p.mem.FlushInstructionCache(addr, size); err != nil {
		p.log.Warnf("flush instruction cache at %s: %v", addr.ToString(), err)
	}
}
