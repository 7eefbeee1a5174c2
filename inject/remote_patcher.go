package inject

import (
	"context"

	"github.com/pkg/errors"

	"gohook/config"
	"gohook/diag"
	"gohook/hook"
	"gohook/process"
)

// Modules searched for VirtualProtect, in order
var virtualProtectModules = []string{"kernelbase.dll", "kernel32.dll"}

const flushModule = "ntdll.dll"

// RemotePatcher applies patches from inside the target by running the patch procedure
// on a remote thread. The target's own VirtualProtect and NtFlushInstructionCache are used.
type RemotePatcher struct {
	injector  *Injector
	resolver  Resolver
	policy    config.ProtectRestore
	procedure []byte
	log       *diag.Scoped
}

var _ hook.Patcher = (*RemotePatcher)(nil)

func NewRemotePatcher(injector *Injector, resolver Resolver, policy config.ProtectRestore, logger diag.Logger) (*RemotePatcher, error) {
	code, err := PatchProcedure()
	if err != nil {
		return nil, errors.Wrap(err, "assemble patch procedure")
	}
	if policy == "" {
		policy = config.RestoreSoft
	}
	return &RemotePatcher{
		injector:  injector,
		resolver:  resolver,
		policy:    policy,
		procedure: code,
		log:       diag.NewScoped(logger, diag.Memory),
	}, nil
}

func (p *RemotePatcher) Patch(ctx context.Context, addr process.ProcessMemoryAddress, data []byte) error {
	if uint64(addr) > 0xFFFFFFFF {
		return hook.NewError(hook.InvalidAddress, nil, "target outside 32-bit address space")
	}

	virtualProtect, flush, err := p.entryPoints()
	if err != nil {
		return hook.NewError(hook.WriteMemory, err, "resolve patch entry points")
	}

	params, err := NewPatchParams(uint32(addr), data, virtualProtect, flush)
	if err != nil {
		return hook.NewError(hook.WriteMemory, err, "build patch parameters")
	}

	out, err := p.run(ctx, params)
	if err != nil {
		return err
	}

	if out.RestoreStatus != 0 {
		return nil
	}

	if p.policy != config.RestoreHard {
		p.log.Warnf("restore protection 0x%X at %s failed, page left writable", out.OldProtect, addr.ToString())
		return nil
	}

	rollback, err := NewPatchParams(uint32(addr), out.SavedBytes(), virtualProtect, flush)
	if err == nil {
		_, err = p.run(ctx, rollback)
	}
	if err != nil {
		p.log.Errorf("roll back patch at %s failed: %v", addr.ToString(), err)
	}
	return hook.NewError(hook.MemoryProtect, nil, "restore protection inside target")
}

func (p *RemotePatcher) run(ctx context.Context, params *PatchParams) (*PatchParams, error) {
	_, raw, err := p.injector.CallReadBack(ctx, p.procedure, params.Marshal())
	if err != nil {
		var perr *ProcedureError
		if errors.As(err, &perr) {
			switch perr.Code {
			case ErrorInvalidParameter:
				return nil, hook.NewError(hook.InvalidAddress, err, "patch procedure rejected parameters")
			case ErrorInvalidAddress:
				return nil, hook.NewError(hook.MemoryProtect, err, "patch procedure could not unprotect target")
			}
		}
		return nil, hook.NewError(hook.WriteMemory, err, "run patch procedure")
	}

	out, err := UnmarshalPatchParams(raw)
	if err != nil {
		return nil, hook.NewError(hook.WriteMemory, err, "decode patch result")
	}
	return out, nil
}

func (p *RemotePatcher) entryPoints() (uint32, uint32, error) {
	virtualProtect, _, err := ResolveAny(p.resolver, virtualProtectModules, "VirtualProtect")
	if err != nil {
		return 0, 0, err
	}
	flush, err := p.resolver.Resolve(flushModule, "NtFlushInstructionCache")
	if err != nil {
		return 0, 0, err
	}
	return uint32(virtualProtect), uint32(flush), nil
}
