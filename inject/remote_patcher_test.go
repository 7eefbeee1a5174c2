package inject

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gohook/config"
	"gohook/hook"
	"gohook/process"
	"gohook/process_blob"
)

const hookTarget process.ProcessMemoryAddress = 0x00401230

func newRemotePatcher(t *testing.T, p *process_blob.ProcessBlob, policy config.ProtectRestore) *RemotePatcher {
	t.Helper()
	p.SetExecutor(emulatePatchProcedure)
	rp, err := NewRemotePatcher(NewInjector(p, time.Second, nil), kernelResolver(), policy, nil)
	require.NoError(t, err)
	return rp
}

func TestRemotePatcherWritesInsideTarget(t *testing.T) {
	p := newTarget(t)
	rp := newRemotePatcher(t, p, config.RestoreSoft)

	jump := []byte{0xE9, 0xCB, 0x0D, 0x00, 0x00}
	require.NoError(t, rp.Patch(context.Background(), hookTarget, jump))

	got, err := p.ReadMemory(hookTarget, 5)
	require.NoError(t, err)
	assert.Equal(t, jump, got)

	prot, err := p.QueryProtection(hookTarget)
	require.NoError(t, err)
	assert.Equal(t, process.PageExecuteRead, prot)

	flushes := p.Flushes()
	require.Len(t, flushes, 1)
	assert.Equal(t, hookTarget, flushes[0].Address)
	assertReleased(t, p)
}

func TestRemotePatcherDrivesHook(t *testing.T) {
	p := newTarget(t)
	rp := newRemotePatcher(t, p, config.RestoreSoft)

	h := hook.NewJumpHook(p, rp, hookTarget, 0x00402000, 5, nil)
	require.NoError(t, h.Install(context.Background()))
	got, _ := p.ReadMemory(hookTarget, 5)
	assert.Equal(t, []byte{0xE9, 0xCB, 0x0D, 0x00, 0x00}, got)

	require.NoError(t, h.Uninstall(context.Background()))
	got, _ = p.ReadMemory(hookTarget, 5)
	assert.Equal(t, []byte{0x90, 0x90, 0x90, 0x90, 0x90}, got)
	assertReleased(t, p)
}

func TestRemotePatcherErrors(t *testing.T) {
	p := newTarget(t)
	rp := newRemotePatcher(t, p, config.RestoreSoft)
	ctx := context.Background()

	err := rp.Patch(ctx, 0, []byte{0x90})
	assert.Equal(t, hook.InvalidAddress, hook.KindOf(err, hook.None))

	err = rp.Patch(ctx, 0x00700000, []byte{0x90})
	assert.Equal(t, hook.MemoryProtect, hook.KindOf(err, hook.None))

	p.InjectFault(process_blob.OpCreateThread, 0, errors.New("denied"))
	err = rp.Patch(ctx, hookTarget, []byte{0xCC})
	assert.Equal(t, hook.WriteMemory, hook.KindOf(err, hook.None))
	assert.ErrorIs(t, err, ErrRemoteThread)

	unresolved, err := NewRemotePatcher(NewInjector(p, time.Second, nil), staticResolver{}, config.RestoreSoft, nil)
	require.NoError(t, err)
	err = unresolved.Patch(ctx, hookTarget, []byte{0xCC})
	assert.ErrorIs(t, err, ErrExportNotFound)

	got, _ := p.ReadMemory(hookTarget, 1)
	assert.Equal(t, []byte{0x90}, got, "failed patches leave code untouched")
	assertReleased(t, p)
}

func TestRemotePatcherRestorePolicy(t *testing.T) {
	t.Run("soft keeps the write", func(t *testing.T) {
		p := newTarget(t)
		rp := newRemotePatcher(t, p, config.RestoreSoft)
		p.InjectFault(process_blob.OpProtect, 1, errors.New("restore denied"))

		require.NoError(t, rp.Patch(context.Background(), hookTarget, []byte{0xCC}))
		got, _ := p.Peek(hookTarget, 1)
		assert.Equal(t, []byte{0xCC}, got)
		prot, _ := p.QueryProtection(hookTarget)
		assert.Equal(t, process.PageExecuteReadWrite, prot, "page left writable")
	})

	t.Run("hard rolls back", func(t *testing.T) {
		p := newTarget(t)
		rp := newRemotePatcher(t, p, config.RestoreHard)
		p.InjectFault(process_blob.OpProtect, 1, errors.New("restore denied"))

		err := rp.Patch(context.Background(), hookTarget, []byte{0xCC, 0xCC})
		assert.Equal(t, hook.MemoryProtect, hook.KindOf(err, hook.None))
		got, _ := p.Peek(hookTarget, 2)
		assert.Equal(t, []byte{0x90, 0x90}, got)
		assertReleased(t, p)
	})
}
