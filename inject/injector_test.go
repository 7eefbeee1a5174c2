package inject

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gohook/process"
	"gohook/process_blob"
)

func newTarget(t *testing.T) *process_blob.ProcessBlob {
	t.Helper()

	p := process_blob.NewProcessBlob(4242)
	code := make([]byte, 0x1000)
	for i := range code {
		code[i] = 0x90
	}
	p.Map(0x00401000, code, process.PageExecuteRead)
	p.AddModule(process.ModuleInfo{Name: "run.exe", Base: 0x00400000, Size: 0x2000})
	return p
}

func assertReleased(t *testing.T, p *process_blob.ProcessBlob) {
	t.Helper()
	assert.Equal(t, 0, p.Outstanding(), "remote allocations left behind")
	assert.Equal(t, 0, p.OpenThreads(), "thread handles left open")
}

func TestCallRunsCode(t *testing.T) {
	p := newTarget(t)

	var seenParam []byte
	p.SetExecutor(func(p *process_blob.ProcessBlob, entry, param process.ProcessMemoryAddress) uint32 {
		seenParam, _ = p.Peek(param, 4)
		_ = p.Poke(param, []byte{9, 8, 7, 6})
		return 0
	})

	inj := NewInjector(p, time.Second, nil)
	code, out, err := inj.CallReadBack(context.Background(), []byte{0xC3}, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), code)
	assert.Equal(t, []byte{1, 2, 3, 4}, seenParam)
	assert.Equal(t, []byte{9, 8, 7, 6}, out)
	assertReleased(t, p)
}

func TestCallWithoutParam(t *testing.T) {
	p := newTarget(t)

	seen := process.ProcessMemoryAddress(1)
	p.SetExecutor(func(p *process_blob.ProcessBlob, entry, param process.ProcessMemoryAddress) uint32 {
		seen = param
		return 0
	})

	_, err := NewInjector(p, time.Second, nil).Call(context.Background(), []byte{0xC3}, nil)
	require.NoError(t, err)
	assert.Equal(t, process.ProcessMemoryAddress(0), seen)
	assertReleased(t, p)
}

func TestCallGrowsCodeBuffer(t *testing.T) {
	p := newTarget(t)

	big := make([]byte, CodeBufferSize+100)
	big[len(big)-1] = 0xC3
	var tail []byte
	p.SetExecutor(func(p *process_blob.ProcessBlob, entry, param process.ProcessMemoryAddress) uint32 {
		tail, _ = p.Peek(entry+process.ProcessMemoryAddress(len(big)-1), 1)
		return 0
	})

	_, err := NewInjector(p, time.Second, nil).Call(context.Background(), big, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC3}, tail)
	assertReleased(t, p)
}

func TestCallEmptyCode(t *testing.T) {
	p := newTarget(t)
	_, err := NewInjector(p, time.Second, nil).Call(context.Background(), nil, []byte{1})
	assert.ErrorIs(t, err, ErrEmptyCode)
	assertReleased(t, p)
}

func TestCallNonZeroExit(t *testing.T) {
	p := newTarget(t)
	p.SetExecutor(func(*process_blob.ProcessBlob, process.ProcessMemoryAddress, process.ProcessMemoryAddress) uint32 {
		return ErrorInvalidAddress
	})

	code, err := NewInjector(p, time.Second, nil).Call(context.Background(), []byte{0xC3}, []byte{1})
	require.Error(t, err)
	assert.Equal(t, uint32(ErrorInvalidAddress), code)

	var perr *ProcedureError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, uint32(ErrorInvalidAddress), perr.Code)
	assertReleased(t, p)
}

func TestCallReleasesOnEveryFailure(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name string
		op   process_blob.Op
		skip int
		want error
	}{
		{"param alloc", process_blob.OpAllocate, 0, ErrParamAlloc},
		{"param write", process_blob.OpWrite, 0, ErrParamWrite},
		{"code alloc", process_blob.OpAllocate, 1, ErrCodeAlloc},
		{"code write", process_blob.OpWrite, 1, ErrCodeWrite},
		{"thread", process_blob.OpCreateThread, 0, ErrRemoteThread},
		{"wait", process_blob.OpWait, 0, boom},
		{"read back", process_blob.OpRead, 0, ErrParamRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTarget(t)
			p.SetExecutor(func(*process_blob.ProcessBlob, process.ProcessMemoryAddress, process.ProcessMemoryAddress) uint32 {
				return 0
			})
			p.InjectFault(tt.op, tt.skip, boom)

			_, _, err := NewInjector(p, time.Second, nil).CallReadBack(context.Background(), []byte{0xC3}, []byte{1, 2})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, boom, "cause is kept")
			assertReleased(t, p)
		})
	}
}

func TestCallTimeoutTerminatesThread(t *testing.T) {
	p := newTarget(t)
	p.SetHang(true)

	start := time.Now()
	_, err := NewInjector(p, 20*time.Millisecond, nil).Call(context.Background(), []byte{0xEB, 0xFE}, []byte{1})
	require.Error(t, err)
	assert.ErrorIs(t, err, process.ErrRemoteThreadTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, p.Terminated())
	assertReleased(t, p)
}

func TestCallHonorsContext(t *testing.T) {
	p := newTarget(t)
	p.SetHang(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewInjector(p, time.Minute, nil).Call(ctx, []byte{0xC3}, nil)
	assert.ErrorIs(t, err, process.ErrRemoteThreadTimeout)
	assertReleased(t, p)
}
