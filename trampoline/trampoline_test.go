package trampoline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gohook/diag"
	"gohook/process"
	"gohook/process_blob"
)

func TestLifecycle(t *testing.T) {
	target := process_blob.NewProcessBlob(1)
	tr := New(target, diag.Discard)

	assert.ErrorIs(t, tr.Write([]byte{0x90}), ErrNotAllocated)
	assert.NoError(t, tr.Free(), "free without region is a no-op")

	require.NoError(t, tr.Allocate(64))
	first := tr.Address()
	assert.NotZero(t, first)
	assert.True(t, tr.IsAllocated())
	assert.Equal(t, process.ProcessMemorySize(64), tr.Size())

	prot, err := target.QueryProtection(first)
	require.NoError(t, err)
	assert.Equal(t, process.PageExecuteReadWrite, prot)

	require.NoError(t, tr.Write([]byte{0xC3}))
	require.NoError(t, tr.WriteAt(10, []byte{0xCC, 0xCC}))
	data, err := tr.Read(9, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xCC, 0xCC}, data)

	assert.ErrorIs(t, tr.Write(nil), ErrEmptyCode)
	assert.ErrorIs(t, tr.Write(make([]byte, 65)), ErrCodeTooLarge)
	assert.ErrorIs(t, tr.WriteAt(63, []byte{1, 2}), ErrCodeTooLarge)

	// Reallocation frees the previous region
	require.NoError(t, tr.Allocate(128))
	assert.NotEqual(t, first, tr.Address())
	assert.Equal(t, 1, target.Outstanding())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 0, target.Outstanding())
	assert.False(t, tr.IsAllocated())
	assert.ErrorIs(t, tr.Allocate(16), ErrClosed)
}

func TestAllocateFailure(t *testing.T) {
	target := process_blob.NewProcessBlob(1)
	target.InjectFault(process_blob.OpAllocate, 0, process.ErrAllocation)

	tr := New(target, nil)
	err := tr.Allocate(32)
	assert.ErrorIs(t, err, process.ErrAllocation)
	assert.False(t, tr.IsAllocated())
}

func TestFreeFailureKeepsRegion(t *testing.T) {
	target := process_blob.NewProcessBlob(1)
	tr := New(target, nil)
	require.NoError(t, tr.Allocate(32))

	boom := errors.New("boom")
	target.InjectFault(process_blob.OpFree, 0, boom)
	assert.ErrorIs(t, tr.Free(), boom)
	assert.True(t, tr.IsAllocated())

	require.NoError(t, tr.Free())
	assert.Equal(t, 0, target.Outstanding())
}
