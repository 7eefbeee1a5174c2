package reghook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a, b := &RegisterHook{}, &RegisterHook{}

	assert.Nil(t, r.Current())

	idA := r.Register(a)
	idB := r.Register(b)
	assert.NotZero(t, idA)
	assert.NotEqual(t, idA, idB)
	assert.Same(t, b, r.Current(), "last registered is current")

	got, ok := r.Lookup(idA)
	assert.True(t, ok)
	assert.Same(t, a, got)

	r.Release(idA)
	assert.Same(t, b, r.Current(), "releasing another id keeps current")
	_, ok = r.Lookup(idA)
	assert.False(t, ok)
	assert.False(t, r.SetCurrent(idA))

	r.Release(idB)
	assert.Nil(t, r.Current())
	assert.Equal(t, 0, r.Len())
}
