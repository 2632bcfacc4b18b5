package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewArena(t *testing.T) {
	_, err := NewArena(0x1001, 4096)
	assert.ErrorContains(t, err, "not page aligned")

	_, err = NewArena(0xffff_f000, 8192)
	assert.ErrorContains(t, err, "does not fit")

	a, err := NewArena(0x10_0000, 8192)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, uint32(0x10_0000), a.Base())
	assert.Equal(t, 8192, a.Size())
}

func TestArena_Alloc(t *testing.T) {
	a, err := NewArena(0x10_0000, 4096)
	require.NoError(t, err)
	defer a.Close()

	r, err := a.Alloc(3, 1)
	require.NoError(t, err)
	assert.Equal(t, Region{Addr: 0x10_0000, Size: 3}, r)
	assert.Equal(t, uint32(0x10_0003), r.End())

	r, err = a.Alloc(128, 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x10_0010), r.Addr)

	_, err = a.Alloc(16, 3)
	assert.ErrorContains(t, err, "not a power of 2")

	_, err = a.Alloc(4096, 16)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	// A failed allocation does not consume space
	r, err = a.Alloc(4096-0x90, 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x10_0090), r.Addr)
}

func TestArena_Access(t *testing.T) {
	a, err := NewArena(0x20_0000, 4096)
	require.NoError(t, err)
	defer a.Close()

	r, err := a.Alloc(16, 16)
	require.NoError(t, err)

	a.Store32(r.Addr+4, 0x8300f000)
	assert.Equal(t, uint32(0x8300f000), a.Load32(r.Addr+4))

	b, err := a.Bytes(r.Addr, 16)
	require.NoError(t, err)
	assert.Len(t, b, 16)

	b[0] = 0xaa
	assert.Equal(t, uint32(0xaa), a.Load32(r.Addr)&0xff)

	_, err = a.Bytes(0x1000, 4)
	assert.ErrorIs(t, err, ErrBadAddress)

	_, err = a.Bytes(0x20_0000+4090, 8)
	assert.ErrorIs(t, err, ErrBadAddress)

	assert.Panics(t, func() { a.Load32(r.Addr + 2) })
	assert.Panics(t, func() { a.Store32(0x30_0000, 1) })
}
