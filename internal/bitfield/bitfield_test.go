package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetTest(t *testing.T) {
	b := New(10)
	assert.False(t, b.Test(0))
	b.Set(0)
	b.Set(9)
	assert.True(t, b.Test(0))
	assert.True(t, b.Test(9))
	assert.False(t, b.Test(5))
	assert.Equal(t, uint32(2), b.Count())
	b.Clear(0)
	assert.False(t, b.Test(0))
	assert.Equal(t, uint32(1), b.Count())
}

func TestWireOrder(t *testing.T) {
	// bit 0 is the most significant bit of byte 0
	b := New(16)
	b.Set(0)
	b.Set(8)
	assert.Equal(t, []byte{0x80, 0x80}, b.Bytes())
}

func TestAll(t *testing.T) {
	b := New(9)
	for i := uint32(0); i < 9; i++ {
		assert.False(t, b.All())
		b.Set(i)
	}
	assert.True(t, b.All())
}

func TestNewBytes(t *testing.T) {
	_, err := NewBytes([]byte{0xff}, 16)
	assert.Error(t, err)

	_, err = NewBytes([]byte{0xff, 0xff}, 9)
	assert.Error(t, err, "spare bits must be rejected")

	b, err := NewBytes([]byte{0xff, 0x80}, 9)
	require.NoError(t, err)
	assert.True(t, b.All())
}

func TestCopy(t *testing.T) {
	b := New(8)
	b.Set(3)
	c := b.Copy()
	c.Set(4)
	assert.True(t, c.Test(3))
	assert.False(t, b.Test(4))
}
