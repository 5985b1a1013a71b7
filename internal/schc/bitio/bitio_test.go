package bitio_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aranea-iot/schcgw/internal/schc/bitio"
)

func TestSetClearRoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	bitio.Set(buf, 3, 10)
	for i := 0; i < 32; i++ {
		want := i >= 3 && i < 13
		assert.Equal(t, want, bitio.At(buf, i), "bit %d", i)
	}
	bitio.Clear(buf, 3, 10)
	assert.True(t, bitio.IsZero(buf, 32))
}

func TestCopyThenCompare(t *testing.T) {
	src := []byte{0b10110100, 0b11000000}
	dst := make([]byte, 2)
	bitio.Copy(dst, 2, src, 0, 11)
	// shifted by 2, so reread at offset 2 must match the original bits.
	for i := 0; i < 11; i++ {
		assert.Equal(t, bitio.At(src, i), bitio.At(dst, i+2), "bit %d", i)
	}
}

func TestCopyUnalignedPreservesLength(t *testing.T) {
	src := []byte{0xFF, 0xFF}
	dst := make([]byte, 2)
	bitio.Copy(dst, 5, src, 0, 6)
	for i := 0; i < 6; i++ {
		require.True(t, bitio.At(dst, 5+i))
	}
	assert.False(t, bitio.At(dst, 4))
	assert.False(t, bitio.At(dst, 11))
}

func TestXorSelfIsZero(t *testing.T) {
	a := []byte{0xAB, 0xCD}
	dst := make([]byte, 2)
	bitio.Xor(dst, a, a, 16)
	assert.True(t, bitio.IsZero(dst, 16))
}

func TestXorAccumulatesOnly(t *testing.T) {
	a := []byte{0b10000000}
	b := []byte{0b00000000}
	dst := []byte{0b01000000}
	bitio.Xor(dst, a, b, 8)
	// bit 0 differs (1 vs 0) -> set; bit 1 already set in dst and untouched.
	assert.True(t, bitio.At(dst, 0))
	assert.True(t, bitio.At(dst, 1))
}

func TestWriteReadUint(t *testing.T) {
	buf := make([]byte, 2)
	bitio.WriteUint(buf, 1, 5, 0b10110)
	got := bitio.ReadUint(buf, 1, 5)
	assert.Equal(t, uint32(0b10110), got)
}
