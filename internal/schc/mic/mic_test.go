package mic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aranea-iot/schcgw/internal/schc/mic"
)

func TestComputeIsDeterministic(t *testing.T) {
	data := []byte("a small compressed packet")
	a := mic.Compute(data)
	b := mic.Compute(data)
	assert.Equal(t, a, b)
	assert.Len(t, a, mic.Size)
}

func TestComputeIsSensitiveToEveryByte(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	base := mic.Compute(data)
	for i := range data {
		mutated := append([]byte(nil), data...)
		mutated[i] ^= 0xFF
		got := mic.Compute(mutated)
		assert.NotEqual(t, base, got, "byte %d", i)
	}
}
