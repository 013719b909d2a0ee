package dynlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadULEB128_SingleByte(t *testing.T) {
	v, off, err := readULEB128([]byte{0x08}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), v)
	assert.Equal(t, 1, off)
}

func TestReadULEB128_MultiByte(t *testing.T) {
	// 256 encodes as 0x80, 0x02.
	v, off, err := readULEB128([]byte{0x80, 0x02, 0xFF}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(256), v)
	assert.Equal(t, 2, off)
}

func TestReadULEB128_Truncated(t *testing.T) {
	_, _, err := readULEB128([]byte{0x80}, 0)
	assert.Error(t, err)
}

func TestReadSLEB128_Negative(t *testing.T) {
	// -1 encodes as a single byte 0x7f.
	v, off, err := readSLEB128([]byte{0x7f}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)
	assert.Equal(t, 1, off)
}

func TestReadSLEB128_Positive(t *testing.T) {
	v, off, err := readSLEB128([]byte{0x08}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(8), v)
	assert.Equal(t, 1, off)
}
