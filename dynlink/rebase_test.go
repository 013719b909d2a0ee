package dynlink

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRebase_AppliesLoadBias(t *testing.T) {
	mem := make([]byte, 16)
	binary.LittleEndian.PutUint64(mem[0:8], 0x1000)

	img := &Image{
		c: &container{
			segments: []Segment{{Name: "__DATA", FileOff: 0}},
		},
		mem:      mem,
		loadBias: 0x50,
		rebaseBytes: []byte{
			0x11,       // REBASE_OPCODE_SET_TYPE_IMM(1) | pointer
			0x20, 0x00, // REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB(segment 0), offset ULEB 0
			0x51, // REBASE_OPCODE_DO_REBASE_IMM_TIMES(1)
			0x00, // REBASE_OPCODE_DONE
		},
	}

	require.NoError(t, img.runRebase())
	assert.Equal(t, uint64(0x1050), binary.LittleEndian.Uint64(mem[0:8]))
}

func TestRunRebase_NoBytesIsNoop(t *testing.T) {
	img := &Image{c: &container{}, mem: make([]byte, 8)}
	assert.NoError(t, img.runRebase())
}

func TestRunRebase_RejectsBadSegmentIndex(t *testing.T) {
	img := &Image{
		c:   &container{segments: []Segment{{FileOff: 0}}},
		mem: make([]byte, 8),
		rebaseBytes: []byte{
			0x11,
			0x25, 0x00, // segment index 5, out of range
			0x51,
			0x00,
		},
	}
	assert.Error(t, img.runRebase())
}
