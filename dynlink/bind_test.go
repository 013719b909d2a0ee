package dynlink

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBind_ResolvesOrdinalSymbolFromDependency(t *testing.T) {
	dep := &Image{exports: map[string]exportEntry{"_foo": {offset: 0x200}}}

	mem := make([]byte, 8)
	img := &Image{
		c:    &container{segments: []Segment{{FileOff: 0}}},
		mem:  mem,
		deps: []*Image{dep},
		bindBytes: []byte{
			0x11,                       // BIND_OPCODE_SET_DYLIB_ORDINAL_IMM(1)
			0x40, '_', 'f', 'o', 'o', 0, // BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM(0) "_foo"
			0x70, 0x00, // BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB(segment 0), offset 0
			0x90, // BIND_OPCODE_DO_BIND
			0x00, // BIND_OPCODE_DONE
		},
	}
	img.mainExecutable = img

	require.NoError(t, img.runBind(img.bindBytes))
	assert.Equal(t, uint64(0x200), binary.LittleEndian.Uint64(mem[0:8]))
}

func TestRunBind_UnresolvedSymbolFails(t *testing.T) {
	dep := &Image{exports: map[string]exportEntry{}}
	img := &Image{
		c:    &container{segments: []Segment{{FileOff: 0}}},
		mem:  make([]byte, 8),
		deps: []*Image{dep},
		bindBytes: []byte{
			0x11,
			0x40, '_', 'm', 'i', 's', 's', 'i', 'n', 'g', 0,
			0x70, 0x00,
			0x90,
			0x00,
		},
	}
	assert.Error(t, img.runBind(img.bindBytes))
}

func TestRunBind_ThreadedOpcodeRejected(t *testing.T) {
	img := &Image{c: &container{}, mem: make([]byte, 8)}
	assert.Error(t, img.runBind([]byte{0xD0}))
}

func TestResolveSymbol_SpecialOrdinals(t *testing.T) {
	mainExec := &Image{exports: map[string]exportEntry{"_main": {offset: 0x10}}}
	img := &Image{mainExecutable: mainExec, exports: map[string]exportEntry{"_self": {offset: 0x20}}}

	addr, err := img.resolveSymbol("_main", bindSpecialDylibMainExecutable)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10), addr)

	addr, err = img.resolveSymbol("_self", bindSpecialDylibSelf)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20), addr)
}
