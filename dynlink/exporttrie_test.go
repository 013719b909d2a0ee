package dynlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSimpleTrie builds a two-node export trie with a single exported
// symbol "_foo" at offset 0x100, laid out by hand the way dyld's linker
// would emit it.
func buildSimpleTrie() []byte {
	return []byte{
		0x00,                              // root: terminalSize = 0 (not itself exported)
		0x01,                              // root: childCount = 1
		'_', 'f', 'o', 'o', 0x00,          // child label "_foo"
		0x08,                              // child node offset = 8
		0x03,                              // child: terminalSize = 3 (flags + address)
		0x00,                              // child: flags = 0 (regular)
		0x80, 0x02,                        // child: address = 0x100 (ULEB)
		0x00,                              // child: childCount = 0
	}
}

func TestWalkExportTrie_FindsSymbol(t *testing.T) {
	out, err := walkExportTrie(buildSimpleTrie())
	require.NoError(t, err)
	require.Contains(t, out, "_foo")
	assert.Equal(t, uint64(0x100), out["_foo"].offset)
}

func TestWalkExportTrie_Empty(t *testing.T) {
	out, err := walkExportTrie(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestWalkExportTrie_MissingSymbolNotPresent(t *testing.T) {
	out, err := walkExportTrie(buildSimpleTrie())
	require.NoError(t, err)
	_, ok := out["_bar"]
	assert.False(t, ok)
}
