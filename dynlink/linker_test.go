package dynlink

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memFileSource is an in-memory FileSource test double, keyed by the exact
// name a load command or Load call uses — no search-path resolution, unlike
// OSFileSource.
type memFileSource struct {
	files map[string][]byte
}

func (m memFileSource) OpenByName(name string) (io.ReadCloser, error) {
	data, ok := m.files[name]
	if !ok {
		return nil, errNotFoundForTest
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m memFileSource) ReadExact(name string, offset int64, buf []byte) error {
	data, ok := m.files[name]
	if !ok {
		return errNotFoundForTest
	}
	copy(buf, data[offset:])
	return nil
}

func (m memFileSource) CopyPath(name string) (string, error) {
	if _, ok := m.files[name]; !ok {
		return "", errNotFoundForTest
	}
	return name, nil
}

var errNotFoundForTest = assert.AnError

// encodeULEB128 is the test-side mirror of readULEB128, used to hand-build
// export tries.
func encodeULEB128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

// buildExportTrieSingle builds a two-node export trie exporting exactly one
// symbol, the general form of buildSimpleTrie parameterized by name/address.
func buildExportTrieSingle(label string, addr uint64) []byte {
	addrBytes := encodeULEB128(addr)
	terminal := append([]byte{0x00}, addrBytes...) // flags=0, then address
	childNode := append(encodeULEB128(uint64(len(terminal))), terminal...)
	childNode = append(childNode, 0x00) // childCount = 0

	root := []byte{0x00, 0x01} // terminalSize=0, childCount=1
	root = append(root, []byte(label)...)
	root = append(root, 0x00) // NUL
	childOffsetPos := len(root)
	root = append(root, byte(childOffsetPos+1))

	return append(root, childNode...)
}

func (b *machoBuilder) addExportsTrie(off, size uint32) {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], off)
	binary.LittleEndian.PutUint32(body[4:8], size)
	b.appendCmd(lcDyldExportsTrie, body)
}

func TestLinker_LoadResolvesDependencyBindAndIsIdempotent(t *testing.T) {
	depTrie := buildExportTrieSingle("_dep", 0x400)
	depB := newMachoBuilder()
	depB.addExportsTrie(48, uint32(len(depTrie))) // header(32) + one 16-byte command = 48
	depHeader := depB.build(0)
	require.Len(t, depHeader, 48)
	depBytes := append(depHeader, depTrie...)

	bindBytes := lazyStanza("_dep")
	segCmdSize := 72
	dylibName := "libdep.dylib"
	dylibCmdSize := 8 + 16 + len(dylibName) + 1
	dyldInfoCmdSize := 48
	headerLen := 32 + segCmdSize + dylibCmdSize + dyldInfoCmdSize
	pointerSlotOff := headerLen
	bindOff := pointerSlotOff + 8

	mainB := newMachoBuilder()
	mainB.addSegment64("__DATA", 0, 0, uint64(pointerSlotOff), 8, vmProtRead|vmProtWrite)
	mainB.addLoadDylib(dylibName)
	mainB.addDyldInfoOnly(0, 0, uint32(bindOff), uint32(len(bindBytes)), 0, 0, 0, 0)
	mainHeader := mainB.build(0)
	require.Len(t, mainHeader, headerLen)

	var buf bytes.Buffer
	buf.Write(mainHeader)
	buf.Write(make([]byte, 8)) // pointer slot, zeroed until bound
	buf.Write(bindBytes)
	mainBytes := buf.Bytes()

	source := memFileSource{files: map[string][]byte{
		"main":       mainBytes,
		dylibName:    depBytes,
	}}
	linker := NewLinker(source)

	img, err := linker.Load("main")
	require.NoError(t, err)
	assert.Equal(t, StateReady, img.State)
	require.Len(t, img.Dependencies(), 1)

	dep := img.Dependencies()[0]
	expected := dep.LoadBias() + 0x400
	got := binary.LittleEndian.Uint64(img.mem[pointerSlotOff : pointerSlotOff+8])
	assert.Equal(t, expected, got)

	again, err := linker.Load("main")
	require.NoError(t, err)
	assert.Same(t, img, again)
}

func TestLinker_RecordsDependentBackEdge(t *testing.T) {
	depB := newMachoBuilder()
	depBytes := depB.build(0)

	dylibName := "libdep.dylib"
	mainB := newMachoBuilder()
	mainB.addLoadDylib(dylibName)
	mainBytes := mainB.build(0)

	source := memFileSource{files: map[string][]byte{
		"main":    mainBytes,
		dylibName: depBytes,
	}}
	linker := NewLinker(source)

	img, err := linker.Load("main")
	require.NoError(t, err)
	require.Len(t, img.Dependencies(), 1)

	dep := img.Dependencies()[0]
	require.Len(t, dep.Dependents(), 1)
	assert.Same(t, img, dep.Dependents()[0])
}

func TestLinker_EntryPointMapsFileOffsetToVMAddress(t *testing.T) {
	const segFileOff, segVMAddr, entryFileOff = 0x100, 0x4000, uint64(0x120)

	b := newMachoBuilder()
	b.addSegment64("__TEXT", segVMAddr, 0x1000, segFileOff, 0x1000, vmProtRead|vmProtExecute)
	b.addMain(entryFileOff)
	data := b.build(0)

	source := memFileSource{files: map[string][]byte{"main": data}}
	linker := NewLinker(source)

	img, err := linker.Load("main")
	require.NoError(t, err)

	addr, ok := img.EntryPoint()
	require.True(t, ok)
	assert.Equal(t, segVMAddr+(entryFileOff-segFileOff)+img.LoadBias(), addr)
}

func TestLinker_EntryPointAbsentWithoutLCMain(t *testing.T) {
	b := newMachoBuilder()
	data := b.build(0)
	source := memFileSource{files: map[string][]byte{"main": data}}
	linker := NewLinker(source)

	img, err := linker.Load("main")
	require.NoError(t, err)

	_, ok := img.EntryPoint()
	assert.False(t, ok)
}

func TestLinker_WithDylinkerNameMarksImage(t *testing.T) {
	b := newMachoBuilder()
	data := b.build(0)
	source := memFileSource{files: map[string][]byte{"libdymple.dylib": data}}
	linker := NewLinker(source, WithDylinkerName("libdymple.dylib"))

	img, err := linker.Load("libdymple.dylib")
	require.NoError(t, err)
	assert.True(t, img.IsLibdymple)
}

func TestLinker_RejectsChainedFixups(t *testing.T) {
	b := newMachoBuilder()
	b.addChainedFixups()
	data := b.build(0)
	source := memFileSource{files: map[string][]byte{"x": data}}
	linker := NewLinker(source)

	_, err := linker.Load("x")
	assert.Error(t, err)
}

func TestLinker_RPathTokenSubstitution(t *testing.T) {
	linker := NewLinker(memFileSource{}, WithRPath("/opt/libs"), WithRPath("/usr/local/libs"))
	candidates, err := linker.resolveDependencyName("@rpath/libfoo.dylib")
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/libs/libfoo.dylib", "/usr/local/libs/libfoo.dylib"}, candidates)
}

func TestLinker_LoaderPathTokenSubstitution(t *testing.T) {
	linker := NewLinker(memFileSource{}, WithLoaderPath("/app/Frameworks"))
	candidates, err := linker.resolveDependencyName("@loader_path/libfoo.dylib")
	require.NoError(t, err)
	assert.Equal(t, []string{"/app/Frameworks/libfoo.dylib"}, candidates)
}

func TestLinker_RPathWithoutOptionFails(t *testing.T) {
	linker := NewLinker(memFileSource{})
	_, err := linker.resolveDependencyName("@rpath/libfoo.dylib")
	assert.Error(t, err)
}
