package dynlink

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// machoBuilder assembles a minimal, well-formed Mach-O 64 byte stream for
// parseContainer tests, load command by load command.
type machoBuilder struct {
	cputype uint32
	cmds    bytes.Buffer
	ncmds   uint32
}

func newMachoBuilder() *machoBuilder {
	return &machoBuilder{cputype: uint32(cpuTypeARM64)}
}

func (b *machoBuilder) appendCmd(cmd uint32, body []byte) {
	cmdsize := uint32(8 + len(body))
	binary.Write(&b.cmds, binary.LittleEndian, cmd)
	binary.Write(&b.cmds, binary.LittleEndian, cmdsize)
	b.cmds.Write(body)
	b.ncmds++
}

func (b *machoBuilder) addSegment64(name string, vmaddr, vmsize, fileoff, filesize uint64, prot int32) {
	body := make([]byte, 64) // segname(16) + vmaddr/vmsize/fileoff/filesize (32) + maxprot/initprot/nsects/flags (16)
	copy(body[0:16], name)
	binary.LittleEndian.PutUint64(body[16:24], vmaddr)
	binary.LittleEndian.PutUint64(body[24:32], vmsize)
	binary.LittleEndian.PutUint64(body[32:40], fileoff)
	binary.LittleEndian.PutUint64(body[40:48], filesize)
	binary.LittleEndian.PutUint32(body[48:52], uint32(prot))
	binary.LittleEndian.PutUint32(body[52:56], uint32(prot))
	b.appendCmd(lcSegment64, body)
}

// addSegment64WithSection is addSegment64 plus a single trailing section_64,
// for exercising parseSegment64's section-array parsing.
func (b *machoBuilder) addSegment64WithSection(name string, vmaddr, vmsize, fileoff, filesize uint64, prot int32, sectName string, sectVMAddr, sectSize uint64, sectFileOff uint32) {
	body := make([]byte, 64)
	copy(body[0:16], name)
	binary.LittleEndian.PutUint64(body[16:24], vmaddr)
	binary.LittleEndian.PutUint64(body[24:32], vmsize)
	binary.LittleEndian.PutUint64(body[32:40], fileoff)
	binary.LittleEndian.PutUint64(body[40:48], filesize)
	binary.LittleEndian.PutUint32(body[48:52], uint32(prot))
	binary.LittleEndian.PutUint32(body[52:56], uint32(prot))
	binary.LittleEndian.PutUint32(body[56:60], 1) // nsects

	sect := make([]byte, 80)
	copy(sect[0:16], sectName)
	binary.LittleEndian.PutUint64(sect[32:40], sectVMAddr)
	binary.LittleEndian.PutUint64(sect[40:48], sectSize)
	binary.LittleEndian.PutUint32(sect[48:52], sectFileOff)

	b.appendCmd(lcSegment64, append(body, sect...))
}

func (b *machoBuilder) addLoadDylib(name string) {
	fixed := make([]byte, 16) // nameOff(4) + timestamp(4) + current_version(4) + compat_version(4)
	binary.LittleEndian.PutUint32(fixed[0:4], 24) // offset is from the start of the load command, header included
	body := append(fixed, append([]byte(name), 0)...)
	b.appendCmd(lcLoadDylib, body)
}

func (b *machoBuilder) addRpath(path string) {
	fixed := make([]byte, 4)
	binary.LittleEndian.PutUint32(fixed[0:4], 12) // offset is from the start of the load command, header included
	body := append(fixed, append([]byte(path), 0)...)
	b.appendCmd(lcRpath, body)
}

func (b *machoBuilder) addDyldInfoOnly(rebaseOff, rebaseSize, bindOff, bindSize, lazyOff, lazySize, exportOff, exportSize uint32) {
	body := make([]byte, 40)
	binary.LittleEndian.PutUint32(body[0:4], rebaseOff)
	binary.LittleEndian.PutUint32(body[4:8], rebaseSize)
	binary.LittleEndian.PutUint32(body[8:12], bindOff)
	binary.LittleEndian.PutUint32(body[12:16], bindSize)
	binary.LittleEndian.PutUint32(body[24:28], lazyOff)
	binary.LittleEndian.PutUint32(body[28:32], lazySize)
	binary.LittleEndian.PutUint32(body[32:36], exportOff)
	binary.LittleEndian.PutUint32(body[36:40], exportSize)
	b.appendCmd(lcDyldInfoOnly, body)
}

func (b *machoBuilder) addMain(entryOff uint64) {
	body := make([]byte, 16)
	binary.LittleEndian.PutUint64(body[0:8], entryOff)
	b.appendCmd(lcMain, body)
}

func (b *machoBuilder) addChainedFixups() {
	b.appendCmd(lcDyldChainedFixups, make([]byte, 8))
}

// build produces the full byte stream: 32-byte header followed by the
// accumulated load commands, optionally padded with trailing zero bytes so
// file-offset fields used in the test can point past the command area.
func (b *machoBuilder) build(trailing int) []byte {
	var out bytes.Buffer
	hdr := make([]byte, 32)
	binary.LittleEndian.PutUint32(hdr[0:4], magic64)
	binary.LittleEndian.PutUint32(hdr[4:8], b.cputype)
	binary.LittleEndian.PutUint32(hdr[12:16], mhExecute)
	binary.LittleEndian.PutUint32(hdr[16:20], b.ncmds)
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(b.cmds.Len()))
	out.Write(hdr)
	out.Write(b.cmds.Bytes())
	out.Write(make([]byte, trailing))
	return out.Bytes()
}

func TestParseContainer_SegmentAndDylibAndRpath(t *testing.T) {
	b := newMachoBuilder()
	b.addSegment64("__TEXT", 0x1000, 0x2000, 0, 0x2000, vmProtRead|vmProtExecute)
	b.addLoadDylib("libfoo.dylib")
	b.addRpath("@executable_path/../lib")
	data := b.build(0)

	c, err := parseContainer(bytes.NewReader(data))
	require.NoError(t, err)

	require.Len(t, c.segments, 1)
	assert.Equal(t, "__TEXT", c.segments[0].Name)
	assert.Equal(t, uint64(0x1000), c.segments[0].VMAddr)

	require.Len(t, c.dylibs, 1)
	assert.Equal(t, "libfoo.dylib", c.dylibs[0].Name)
	assert.False(t, c.dylibs[0].Weak)

	require.Len(t, c.rpaths, 1)
	assert.Equal(t, "@executable_path/../lib", c.rpaths[0])
}

func TestParseContainer_SegmentSections(t *testing.T) {
	b := newMachoBuilder()
	b.addSegment64WithSection("__TEXT", 0x1000, 0x2000, 0, 0x2000, vmProtRead|vmProtExecute,
		"__text", 0x1100, 0x400, 0x100)
	data := b.build(0)

	c, err := parseContainer(bytes.NewReader(data))
	require.NoError(t, err)

	require.Len(t, c.segments, 1)
	require.Len(t, c.segments[0].Sections, 1)
	sec := c.segments[0].Sections[0]
	assert.Equal(t, "__text", sec.Name)
	assert.Equal(t, uint64(0x1100), sec.VMAddr)
	assert.Equal(t, uint64(0x400), sec.Size)
	assert.Equal(t, uint64(0x100), sec.FileOff)
}

func TestParseContainer_RejectsBadMagic(t *testing.T) {
	data := make([]byte, 32)
	binary.LittleEndian.PutUint32(data[0:4], 0xdeadbeef)
	_, err := parseContainer(bytes.NewReader(data))
	assert.Error(t, err)
}

func TestParseContainer_ChainedFixupsFlag(t *testing.T) {
	b := newMachoBuilder()
	b.addChainedFixups()
	data := b.build(0)
	c, err := parseContainer(bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, c.chainedFixupsPresent)
}
