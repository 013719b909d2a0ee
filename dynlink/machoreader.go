package dynlink

import (
	"encoding/binary"
	"io"

	"github.com/anillo-os/kernel-core/internal/errkind"
)

// Segment is one parsed LC_SEGMENT_64.
type Segment struct {
	Name     string
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	Prot     int32
	Sections []Section
}

// Section is one parsed section_64, trailing its owning LC_SEGMENT_64.
type Section struct {
	Name    string
	VMAddr  uint64
	Size    uint64
	FileOff uint64
}

// DylibDep is one parsed LC_LOAD_DYLIB/LC_LOAD_WEAK_DYLIB/LC_REEXPORT_DYLIB.
type DylibDep struct {
	Name     string
	Weak     bool
	Reexport bool
}

// dyldInfo mirrors struct dyld_info_command's offset/size pairs.
type dyldInfo struct {
	rebaseOff, rebaseSize     uint32
	bindOff, bindSize         uint32
	weakBindOff, weakBindSize uint32
	lazyBindOff, lazyBindSize uint32
	exportOff, exportSize     uint32
}

// container is the result of parsing a Mach-O file's header and load
// commands, hand-rolled over encoding/binary rather than via a third-party
// Mach-O library: see DESIGN.md for why (no verifiable source for the
// candidate library's current API was available in the retrieved pack).
// Only 64-bit little-endian images are supported (§4.4 Non-goals exclude
// 32-bit and big-endian targets).
type container struct {
	cpuType    int32
	fileType   uint32
	entryPoint uint64 // from LC_MAIN, file offset
	hasEntryPoint bool

	segments []Segment
	dylibs   []DylibDep
	rpaths   []string

	symtabOff, symtabCount uint32
	strOff, strSize        uint32

	dysymtabPresent bool
	indirectSymOff  uint32
	indirectSymCnt  uint32

	dyld        dyldInfo
	exportsTrie struct {
		off, size uint32
	}

	chainedFixupsPresent bool
}

func parseContainer(r io.ReaderAt) (*container, error) {
	var hdr [32]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, errkind.Wrap(errkind.TemporaryOutage, "dynlink.reader.header", err)
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != magic64 {
		return nil, errkind.New(errkind.InvalidArgument, "dynlink.reader.magic")
	}
	c := &container{
		cpuType:  int32(binary.LittleEndian.Uint32(hdr[4:8])),
		fileType: binary.LittleEndian.Uint32(hdr[12:16]),
	}
	ncmds := binary.LittleEndian.Uint32(hdr[16:20])
	sizeofcmds := binary.LittleEndian.Uint32(hdr[20:24])

	buf := make([]byte, sizeofcmds)
	if _, err := r.ReadAt(buf, 32); err != nil {
		return nil, errkind.Wrap(errkind.TemporaryOutage, "dynlink.reader.load_commands", err)
	}

	off := uint32(0)
	for i := uint32(0); i < ncmds; i++ {
		if off+8 > uint32(len(buf)) {
			return nil, errkind.New(errkind.InvalidArgument, "dynlink.reader.truncated")
		}
		cmd := binary.LittleEndian.Uint32(buf[off : off+4])
		cmdsize := binary.LittleEndian.Uint32(buf[off+4 : off+8])
		if cmdsize < 8 || off+cmdsize > uint32(len(buf)) {
			return nil, errkind.New(errkind.InvalidArgument, "dynlink.reader.truncated")
		}
		body := buf[off : off+cmdsize]

		if err := c.parseLoadCommand(cmd, body); err != nil {
			return nil, err
		}
		off += cmdsize
	}
	return c, nil
}

func (c *container) parseLoadCommand(cmd uint32, body []byte) error {
	switch cmd {
	case lcSegment64:
		return c.parseSegment64(body)
	case lcSymtab:
		if len(body) < 24 {
			return errkind.New(errkind.InvalidArgument, "dynlink.reader.symtab")
		}
		c.symtabOff = binary.LittleEndian.Uint32(body[8:12])
		c.symtabCount = binary.LittleEndian.Uint32(body[12:16])
		c.strOff = binary.LittleEndian.Uint32(body[16:20])
		c.strSize = binary.LittleEndian.Uint32(body[20:24])
	case lcDysymtab:
		if len(body) < 80 {
			return errkind.New(errkind.InvalidArgument, "dynlink.reader.dysymtab")
		}
		c.dysymtabPresent = true
		c.indirectSymOff = binary.LittleEndian.Uint32(body[64:68])
		c.indirectSymCnt = binary.LittleEndian.Uint32(body[68:72])
	case lcLoadDylib, lcLoadWeakDylib, lcLoadUpwardDylib, lcReexportDylib:
		if len(body) < 24 {
			return errkind.New(errkind.InvalidArgument, "dynlink.reader.dylib")
		}
		nameOff := binary.LittleEndian.Uint32(body[8:12])
		if int(nameOff) > len(body) {
			return errkind.New(errkind.InvalidArgument, "dynlink.reader.dylib")
		}
		name := cString(body[nameOff:])
		c.dylibs = append(c.dylibs, DylibDep{
			Name:     name,
			Weak:     cmd == lcLoadWeakDylib,
			Reexport: cmd == lcReexportDylib,
		})
	case lcRpath:
		if len(body) < 12 {
			return errkind.New(errkind.InvalidArgument, "dynlink.reader.rpath")
		}
		pathOff := binary.LittleEndian.Uint32(body[8:12])
		if int(pathOff) > len(body) {
			return errkind.New(errkind.InvalidArgument, "dynlink.reader.rpath")
		}
		c.rpaths = append(c.rpaths, cString(body[pathOff:]))
	case lcDyldInfo, lcDyldInfoOnly:
		if len(body) < 48 {
			return errkind.New(errkind.InvalidArgument, "dynlink.reader.dyld_info")
		}
		c.dyld = dyldInfo{
			rebaseOff:     binary.LittleEndian.Uint32(body[8:12]),
			rebaseSize:    binary.LittleEndian.Uint32(body[12:16]),
			bindOff:       binary.LittleEndian.Uint32(body[16:20]),
			bindSize:      binary.LittleEndian.Uint32(body[20:24]),
			weakBindOff:   binary.LittleEndian.Uint32(body[24:28]),
			weakBindSize:  binary.LittleEndian.Uint32(body[28:32]),
			lazyBindOff:   binary.LittleEndian.Uint32(body[32:36]),
			lazyBindSize:  binary.LittleEndian.Uint32(body[36:40]),
			exportOff:     binary.LittleEndian.Uint32(body[40:44]),
			exportSize:    binary.LittleEndian.Uint32(body[44:48]),
		}
	case lcDyldExportsTrie:
		if len(body) < 16 {
			return errkind.New(errkind.InvalidArgument, "dynlink.reader.exports_trie")
		}
		c.exportsTrie.off = binary.LittleEndian.Uint32(body[8:12])
		c.exportsTrie.size = binary.LittleEndian.Uint32(body[12:16])
	case lcMain:
		if len(body) < 16 {
			return errkind.New(errkind.InvalidArgument, "dynlink.reader.main")
		}
		c.entryPoint = binary.LittleEndian.Uint64(body[8:16])
		c.hasEntryPoint = true
	case lcDyldChainedFixups:
		c.chainedFixupsPresent = true
	}
	return nil
}

// section64Size is sizeof(struct section_64): two 16-byte names, the 8-byte
// addr and size, then eight 4-byte fields (offset, align, reloff, nreloc,
// flags, reserved1-3) totalling 80 bytes per entry, trailing the owning
// LC_SEGMENT_64's fixed 64-byte payload.
const section64Size = 80

func (c *container) parseSegment64(body []byte) error {
	if len(body) < 72 {
		return errkind.New(errkind.InvalidArgument, "dynlink.reader.segment")
	}
	seg := Segment{
		Name:     cString(body[8:24]),
		VMAddr:   binary.LittleEndian.Uint64(body[24:32]),
		VMSize:   binary.LittleEndian.Uint64(body[32:40]),
		FileOff:  binary.LittleEndian.Uint64(body[40:48]),
		FileSize: binary.LittleEndian.Uint64(body[48:56]),
		Prot:     int32(binary.LittleEndian.Uint32(body[60:64])),
	}
	nsects := binary.LittleEndian.Uint32(body[64:68])

	off := 72
	for i := uint32(0); i < nsects; i++ {
		if off+section64Size > len(body) {
			return errkind.New(errkind.InvalidArgument, "dynlink.reader.section")
		}
		sec := body[off : off+section64Size]
		seg.Sections = append(seg.Sections, Section{
			Name:    cString(sec[0:16]),
			VMAddr:  binary.LittleEndian.Uint64(sec[32:40]),
			Size:    binary.LittleEndian.Uint64(sec[40:48]),
			FileOff: uint64(binary.LittleEndian.Uint32(sec[48:52])),
		})
		off += section64Size
	}

	c.segments = append(c.segments, seg)
	return nil
}

// cString reads a NUL-terminated string from the front of b.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
