package dynlink

import "github.com/anillo-os/kernel-core/internal/errkind"

// readULEB128 decodes an unsigned LEB128 value starting at b[off], returning
// the value and the offset just past it. Used throughout the rebase/bind
// bytecode and the export trie, which both encode offsets and counts this
// way.
func readULEB128(b []byte, off int) (uint64, int, error) {
	var result uint64
	var shift uint
	for {
		if off >= len(b) {
			return 0, 0, errkind.New(errkind.InvalidArgument, "dynlink.leb128.uleb")
		}
		byt := b[off]
		off++
		result |= uint64(byt&0x7f) << shift
		if byt&0x80 == 0 {
			break
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, errkind.New(errkind.InvalidArgument, "dynlink.leb128.uleb_overflow")
		}
	}
	return result, off, nil
}

// readSLEB128 decodes a signed LEB128 value, used for bind addends.
func readSLEB128(b []byte, off int) (int64, int, error) {
	var result int64
	var shift uint
	var byt byte
	for {
		if off >= len(b) {
			return 0, 0, errkind.New(errkind.InvalidArgument, "dynlink.leb128.sleb")
		}
		byt = b[off]
		off++
		result |= int64(byt&0x7f) << shift
		shift += 7
		if byt&0x80 == 0 {
			break
		}
		if shift >= 64 {
			return 0, 0, errkind.New(errkind.InvalidArgument, "dynlink.leb128.sleb_overflow")
		}
	}
	if shift < 64 && byt&0x40 != 0 {
		result |= -1 << shift
	}
	return result, off, nil
}
