package dynlink

import "github.com/anillo-os/kernel-core/internal/errkind"

// exportEntry is one resolved entry of an image's export trie.
type exportEntry struct {
	offset uint64 // file/VM offset, before load bias
	flags  uint64
}

// walkExportTrie decodes the compact export trie format (§4.4 "Export
// trie") into a flat name->entry map. The trie is walked once, eagerly, at
// load time (the ExportsInited stage) rather than per lookup, trading a
// little extra work for dependency-ordinal-independent lookups later.
func walkExportTrie(b []byte) (map[string]exportEntry, error) {
	out := make(map[string]exportEntry)
	if len(b) == 0 {
		return out, nil
	}
	if err := walkExportNode(b, 0, "", out, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func walkExportNode(b []byte, off int, prefix string, out map[string]exportEntry, depth int) error {
	if depth > 128 {
		return errkind.New(errkind.InvalidArgument, "dynlink.export_trie.depth")
	}
	if off < 0 || off >= len(b) {
		return errkind.New(errkind.InvalidArgument, "dynlink.export_trie.bounds")
	}

	terminalSize, next, err := readULEB128(b, off)
	if err != nil {
		return err
	}
	off = next

	if terminalSize > 0 {
		flags, afterFlags, err := readULEB128(b, off)
		if err != nil {
			return err
		}
		entry := exportEntry{flags: flags}
		if flags&exportSymbolFlagsKindMask == exportSymbolFlagsKindRegular ||
			flags&exportSymbolFlagsKindMask == exportSymbolFlagsKindThreadLocal {
			if flags&exportSymbolFlagsReexport != 0 {
				// re-exported symbol: payload is a dylib ordinal + name,
				// not an address. Out of scope for the in-process
				// simulation; record the entry with a zero offset rather
				// than fail the whole trie walk.
			} else if flags&exportSymbolFlagsStubAndResolver != 0 {
				addr, _, err := readULEB128(b, afterFlags)
				if err != nil {
					return err
				}
				entry.offset = addr
			} else {
				addr, _, err := readULEB128(b, afterFlags)
				if err != nil {
					return err
				}
				entry.offset = addr
			}
		} else {
			addr, _, err := readULEB128(b, afterFlags)
			if err != nil {
				return err
			}
			entry.offset = addr
		}
		out[prefix] = entry
	}

	childOff := off + int(terminalSize)
	if childOff < 0 || childOff > len(b) {
		return errkind.New(errkind.InvalidArgument, "dynlink.export_trie.bounds")
	}
	if childOff == len(b) {
		return nil
	}
	childCount := b[childOff]
	childOff++

	for i := byte(0); i < childCount; i++ {
		start := childOff
		for childOff < len(b) && b[childOff] != 0 {
			childOff++
		}
		if childOff >= len(b) {
			return errkind.New(errkind.InvalidArgument, "dynlink.export_trie.bounds")
		}
		label := string(b[start:childOff])
		childOff++ // skip NUL

		childNodeOff, next, err := readULEB128(b, childOff)
		if err != nil {
			return err
		}
		childOff = next

		if err := walkExportNode(b, int(childNodeOff), prefix+label, out, depth+1); err != nil {
			return err
		}
	}
	return nil
}
