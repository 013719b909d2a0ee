package dynlink

import (
	"encoding/binary"

	"github.com/anillo-os/kernel-core/internal/errkind"
)

// bindState is the interpreter's running state for BIND_OPCODE_* bytecode,
// shared between the eager (bind) and weak-bind streams — lazy bind uses
// the same opcode set but is driven one symbol at a time by StubBinder
// instead of run to completion up front.
type bindState struct {
	segIndex  int
	segOffset uint64
	bindType  uint8
	dylibOrd  int
	symbol    string
	addend    int64
}

// runBind interprets the BIND_OPCODE_* bytecode in b, resolving each bound
// symbol against img's dependency set and writing the resolved address into
// img.mem (§4.4 "Binding"). Unlike rebase, a bind record names an external
// symbol, looked up in the dependency its ordinal selects (or, for a flat
// lookup, in the first of img's dependencies that exports it; duplicates in
// later dependencies are not checked for). Absence is a hard load failure, not a deferred one
// (that's what lazy bind stubs are for).
func (img *Image) runBind(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	st := bindState{bindType: bindTypePointer}

	doBind := func() error {
		if st.segIndex < 0 || st.segIndex >= len(img.c.segments) {
			return errkind.New(errkind.InvalidArgument, "dynlink.bind.segment")
		}
		seg := img.c.segments[st.segIndex]
		addr := seg.FileOff + st.segOffset
		if addr+8 > uint64(len(img.mem)) {
			return errkind.New(errkind.InvalidArgument, "dynlink.bind.bounds")
		}
		target, err := img.resolveSymbol(st.symbol, st.dylibOrd)
		if err != nil {
			return err
		}
		val := uint64(int64(target) + st.addend)
		binary.LittleEndian.PutUint64(img.mem[addr:addr+8], val)
		st.segOffset += 8
		return nil
	}

	off := 0
	for off < len(b) {
		opByte := b[off]
		off++
		opcode := opByte & bindOpcodeMask
		imm := opByte & bindImmediateMask

		switch opcode {
		case bindOpcodeDone:
			return nil
		case bindOpcodeSetDylibOrdinalImm:
			st.dylibOrd = int(imm)
		case bindOpcodeSetDylibOrdinalULEB:
			v, next, err := readULEB128(b, off)
			if err != nil {
				return err
			}
			st.dylibOrd = int(v)
			off = next
		case bindOpcodeSetDylibSpecialImm:
			// sign-extend the 4-bit immediate (special ordinals are negative).
			st.dylibOrd = int(int8(imm<<4) >> 4)
		case bindOpcodeSetSymbolTrailingFlagsImm:
			start := off
			for off < len(b) && b[off] != 0 {
				off++
			}
			st.symbol = string(b[start:off])
			off++ // skip NUL
		case bindOpcodeSetTypeImm:
			st.bindType = imm
		case bindOpcodeSetAddendSLEB:
			v, next, err := readSLEB128(b, off)
			if err != nil {
				return err
			}
			st.addend = v
			off = next
		case bindOpcodeSetSegmentOffsetULEB:
			st.segIndex = int(imm)
			v, next, err := readULEB128(b, off)
			if err != nil {
				return err
			}
			st.segOffset = v
			off = next
		case bindOpcodeAddAddrULEB:
			v, next, err := readULEB128(b, off)
			if err != nil {
				return err
			}
			st.segOffset += v
			off = next
		case bindOpcodeDoBind:
			if err := doBind(); err != nil {
				return err
			}
		case bindOpcodeDoBindAddAddrULEB:
			if err := doBind(); err != nil {
				return err
			}
			v, next, err := readULEB128(b, off)
			if err != nil {
				return err
			}
			st.segOffset += v
			off = next
		case bindOpcodeDoBindAddAddrImmScaled:
			if err := doBind(); err != nil {
				return err
			}
			st.segOffset += uint64(imm) * 8
		case bindOpcodeDoBindULEBTimesSkippingULEB:
			count, next, err := readULEB128(b, off)
			if err != nil {
				return err
			}
			off = next
			skip, next2, err := readULEB128(b, off)
			if err != nil {
				return err
			}
			off = next2
			for i := uint64(0); i < count; i++ {
				if err := doBind(); err != nil {
					return err
				}
				st.segOffset += skip
			}
		case bindOpcodeThreaded:
			// Threaded bind (chained fixups' predecessor encoding) is
			// rejected here with errkind.Unsupported; linker.go rejects only
			// LC_DYLD_CHAINED_FIXUPS up front.
			return errkind.New(errkind.Unsupported, "dynlink.bind.threaded")
		default:
			return errkind.New(errkind.InvalidArgument, "dynlink.bind.opcode")
		}
	}
	return nil
}

// resolveSymbol looks up name in img's ordinal-indexed dependency list (or
// in img itself, for the special "self"/"main executable" ordinals), and
// returns its bound (post-rebase) address.
func (img *Image) resolveSymbol(name string, ordinal int) (uint64, error) {
	var dep *Image
	switch ordinal {
	case bindSpecialDylibSelf:
		dep = img
	case bindSpecialDylibMainExecutable:
		dep = img.mainExecutable
	case bindSpecialDylibFlatLookup:
		for _, d := range img.deps {
			if addr, ok := d.lookupExport(name); ok {
				return addr, nil
			}
		}
		return 0, errkind.New(errkind.NoSuchResource, "dynlink.bind.resolve")
	default:
		idx := ordinal - 1
		if idx < 0 || idx >= len(img.deps) {
			return 0, errkind.New(errkind.InvalidArgument, "dynlink.bind.ordinal")
		}
		dep = img.deps[idx]
	}
	if dep == nil {
		return 0, errkind.New(errkind.NoSuchResource, "dynlink.bind.resolve")
	}
	addr, ok := dep.lookupExport(name)
	if !ok {
		return 0, errkind.New(errkind.NoSuchResource, "dynlink.bind.resolve")
	}
	return addr, nil
}
