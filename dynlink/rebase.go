package dynlink

import (
	"encoding/binary"

	"github.com/anillo-os/kernel-core/internal/errkind"
)

// runRebase interprets the REBASE_OPCODE_* bytecode (§4.4 "Rebasing"),
// writing load-bias-adjusted pointers directly into img.mem. Rebasing
// adjusts every internal pointer already materialized in the file for the
// actual load address. Applying it more than once to the same image would
// double-add the bias, which is exactly why the image-loaded-once invariant
// (the global images map plus LOADED_ALREADY short-circuit in Load) is load-
// bearing rather than a mere cache: it's what keeps runRebase a one-shot
// operation per Image (§8).
func (img *Image) runRebase() error {
	b := img.rebaseBytes
	if len(b) == 0 {
		return nil
	}

	var segIndex int
	var segOffset uint64
	var rebaseType uint8 = rebaseTypePointer

	doRebaseOne := func() error {
		if segIndex < 0 || segIndex >= len(img.c.segments) {
			return errkind.New(errkind.InvalidArgument, "dynlink.rebase.segment")
		}
		seg := img.c.segments[segIndex]
		addr := seg.FileOff + segOffset
		if addr+8 > uint64(len(img.mem)) {
			return errkind.New(errkind.InvalidArgument, "dynlink.rebase.bounds")
		}
		switch rebaseType {
		case rebaseTypePointer, rebaseTypeTextAbsolute32, rebaseTypeTextPCRel32:
			orig := binary.LittleEndian.Uint64(img.mem[addr : addr+8])
			binary.LittleEndian.PutUint64(img.mem[addr:addr+8], orig+img.loadBias)
		default:
			return errkind.New(errkind.InvalidArgument, "dynlink.rebase.type")
		}
		segOffset += 8
		return nil
	}

	off := 0
	for off < len(b) {
		opByte := b[off]
		off++
		opcode := opByte & rebaseOpcodeMask
		imm := opByte & rebaseImmediateMask

		switch opcode {
		case rebaseOpcodeDone:
			return nil
		case rebaseOpcodeSetTypeImm:
			rebaseType = imm
		case rebaseOpcodeSetSegmentOffsetULEB:
			segIndex = int(imm)
			v, next, err := readULEB128(b, off)
			if err != nil {
				return err
			}
			segOffset = v
			off = next
		case rebaseOpcodeAddAddrULEB:
			v, next, err := readULEB128(b, off)
			if err != nil {
				return err
			}
			segOffset += v
			off = next
		case rebaseOpcodeAddAddrImmScaled:
			segOffset += uint64(imm) * 8
		case rebaseOpcodeDoRebaseImmTimes:
			for i := uint8(0); i < imm; i++ {
				if err := doRebaseOne(); err != nil {
					return err
				}
			}
		case rebaseOpcodeDoRebaseULEBTimes:
			count, next, err := readULEB128(b, off)
			if err != nil {
				return err
			}
			off = next
			for i := uint64(0); i < count; i++ {
				if err := doRebaseOne(); err != nil {
					return err
				}
			}
		case rebaseOpcodeDoRebaseAddAddrULEB:
			if err := doRebaseOne(); err != nil {
				return err
			}
			v, next, err := readULEB128(b, off)
			if err != nil {
				return err
			}
			segOffset += v
			off = next
		case rebaseOpcodeDoRebaseULEBTimesSkippingULEB:
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
				if err := doRebaseOne(); err != nil {
					return err
				}
				segOffset += skip
			}
		default:
			return errkind.New(errkind.InvalidArgument, "dynlink.rebase.opcode")
		}
	}
	return nil
}
