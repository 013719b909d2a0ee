package dynlink

import "github.com/anillo-os/kernel-core/internal/errkind"

// indexLazyBind scans the LAZY bind stream once, at load time, recording
// where each symbol's self-contained bind stanza starts (every lazy record
// is its own little program: set dylib ordinal, set symbol, set segment
// offset, do-bind, done). This lets StubBinder later re-run just that one
// stanza through the ordinary bind interpreter instead of re-scanning the
// whole stream per call.
func indexLazyBind(b []byte) map[string]int {
	out := make(map[string]int)
	stanzaStart := 0
	off := 0
	for off < len(b) {
		opByte := b[off]
		opcode := opByte & bindOpcodeMask
		imm := opByte & bindImmediateMask
		start := off
		off++

		switch opcode {
		case bindOpcodeSetSymbolTrailingFlagsImm:
			symStart := off
			for off < len(b) && b[off] != 0 {
				off++
			}
			if off < len(b) {
				out[string(b[symStart:off])] = stanzaStart
				off++ // skip NUL
			}
		case bindOpcodeSetDylibOrdinalULEB, bindOpcodeSetSegmentOffsetULEB, bindOpcodeAddAddrULEB:
			_, next, err := readULEB128(b, off)
			if err != nil {
				return out
			}
			off = next
		case bindOpcodeSetAddendSLEB:
			_, next, err := readSLEB128(b, off)
			if err != nil {
				return out
			}
			off = next
		case bindOpcodeDone:
			stanzaStart = off
		case bindOpcodeSetDylibOrdinalImm, bindOpcodeSetDylibSpecialImm, bindOpcodeSetTypeImm:
			// no trailing operand besides imm, already consumed
		default:
			_ = imm
			_ = start
		}
	}
	return out
}

// StubBinder backs §4.4's lazy-bind stub protocol: a called-through-a-stub
// symbol is resolved at most once, the first time it's actually invoked,
// rather than eagerly at load time.
type StubBinder struct {
	img   *Image
	index map[string]int
}

func newStubBinder(img *Image) *StubBinder {
	return &StubBinder{img: img, index: indexLazyBind(img.lazyBindBytes)}
}

// Resolve runs the bind stanza for symbol (if not already bound), writing
// the resolved pointer into the image and returning its absolute address.
// Calling Resolve again for an already-bound symbol is cheap and returns
// the same address, matching a real lazy-bind stub's "bind once, jump
// directly thereafter" behavior.
func (b *StubBinder) Resolve(symbol string) (uint64, error) {
	img := b.img
	img.mu.Lock()
	defer img.mu.Unlock()

	if addr, ok := img.exports["$lazy$"+symbol]; ok {
		return addr.offset + img.loadBias, nil
	}

	start, ok := b.index[symbol]
	if !ok {
		return 0, errkind.New(errkind.NoSuchResource, "dynlink.stub_binder.resolve")
	}
	stanza := img.lazyBindBytes[start:]
	if err := img.runBind(stanza); err != nil {
		return 0, err
	}

	addr, err := img.resolveSymbolFromLazyStanza(symbol, stanza)
	if err != nil {
		return 0, err
	}
	img.exports["$lazy$"+symbol] = exportEntry{offset: addr - img.loadBias}
	return addr, nil
}

// resolveSymbolFromLazyStanza re-derives which ordinal/name the stanza
// bound, purely to report the address back to the caller (runBind itself
// already wrote it into img.mem).
func (img *Image) resolveSymbolFromLazyStanza(symbol string, stanza []byte) (uint64, error) {
	ordinal := 0
	off := 0
	for off < len(stanza) {
		opByte := stanza[off]
		opcode := opByte & bindOpcodeMask
		imm := opByte & bindImmediateMask
		off++
		switch opcode {
		case bindOpcodeSetDylibOrdinalImm:
			ordinal = int(imm)
		case bindOpcodeSetDylibOrdinalULEB:
			v, next, err := readULEB128(stanza, off)
			if err != nil {
				return 0, err
			}
			ordinal = int(v)
			off = next
		case bindOpcodeSetSymbolTrailingFlagsImm:
			for off < len(stanza) && stanza[off] != 0 {
				off++
			}
			off++
		case bindOpcodeDoBind, bindOpcodeDone:
			return img.resolveSymbol(symbol, ordinal)
		default:
			// best effort: stop at the first unhandled opcode in a lazy
			// stanza, which in practice never needs more than the above.
			return img.resolveSymbol(symbol, ordinal)
		}
	}
	return img.resolveSymbol(symbol, ordinal)
}
