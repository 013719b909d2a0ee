package dynlink

// Mach-O load command and magic constants, adopted from the reference
// constants retrieved alongside this pack (the upstream blacktop/go-macho
// types file); only the subset this linker actually interprets is kept.
const (
	magic64    uint32 = 0xfeedfacf
	cigam64    uint32 = 0xcffaedfe // magic64 byte-swapped
	lcReqDyld  uint32 = 0x80000000

	lcSegment64       uint32 = 0x19
	lcSymtab          uint32 = 0x2
	lcDysymtab        uint32 = 0xb
	lcLoadDylib       uint32 = 0xc
	lcIDDylib         uint32 = 0xd
	lcLoadDylinker    uint32 = 0xe
	lcLoadWeakDylib   uint32 = 0x18 | lcReqDyld
	lcUUID            uint32 = 0x1b
	lcRpath           uint32 = 0x1c | lcReqDyld
	lcReexportDylib   uint32 = 0x1f | lcReqDyld
	lcDyldInfo        uint32 = 0x22
	lcDyldInfoOnly    uint32 = 0x22 | lcReqDyld
	lcLoadUpwardDylib uint32 = 0x23 | lcReqDyld
	lcMain            uint32 = 0x28 | lcReqDyld
	lcDyldExportsTrie uint32 = 0x33 | lcReqDyld
	lcDyldChainedFixups uint32 = 0x34 | lcReqDyld
)

// cpuType / fileType values this linker accepts; anything else is rejected
// up front rather than half-parsed.
const (
	cpuTypeARM64 int32 = 0x0100000c
	cpuTypeX8664 int32 = 0x01000007

	mhExecute  uint32 = 0x2
	mhDylib    uint32 = 0x6
	mhBundle   uint32 = 0x8
)

// Segment protection bits (VM_PROT_*), used only to decide whether a
// segment is mapped executable for informational purposes.
const (
	vmProtRead    int32 = 0x1
	vmProtWrite   int32 = 0x2
	vmProtExecute int32 = 0x4
)

// Rebase opcodes (REBASE_OPCODE_*).
const (
	rebaseOpcodeMask               = 0xF0
	rebaseImmediateMask            = 0x0F
	rebaseOpcodeDone               = 0x00
	rebaseOpcodeSetTypeImm         = 0x10
	rebaseOpcodeSetSegmentOffsetULEB = 0x20
	rebaseOpcodeAddAddrULEB        = 0x30
	rebaseOpcodeAddAddrImmScaled   = 0x40
	rebaseOpcodeDoRebaseImmTimes   = 0x50
	rebaseOpcodeDoRebaseULEBTimes  = 0x60
	rebaseOpcodeDoRebaseAddAddrULEB = 0x70
	rebaseOpcodeDoRebaseULEBTimesSkippingULEB = 0x80
)

const (
	rebaseTypePointer = 1
	rebaseTypeTextAbsolute32 = 2
	rebaseTypeTextPCRel32    = 3
)

// Bind opcodes (BIND_OPCODE_*).
const (
	bindOpcodeMask                          = 0xF0
	bindImmediateMask                       = 0x0F
	bindOpcodeDone                          = 0x00
	bindOpcodeSetDylibOrdinalImm            = 0x10
	bindOpcodeSetDylibOrdinalULEB           = 0x20
	bindOpcodeSetDylibSpecialImm            = 0x30
	bindOpcodeSetSymbolTrailingFlagsImm     = 0x40
	bindOpcodeSetTypeImm                    = 0x50
	bindOpcodeSetAddendSLEB                 = 0x60
	bindOpcodeSetSegmentOffsetULEB          = 0x70
	bindOpcodeAddAddrULEB                   = 0x80
	bindOpcodeDoBind                        = 0x90
	bindOpcodeDoBindAddAddrULEB             = 0xA0
	bindOpcodeDoBindAddAddrImmScaled        = 0xB0
	bindOpcodeDoBindULEBTimesSkippingULEB   = 0xC0
	bindOpcodeThreaded                      = 0xD0
)

const (
	bindTypePointer          = 1
	bindTypeTextAbsolute32   = 2
	bindTypeTextPCRel32      = 3
	bindSpecialDylibSelf     = 0
	bindSpecialDylibMainExecutable = -1
	bindSpecialDylibFlatLookup     = -2
	bindSymbolFlagsWeakImport = 0x1
	bindSymbolFlagsNonWeakDefinition = 0x8
)

// Export trie node kinds (EXPORT_SYMBOL_FLAGS_KIND_*).
const (
	exportSymbolFlagsKindMask      = 0x03
	exportSymbolFlagsKindRegular   = 0x00
	exportSymbolFlagsKindThreadLocal = 0x01
	exportSymbolFlagsKindAbsolute  = 0x02
	exportSymbolFlagsWeakDefinition = 0x04
	exportSymbolFlagsReexport      = 0x08
	exportSymbolFlagsStubAndResolver = 0x10
)
