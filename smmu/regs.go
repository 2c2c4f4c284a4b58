package smmu

// Registers is a controller's register file. Offsets are bytes from the
// start of page 0; the event and PRI queue index registers live in page 1.
type Registers interface {
	Read32(off int) uint32
	Write32(off int, v uint32)
	Read64(off int) uint64
	Write64(off int, v uint64)
}

// register offsets
const (
	RegIDR0           = 0x000
	RegIDR1           = 0x004
	RegIDR5           = 0x014
	RegCR0            = 0x020
	RegCR0ACK         = 0x024
	RegCR1            = 0x028
	RegCR2            = 0x02c
	RegIRQCtrl        = 0x050
	RegIRQCtrlACK     = 0x054
	RegGError         = 0x060
	RegGErrorN        = 0x064
	RegGErrorIRQCfg0  = 0x068
	RegGErrorIRQCfg1  = 0x070
	RegGErrorIRQCfg2  = 0x074
	RegStrtabBase     = 0x080
	RegStrtabBaseCfg  = 0x088
	RegCmdqBase       = 0x090
	RegCmdqProd       = 0x098
	RegCmdqCons       = 0x09c
	RegEventqBase     = 0x0a0
	RegEventqIRQCfg0  = 0x0b0
	RegEventqIRQCfg1  = 0x0b8
	RegEventqIRQCfg2  = 0x0bc
	RegPriqBase       = 0x0c0
	RegPriqIRQCfg0    = 0x0d0
	RegPriqIRQCfg1    = 0x0d8
	RegPriqIRQCfg2    = 0x0dc
	RegSecureCR0      = 0x8020
	RegEventqProd     = 0x100a8
	RegEventqCons     = 0x100ac
	RegPriqProd       = 0x100c8
	RegPriqCons       = 0x100cc
	RegisterSpaceSize = 0x20000
)

// IDR0
const (
	IDR0StLvl2          = 1 << 27
	IDR0StallModelShift = 24
	IDR0StallModelMask  = 3 << IDR0StallModelShift
	IDR0StallModelStall = 0 << IDR0StallModelShift
	IDR0StallModelForce = 2 << IDR0StallModelShift
	IDR0TTEndianShift   = 21
	IDR0TTEndianMask    = 3 << IDR0TTEndianShift
	IDR0TTEndianMixed   = 0 << IDR0TTEndianShift
	IDR0TTEndianLittle  = 2 << IDR0TTEndianShift
	IDR0TTEndianBig     = 3 << IDR0TTEndianShift
	IDR0CD2L            = 1 << 19
	IDR0VMID16          = 1 << 18
	IDR0PRI             = 1 << 16
	IDR0SEV             = 1 << 14
	IDR0MSI             = 1 << 13
	IDR0ASID16          = 1 << 12
	IDR0ATS             = 1 << 10
	IDR0HYP             = 1 << 9
	IDR0TTFShift        = 2
	IDR0TTFMask         = 3 << IDR0TTFShift
	IDR0TTFAArch64      = 2 << IDR0TTFShift
	IDR0TTFAll          = 3 << IDR0TTFShift
	IDR0S1P             = 1 << 1
	IDR0S2P             = 1 << 0
)

// IDR1
const (
	IDR1TablesPreset = 1 << 30
	IDR1QueuesPreset = 1 << 29
	IDR1Rel          = 1 << 28
	IDR1CmdqsShift   = 21
	IDR1EventqsShift = 16
	IDR1PriqsShift   = 11
	IDR1SSIDShift    = 6
	IDR1SIDShift     = 0
	IDR1QsMask       = 0x1f
	IDR1SIDMask      = 0x3f
)

// IDR5
const (
	IDR5OASMask  = 7
	IDR5Gran4K   = 1 << 4
	IDR5Gran16K  = 1 << 5
	IDR5Gran64K  = 1 << 6
	IDR5VAXShift = 10
	IDR5VAXMask  = 3 << IDR5VAXShift
	IDR5VAX52    = 1 << IDR5VAXShift
)

var oasBits = [...]uint{32, 36, 40, 42, 44, 48, 52}

// CR0, CR1, CR2
const (
	CR0SMMUEn   = 1 << 0
	CR0PriqEn   = 1 << 1
	CR0EventqEn = 1 << 2
	CR0CmdqEn   = 1 << 3
	CR0ATSChk   = 1 << 4

	CR1QueueICWBC = 1 << 0
	CR1QueueOCWBC = 1 << 2
	CR1QueueSHIS  = 3 << 4
	CR1TableICWBC = 1 << 6
	CR1TableOCWBC = 1 << 8
	CR1TableSHIS  = 3 << 10

	CR2E2H       = 1 << 0
	CR2RecInvSID = 1 << 1
	CR2PTM       = 1 << 2
)

// IRQ_CTRL
const (
	IRQCtrlGErrorEn = 1 << 0
	IRQCtrlPriqEn   = 1 << 1
	IRQCtrlEventqEn = 1 << 2
)

// GERROR
const (
	GErrorCmdq        = 1 << 0
	GErrorEventqAbt   = 1 << 2
	GErrorPriqAbt     = 1 << 3
	GErrorMSICmdqAbt  = 1 << 4
	GErrorMSIEvtqAbt  = 1 << 5
	GErrorMSIPriqAbt  = 1 << 6
	GErrorMSIGErrAbt  = 1 << 7
	GErrorSFM         = 1 << 8
	GErrorMask        = 0x1fd
	CmdqConsErrShift  = 24
	CmdqConsErrMask   = 0x7f << CmdqConsErrShift
	CmdqErrIllegal    = 1
	CmdqErrAbort      = 2
	CmdqErrATCInvSync = 3
)

var gerrorNames = [...]struct {
	bit  uint32
	name string
}{
	{GErrorCmdq, "CMDQ_ERR"},
	{GErrorEventqAbt, "EVTQ_ABT_ERR"},
	{GErrorPriqAbt, "PRIQ_ABT_ERR"},
	{GErrorMSICmdqAbt, "MSI_CMDQ_ABT_ERR"},
	{GErrorMSIEvtqAbt, "MSI_EVTQ_ABT_ERR"},
	{GErrorMSIPriqAbt, "MSI_PRIQ_ABT_ERR"},
	{GErrorMSIGErrAbt, "MSI_GERROR_ABT_ERR"},
	{GErrorSFM, "SFM_ERR"},
}

// STRTAB_BASE, STRTAB_BASE_CFG and queue base registers
const (
	StrtabBaseRA          = 1 << 62
	StrtabBaseAddrMask    = 0x3fffffffffff << 6
	StrtabBaseCfgFmtShift = 16
	StrtabBaseCfgFmtMask  = 3 << StrtabBaseCfgFmtShift
	StrtabBaseCfgFmtLin   = 0 << StrtabBaseCfgFmtShift
	StrtabBaseCfg2Lvl     = 1 << StrtabBaseCfgFmtShift
	StrtabBaseCfgSplitSh  = 6
	StrtabBaseCfgSplitM   = 0x1f << StrtabBaseCfgSplitSh
	StrtabBaseCfgLog2Mask = 0x3f

	QBaseRWA      = 1 << 62
	QBaseAddrMask = 0x7fffffffffff << 5
	QBaseLog2Mask = 0x1f
)

// stream table geometry
const (
	StrtabSplit       = 8
	StrtabL1SizeShift = 20
	StrtabSTEDwords   = 8
	StrtabL1Dwords    = 1

	L1DescL2PtrMask = 0x3fffffffffff << 6
	L1DescSpanMask  = 0x1f
)

// STE
const (
	STE0Valid           = 1 << 0
	STE0ConfigShift     = 1
	STE0ConfigMask      = 7 << STE0ConfigShift
	STE0ConfigAbort     = 0 << STE0ConfigShift
	STE0ConfigBypass    = 4 << STE0ConfigShift
	STE0ConfigS1Trans   = 5 << STE0ConfigShift
	STE0S1ContextPtrMsk = 0x3fffffffffff << 6

	STE1S1CIRWBRA    = 1 << 2
	STE1S1CORWBRA    = 1 << 4
	STE1S1CSHIS      = 3 << 6
	STE1EATSFullATS  = 1 << 28
	STE1STRWNSEL1    = 0 << 30
	STE1SHCFGIncomng = 1 << 44
)

// CD
const (
	CDDwords = 8

	CD0T0SZShift = 0
	CD0T0SZMask  = 0x3f
	CD0TG04K     = 0 << 6
	CD0EPD1      = 1 << 30
	CD0Valid     = 1 << 31
	CD0IPSShift  = 32
	CD0IPS48     = 5 << CD0IPSShift
	CD0AA64      = 1 << 41
	CD0R         = 1 << 45
	CD0A         = 1 << 46
	CD0ASET      = 1 << 47
	CD0ASIDShift = 48

	CD1TTB0Mask = 0xffffffffffff << 4

	mairDeviceNGnRnE = 0x00
	mairNormalNC     = 0x44
	mairNormalWB     = 0xff
	mairNormalWT     = 0xbb

	CD3MAIR = mairDeviceNGnRnE<<0 | mairNormalNC<<8 | mairNormalWB<<16 | mairNormalWT<<24
)

// queues
const (
	CmdqEntryDwords = 2
	EvtqEntryDwords = 4
	PriqEntryDwords = 2
)

// commands
const (
	CmdPrefetchConfig = 0x01
	CmdCfgiSTE        = 0x03
	CmdCfgiSTERange   = 0x04
	CmdCfgiCD         = 0x05
	CmdCfgiCDAll      = 0x06
	CmdTLBINHAll      = 0x10
	CmdTLBINHVA       = 0x12
	CmdTLBIEL2All     = 0x20
	CmdTLBINSNHAll    = 0x30
	CmdSync           = 0x46

	CmdOpcodeMask = 0xff

	Cfgi0SSIDShift     = 12
	Cfgi0SIDShift      = 32
	Cfgi1Leaf          = 1 << 0
	Cfgi1STERangeShift = 0

	TLBI0ASIDShift = 48
	TLBI1Leaf      = 1 << 0
	TLBI1AddrMask  = 0xfffffffffffff << 12

	Sync0CSShift     = 12
	Sync0CSMask      = 3 << Sync0CSShift
	Sync0CSNone      = 0 << Sync0CSShift
	Sync0CSSigIRQ    = 1 << Sync0CSShift
	Sync0CSSigSEV    = 2 << Sync0CSShift
	Sync0MSHIS       = 3 << 22
	Sync0MSIAttrOIWB = 0xf << 24
	Sync0MSIDataSh   = 32
	Sync1MSIAddrMask = 0xfffffffffffff << 2

	Prefetch0SIDShift = 32
)

// event records
const (
	Evt0IDMask   = 0xff
	Evt0SIDShift = 32
	Evt1RnW      = 1 << 35

	Priq0SIDMask   = 0xffffffff
	Priq1AddrMask  = 0xfffffffffffff << 12
	Priq1PRGIdxMsk = 0x1ff
)
