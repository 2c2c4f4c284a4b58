// Package smmu drives a stream MMU: a translation controller configured
// through a register file and in-memory queues and tables. Software posts
// maintenance commands on the command queue; the controller reports faults
// on the event queue and, when supported, page requests on the PRI queue.
// Per-stream descriptors live in a linear or two-level stream table and
// point at context descriptors holding a translation table root.
package smmu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/iommu"
	"github.com/c35s/iommu/smmu/ring"
)

// Config configures a controller.
type Config struct {

	// Name identifies the controller in logs. The default is "smmu0".
	Name string

	// Regs is the controller's register file. Required.
	Regs Registers

	// Mem provides memory for queues, tables and descriptors. Required.
	Mem *dma.Arena

	// Logger is the parent logger; records carry an "smmu" attribute.
	// The default is slog.Default().
	Logger *slog.Logger

	// AckTimeout bounds every register write acknowledgement.
	// The default is 100ms.
	AckTimeout time.Duration

	// QueueTimeout bounds the wait for a free command queue slot.
	// The default is 100ms.
	QueueTimeout time.Duration

	// SyncTimeout bounds the wait for a sync command to complete. A sync
	// timeout is logged, not returned. The default is 10ms.
	SyncTimeout time.Duration

	// MaxQueueLog2 caps the size of each queue below what the controller
	// supports. The default is 8 (256 entries).
	MaxQueueLog2 uint32
}

// Features are the capabilities a controller reports in its ID registers.
type Features struct {
	TwoLevelStrtab bool
	TwoLevelCD     bool
	LittleEndian   bool
	BigEndian      bool
	SEV            bool
	MSI            bool
	HYP            bool
	ATS            bool
	PRI            bool
	Stall          bool
	StallForce     bool
	S1P            bool
	S2P            bool
	VAX52          bool

	ASIDBits int
	VMIDBits int
	SIDBits  int
	SSIDBits int

	CmdqLog2 uint32
	EvtqLog2 uint32
	PriqLog2 uint32

	IAS uint
	OAS uint

	// PageSizes is a bitmap of supported translation granules.
	PageSizes uint64
}

// Controller is a probed, enabled stream MMU. It implements iommu.Driver.
type Controller struct {
	cfg  Config
	log  *slog.Logger
	regs Registers
	mem  *dma.Arena
	feat Features

	// mu is the unit lock: it serializes the command queue producer, the
	// stream table and the stream and context bookkeeping.
	mu       sync.Mutex
	cmdq     *ring.Q
	strtab   strtab
	streams  map[uint32]stream
	contexts map[*Context]struct{}
	asids    map[uint16]struct{}
	nextASID uint16

	evtMu sync.Mutex
	evtq  *ring.Q

	priMu sync.Mutex
	priq  *ring.Q

	faultMu sync.RWMutex
	faults  iommu.FaultHandler

	queues []dma.Region
	closed atomic.Bool
}

var (
	ErrConfig      = errors.New("smmu: unsupported configuration")
	ErrAckTimeout  = errors.New("smmu: register write not acknowledged")
	ErrNoMemory    = errors.New("smmu: out of memory")
	ErrStreamBusy  = errors.New("smmu: stream already attached")
	ErrBadStream   = errors.New("smmu: stream id out of range")
	ErrBadContext  = errors.New("smmu: unknown context")
	ErrContextBusy = errors.New("smmu: context in use")
	ErrClosed      = errors.New("smmu: controller closed")
)

var _ iommu.Driver = (*Controller)(nil)
var _ iommu.FaultReporter = (*Controller)(nil)

const ias = 40

// Probe reads the controller's capabilities, allocates its queues and
// stream table, and runs the reset sequence that leaves it enabled with all
// streams aborting.
func Probe(cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:      cfg,
		log:      cfg.Logger.With("smmu", cfg.Name),
		regs:     cfg.Regs,
		mem:      cfg.Mem,
		streams:  make(map[uint32]stream),
		contexts: make(map[*Context]struct{}),
		asids:    make(map[uint16]struct{}),
		nextASID: 1,
	}

	feat, err := parseFeatures(c.regs.Read32(RegIDR0), c.regs.Read32(RegIDR1), c.regs.Read32(RegIDR5))
	if err != nil {
		return nil, err
	}

	c.feat = feat

	c.log.Debug("probed",
		"sidBits", feat.SIDBits,
		"ssidBits", feat.SSIDBits,
		"twoLevel", feat.TwoLevelStrtab,
		"oas", feat.OAS,
		"pri", feat.PRI,
		"msi", feat.MSI,
		"hyp", feat.HYP,
		"ats", feat.ATS)

	if err := c.initQueues(); err != nil {
		c.release()
		return nil, err
	}

	if err := c.initStrtab(); err != nil {
		c.release()
		return nil, err
	}

	if err := c.reset(); err != nil {
		c.release()
		return nil, err
	}

	c.log.Info("enabled",
		"strtab", c.strtab.format(),
		"cmdq", c.cmdq.Size(),
		"evtq", c.evtq.Size())

	return c, nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Name == "" {
		cfg.Name = "smmu0"
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 100 * time.Millisecond
	}

	if cfg.QueueTimeout == 0 {
		cfg.QueueTimeout = 100 * time.Millisecond
	}

	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = 10 * time.Millisecond
	}

	if cfg.MaxQueueLog2 == 0 {
		cfg.MaxQueueLog2 = 8
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.Regs == nil {
		return fmt.Errorf("%w: nil register file", ErrConfig)
	}

	if cfg.Mem == nil {
		return fmt.Errorf("%w: nil memory", ErrConfig)
	}

	if cfg.AckTimeout < 0 || cfg.QueueTimeout < 0 || cfg.SyncTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrConfig)
	}

	if cfg.MaxQueueLog2 > ring.Log2SizeMax {
		return fmt.Errorf("%w: max queue log2 %d > %d", ErrConfig, cfg.MaxQueueLog2, ring.Log2SizeMax)
	}

	return nil
}

func parseFeatures(idr0, idr1, idr5 uint32) (Features, error) {
	var f Features

	f.TwoLevelStrtab = idr0&IDR0StLvl2 != 0
	f.TwoLevelCD = idr0&IDR0CD2L != 0

	switch idr0 & IDR0TTEndianMask {
	case IDR0TTEndianMixed:
		f.LittleEndian, f.BigEndian = true, true
	case IDR0TTEndianLittle:
		f.LittleEndian = true
	case IDR0TTEndianBig:
		f.BigEndian = true
	default:
		return f, fmt.Errorf("%w: table endianness %#x", ErrConfig, idr0&IDR0TTEndianMask)
	}

	if !f.LittleEndian {
		return f, fmt.Errorf("%w: big-endian tables only", ErrConfig)
	}

	f.SEV = idr0&IDR0SEV != 0
	f.MSI = idr0&IDR0MSI != 0
	f.HYP = idr0&IDR0HYP != 0
	f.ATS = idr0&IDR0ATS != 0
	f.PRI = idr0&IDR0PRI != 0
	f.S1P = idr0&IDR0S1P != 0
	f.S2P = idr0&IDR0S2P != 0

	switch idr0 & IDR0StallModelMask {
	case IDR0StallModelForce:
		f.StallForce = true
		f.Stall = true
	case IDR0StallModelStall:
		f.Stall = true
	}

	switch idr0 & IDR0TTFMask {
	case IDR0TTFAArch64, IDR0TTFAll:
		f.IAS = ias
	default:
		return f, fmt.Errorf("%w: no AArch64 table format", ErrConfig)
	}

	if !f.S1P {
		return f, fmt.Errorf("%w: no stage 1 translation", ErrConfig)
	}

	f.ASIDBits = 8
	if idr0&IDR0ASID16 != 0 {
		f.ASIDBits = 16
	}

	f.VMIDBits = 8
	if idr0&IDR0VMID16 != 0 {
		f.VMIDBits = 16
	}

	if idr1&(IDR1TablesPreset|IDR1QueuesPreset|IDR1Rel) != 0 {
		return f, fmt.Errorf("%w: embedded implementation (idr1 %#x)", ErrConfig, idr1)
	}

	f.CmdqLog2 = idr1 >> IDR1CmdqsShift & IDR1QsMask
	f.EvtqLog2 = idr1 >> IDR1EventqsShift & IDR1QsMask
	f.PriqLog2 = idr1 >> IDR1PriqsShift & IDR1QsMask
	f.SSIDBits = int(idr1 >> IDR1SSIDShift & IDR1QsMask)
	f.SIDBits = int(idr1 >> IDR1SIDShift & IDR1SIDMask)

	if f.SIDBits > 32 {
		return f, fmt.Errorf("%w: %d stream id bits", ErrConfig, f.SIDBits)
	}

	// a single L2 page would cover every stream
	if f.SIDBits <= StrtabSplit {
		f.TwoLevelStrtab = false
	}

	oas := idr5 & IDR5OASMask
	if int(oas) >= len(oasBits) {
		return f, fmt.Errorf("%w: output address size %d", ErrConfig, oas)
	}

	f.OAS = oasBits[oas]

	if idr5&IDR5Gran64K != 0 {
		f.PageSizes |= 64 << 10
	}

	if idr5&IDR5Gran16K != 0 {
		f.PageSizes |= 16 << 10
	}

	if idr5&IDR5Gran4K != 0 {
		f.PageSizes |= 4 << 10
	}

	if f.PageSizes&iommu.PageSize == 0 {
		return f, fmt.Errorf("%w: no 4K granule", ErrConfig)
	}

	f.VAX52 = idr5&IDR5VAXMask == IDR5VAX52

	return f, nil
}

func (c *Controller) initQueues() error {
	var err error

	c.cmdq, err = c.newQueue("cmdq", c.feat.CmdqLog2, CmdqEntryDwords, RegCmdqProd, RegCmdqCons)
	if err != nil {
		return err
	}

	c.evtq, err = c.newQueue("evtq", c.feat.EvtqLog2, EvtqEntryDwords, RegEventqProd, RegEventqCons)
	if err != nil {
		return err
	}

	if c.feat.PRI {
		c.priq, err = c.newQueue("priq", c.feat.PriqLog2, PriqEntryDwords, RegPriqProd, RegPriqCons)
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *Controller) newQueue(name string, log2 uint32, dwords int, prod, cons int) (*ring.Q, error) {
	log2 = min(log2, c.cfg.MaxQueueLog2)

	// queues are aligned to their size, at least 32 bytes
	size := uint64(1) << log2 * uint64(dwords) * 8
	r, err := c.mem.Alloc(size, max(size, 32))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoMemory, name, err)
	}

	c.queues = append(c.queues, r)

	q := ring.New(ring.Config{
		Base:        r.Addr,
		Log2Size:    log2,
		EntryDwords: dwords,
		ProdReg:     prod,
		ConsReg:     cons,
	}, c.mem, c.regs)

	return q, nil
}

func queueBase(q *ring.Q) uint64 {
	cfg := q.Config()
	return cfg.Base&QBaseAddrMask | QBaseRWA | uint64(cfg.Log2Size)&QBaseLog2Mask
}

func (c *Controller) reset() error {
	if cr0 := c.regs.Read32(RegCR0); cr0&CR0SMMUEn != 0 {
		c.log.Warn("controller already enabled, disabling", "cr0", fmt.Sprintf("%#x", cr0))
	}

	if err := c.writeAck(RegCR0, RegCR0ACK, 0); err != nil {
		return fmt.Errorf("disable: %w", err)
	}

	if err := c.enableInterrupts(); err != nil {
		return err
	}

	c.regs.Write32(RegCR1, CR1TableSHIS|CR1TableOCWBC|CR1TableICWBC|CR1QueueSHIS|CR1QueueOCWBC|CR1QueueICWBC)
	c.regs.Write32(RegCR2, CR2PTM|CR2RecInvSID|CR2E2H)

	c.regs.Write64(RegStrtabBase, c.strtab.baseReg)
	c.regs.Write32(RegStrtabBaseCfg, c.strtab.baseCfg)

	c.regs.Write64(RegCmdqBase, queueBase(c.cmdq))
	c.cmdq.Reset()

	cr0 := uint32(CR0CmdqEn)
	if err := c.writeAck(RegCR0, RegCR0ACK, cr0); err != nil {
		return fmt.Errorf("enable command queue: %w", err)
	}

	c.mu.Lock()
	err := c.invalidateAll()
	c.mu.Unlock()

	if err != nil {
		return err
	}

	c.regs.Write64(RegEventqBase, queueBase(c.evtq))
	c.evtq.Reset()

	cr0 |= CR0EventqEn
	if err := c.writeAck(RegCR0, RegCR0ACK, cr0); err != nil {
		return fmt.Errorf("enable event queue: %w", err)
	}

	if c.priq != nil {
		c.regs.Write64(RegPriqBase, queueBase(c.priq))
		c.priq.Reset()

		cr0 |= CR0PriqEn
		if err := c.writeAck(RegCR0, RegCR0ACK, cr0); err != nil {
			return fmt.Errorf("enable PRI queue: %w", err)
		}
	}

	if c.feat.ATS {
		cr0 |= CR0ATSChk
		if err := c.writeAck(RegCR0, RegCR0ACK, cr0); err != nil {
			return fmt.Errorf("enable ATS check: %w", err)
		}
	}

	cr0 |= CR0SMMUEn
	if err := c.writeAck(RegCR0, RegCR0ACK, cr0); err != nil {
		return fmt.Errorf("enable: %w", err)
	}

	return nil
}

func (c *Controller) enableInterrupts() error {
	// wired interrupts only
	c.regs.Write64(RegGErrorIRQCfg0, 0)
	c.regs.Write32(RegGErrorIRQCfg1, 0)
	c.regs.Write32(RegGErrorIRQCfg2, 0)

	c.regs.Write64(RegEventqIRQCfg0, 0)
	c.regs.Write32(RegEventqIRQCfg1, 0)
	c.regs.Write32(RegEventqIRQCfg2, 0)

	if c.feat.PRI {
		c.regs.Write64(RegPriqIRQCfg0, 0)
		c.regs.Write32(RegPriqIRQCfg1, 0)
		c.regs.Write32(RegPriqIRQCfg2, 0)
	}

	if err := c.writeAck(RegIRQCtrl, RegIRQCtrlACK, 0); err != nil {
		return fmt.Errorf("disable interrupts: %w", err)
	}

	irq := uint32(IRQCtrlEventqEn | IRQCtrlGErrorEn)
	if c.feat.PRI {
		irq |= IRQCtrlPriqEn
	}

	if err := c.writeAck(RegIRQCtrl, RegIRQCtrlACK, irq); err != nil {
		return fmt.Errorf("enable interrupts: %w", err)
	}

	return nil
}

// writeAck writes val to reg and polls ack until it reads back val.
func (c *Controller) writeAck(reg, ack int, val uint32) error {
	c.regs.Write32(reg, val)

	ok := ring.Poll(c.cfg.AckTimeout, func() bool {
		return c.regs.Read32(ack) == val
	})

	if !ok {
		return fmt.Errorf("%w: reg %#x value %#x after %v", ErrAckTimeout, reg, val, c.cfg.AckTimeout)
	}

	return nil
}

// Disable turns translation and the queues off. Streams are not touched.
func (c *Controller) Disable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeAck(RegCR0, RegCR0ACK, 0); err != nil {
		return fmt.Errorf("disable: %w", err)
	}

	return nil
}

// Close disables the controller and releases its queues and tables. It
// fails with ErrContextBusy while contexts remain allocated.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil
	}

	if n := len(c.contexts); n > 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d contexts allocated", ErrContextBusy, n)
	}

	err := c.writeAck(RegCR0, RegCR0ACK, 0)
	c.closed.Store(true)
	c.mu.Unlock()

	// hold both queue locks so no interrupt handler is mid-drain
	c.evtMu.Lock()
	c.priMu.Lock()
	defer c.evtMu.Unlock()
	defer c.priMu.Unlock()

	return errors.Join(err, c.release())
}

func (c *Controller) release() error {
	errs := []error{c.strtab.release(c.mem)}
	for _, r := range c.queues {
		errs = append(errs, c.mem.Free(r))
	}

	c.queues = nil

	return errors.Join(errs...)
}

// Name implements iommu.Driver.
func (c *Controller) Name() string {
	return c.cfg.Name
}

// AddressBits implements iommu.Driver.
func (c *Controller) AddressBits() (uint, uint) {
	return c.feat.IAS, c.feat.OAS
}

// Features returns the controller's capabilities.
func (c *Controller) Features() Features {
	return c.feat
}

// QueueSizes returns the number of entries in the command, event and PRI
// queues. The PRI size is zero without PRI support.
func (c *Controller) QueueSizes() (cmdq, evtq, priq int) {
	if c.priq != nil {
		priq = c.priq.Size()
	}

	return c.cmdq.Size(), c.evtq.Size(), priq
}

// StreamTableFormat returns "linear" or "2-level".
func (c *Controller) StreamTableFormat() string {
	return c.strtab.format()
}

// ReportFaults implements iommu.FaultReporter.
func (c *Controller) ReportFaults(h iommu.FaultHandler) {
	c.faultMu.Lock()
	defer c.faultMu.Unlock()
	c.faults = h
}

func (c *Controller) faultHandler() iommu.FaultHandler {
	c.faultMu.RLock()
	defer c.faultMu.RUnlock()
	return c.faults
}
