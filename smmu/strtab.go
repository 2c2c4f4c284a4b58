package smmu

import (
	"errors"
	"fmt"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/iommu"
)

// Mode selects what the controller does with a stream's traffic.
type Mode int

const (
	ModeAbort Mode = iota
	ModeBypass
	ModeTranslate
)

// STE is a stream table entry.
type STE [StrtabSTEDwords]uint64

type strtab struct {
	twoLevel bool
	sidBits  int
	table    dma.Region // linear table, or the L1 table
	l1       []l1Desc
	baseReg  uint64
	baseCfg  uint32
}

// l1Desc tracks the L2 page behind one L1 slot. The page is freed when the
// last stream in it is removed.
type l1Desc struct {
	l2   dma.Region
	refs int
}

type stream struct {
	mode Mode
	ctx  *Context
}

var ErrNotInstalled = errors.New("smmu: stream not installed")

func (m Mode) String() string {
	switch m {
	case ModeAbort:
		return "abort"
	case ModeBypass:
		return "bypass"
	case ModeTranslate:
		return "translate"
	}

	return fmt.Sprintf("Mode(%d)", int(m))
}

// Valid reports whether the entry's valid bit is set. Traffic on a stream
// whose entry is not valid is rejected.
func (e STE) Valid() bool {
	return e[0]&STE0Valid != 0
}

// Mode returns the entry's configuration.
func (e STE) Mode() Mode {
	switch e[0] & STE0ConfigMask {
	case STE0ConfigBypass:
		return ModeBypass
	case STE0ConfigS1Trans:
		return ModeTranslate
	}

	return ModeAbort
}

// ContextPtr returns the physical address of the entry's context
// descriptor.
func (e STE) ContextPtr() uint64 {
	return e[0] & STE0S1ContextPtrMsk
}

func (c *Controller) initStrtab() error {
	if c.feat.TwoLevelStrtab {
		return c.init2Level(c.feat.SIDBits, StrtabSplit)
	}

	return c.initLinear(c.feat.SIDBits)
}

// initLinear allocates one STE per possible stream ID.
func (c *Controller) initLinear(bits int) error {
	size := uint64(1) << bits * StrtabSTEDwords * 8

	r, err := c.mem.Alloc(size, size)
	if err != nil {
		return fmt.Errorf("%w: linear stream table (%d bits): %w", ErrNoMemory, bits, err)
	}

	c.strtab = strtab{
		sidBits: bits,
		table:   r,
		baseReg: r.Addr&StrtabBaseAddrMask | StrtabBaseRA,
		baseCfg: StrtabBaseCfgFmtLin | uint32(bits)&StrtabBaseCfgLog2Mask,
	}

	return nil
}

// init2Level allocates the L1 table. The top bits-split bits of a stream ID
// select an L1 slot, capped so the L1 table stays within 1MB; L2 pages of
// 1<<split STEs are allocated on demand.
func (c *Controller) init2Level(bits, split int) error {
	l1bits := min(StrtabL1SizeShift-3, bits-split) // 3: log2 of an 8-byte descriptor
	n := 1 << l1bits
	size := uint64(n) * StrtabL1Dwords * 8

	r, err := c.mem.Alloc(size, size)
	if err != nil {
		return fmt.Errorf("%w: L1 stream table (%d entries): %w", ErrNoMemory, n, err)
	}

	log2 := uint32(l1bits + split)

	c.strtab = strtab{
		twoLevel: true,
		sidBits:  bits,
		table:    r,
		l1:       make([]l1Desc, n),
		baseReg:  r.Addr&StrtabBaseAddrMask | StrtabBaseRA,
		baseCfg:  StrtabBaseCfg2Lvl | uint32(split)<<StrtabBaseCfgSplitSh | log2&StrtabBaseCfgLog2Mask,
	}

	return nil
}

func (t *strtab) format() string {
	if t.twoLevel {
		return "2-level"
	}

	return "linear"
}

func (t *strtab) release(mem *dma.Arena) error {
	var errs []error
	for i := range t.l1 {
		errs = append(errs, mem.Free(t.l1[i].l2))
	}

	errs = append(errs, mem.Free(t.table))
	*t = strtab{}

	return errors.Join(errs...)
}

func (c *Controller) checkSID(sid uint32) error {
	if c.strtab.sidBits < 32 && sid>>c.strtab.sidBits != 0 {
		return fmt.Errorf("%w: %d (%d bits)", ErrBadStream, sid, c.strtab.sidBits)
	}

	if c.strtab.twoLevel && int(sid>>StrtabSplit) >= len(c.strtab.l1) {
		return fmt.Errorf("%w: %d beyond L1 table", ErrBadStream, sid)
	}

	return nil
}

// steAddr returns the physical address of stream sid's entry.
func (c *Controller) steAddr(sid uint32) (uint64, bool) {
	t := &c.strtab
	if !t.twoLevel {
		return t.table.Addr + uint64(sid)*StrtabSTEDwords*8, true
	}

	d := &t.l1[sid>>StrtabSplit]
	if d.refs == 0 {
		return 0, false
	}

	return d.l2.Addr + uint64(sid&(1<<StrtabSplit-1))*StrtabSTEDwords*8, true
}

// installL1 makes sure an L2 page backs sid's L1 slot and takes a reference
// on it. It is a no-op for linear tables. The caller holds c.mu.
func (c *Controller) installL1(sid uint32) error {
	t := &c.strtab
	if !t.twoLevel {
		return nil
	}

	i := sid >> StrtabSplit
	d := &t.l1[i]

	if d.refs == 0 {
		size := uint64(1) << StrtabSplit * StrtabSTEDwords * 8

		r, err := c.mem.Alloc(size, size)
		if err != nil {
			return fmt.Errorf("%w: L2 stream table for sid %d: %w", ErrNoMemory, sid, err)
		}

		d.l2 = r

		// span covers 1<<(span-1) STEs
		c.mem.Store64(t.table.Addr+uint64(i)*StrtabL1Dwords*8, r.Addr&L1DescL2PtrMask|(StrtabSplit+1))
	}

	d.refs++

	return nil
}

// removeL1 drops a reference on sid's L1 slot. The last reference clears
// the L1 descriptor, invalidates the streams it covered and frees the L2
// page. The caller holds c.mu.
func (c *Controller) removeL1(sid uint32) error {
	t := &c.strtab
	if !t.twoLevel {
		return nil
	}

	i := sid >> StrtabSplit
	d := &t.l1[i]

	if d.refs == 0 {
		return fmt.Errorf("%w: L1 slot %d", ErrNotInstalled, i)
	}

	if d.refs--; d.refs > 0 {
		return nil
	}

	c.mem.Store64(t.table.Addr+uint64(i)*StrtabL1Dwords*8, 0)

	err := c.issue(Command{Opcode: CmdCfgiSTERange, SID: uint32(i) << StrtabSplit, Span: StrtabSplit - 1})
	if err == nil {
		err = c.sync()
	}

	ferr := c.mem.Free(d.l2)
	d.l2 = dma.Region{}

	return errors.Join(err, ferr)
}

// writeSTE builds stream sid's entry. The valid word goes in last, in one
// store, with the old entry made invalid first so the controller never
// sees a half-built entry marked valid. The caller holds c.mu and has
// installed sid's L1 slot.
func (c *Controller) writeSTE(sid uint32, mode Mode, x *Context) error {
	addr, ok := c.steAddr(sid)
	if !ok {
		return fmt.Errorf("%w: sid %d", ErrNotInstalled, sid)
	}

	var ste STE
	switch mode {
	case ModeBypass:
		ste[0] = STE0Valid | STE0ConfigBypass
		ste[1] = STE1SHCFGIncomng | STE1EATSFullATS

	case ModeTranslate:
		ste[0] = STE0Valid | STE0ConfigS1Trans | x.cd.Addr&STE0S1ContextPtrMsk
		ste[1] = STE1EATSFullATS | STE1S1CSHIS | STE1S1CIRWBRA | STE1S1CORWBRA | STE1STRWNSEL1

	default:
		ste[0] = STE0Valid | STE0ConfigAbort
	}

	if c.mem.Load64(addr)&STE0Valid != 0 {
		c.mem.Store64(addr, 0)
	}

	if err := c.invalidateSTE(sid); err != nil {
		return err
	}

	for i := 1; i < len(ste); i++ {
		c.mem.Store64(addr+uint64(i)*8, ste[i])
	}

	if err := c.invalidateSTE(sid); err != nil {
		return err
	}

	c.mem.Store64(addr, ste[0])

	if err := c.invalidateSTE(sid); err != nil {
		return err
	}

	if mode == ModeTranslate {
		if err := c.invalidateCD(sid); err != nil {
			return err
		}

		if err := c.invalidateSTE(sid); err != nil {
			return err
		}
	}

	// the stream is likely to be used soon
	return c.prefetch(sid)
}

// clearSTE makes stream sid's entry invalid and zeroes it. The caller
// holds c.mu.
func (c *Controller) clearSTE(sid uint32) error {
	addr, ok := c.steAddr(sid)
	if !ok {
		return fmt.Errorf("%w: sid %d", ErrNotInstalled, sid)
	}

	c.mem.Store64(addr, 0)

	if err := c.invalidateSTE(sid); err != nil {
		return err
	}

	for i := 1; i < StrtabSTEDwords; i++ {
		c.mem.Store64(addr+uint64(i)*8, 0)
	}

	return nil
}

// ReadSTE returns stream sid's entry. In a two-level table it fails with
// ErrNotInstalled when no L2 page backs the stream.
func (c *Controller) ReadSTE(sid uint32) (STE, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkSID(sid); err != nil {
		return STE{}, err
	}

	addr, ok := c.steAddr(sid)
	if !ok {
		return STE{}, fmt.Errorf("%w: sid %d", ErrNotInstalled, sid)
	}

	var ste STE
	c.mem.ReadEntry(addr, ste[:])

	return ste, nil
}

// AttachStream implements iommu.Driver. It installs a translating entry for
// sid pointing at ctx's context descriptor.
func (c *Controller) AttachStream(ctx iommu.Context, sid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	x, err := c.context(ctx)
	if err != nil {
		return err
	}

	if err := c.installStream(sid, ModeTranslate, x); err != nil {
		return err
	}

	x.streams++
	return nil
}

// BypassStream lets sid's traffic through untranslated. It serves traffic,
// such as interrupt messages, that must cross the controller before the
// stream is attached to a domain. Remove the entry with DetachStream.
func (c *Controller) BypassStream(sid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}

	return c.installStream(sid, ModeBypass, nil)
}

func (c *Controller) installStream(sid uint32, mode Mode, x *Context) error {
	if err := c.checkSID(sid); err != nil {
		return err
	}

	if _, ok := c.streams[sid]; ok {
		return fmt.Errorf("%w: %d", ErrStreamBusy, sid)
	}

	if err := c.installL1(sid); err != nil {
		return err
	}

	if err := c.writeSTE(sid, mode, x); err != nil {
		return errors.Join(err, c.clearSTE(sid), c.removeL1(sid))
	}

	c.streams[sid] = stream{mode: mode, ctx: x}

	c.log.Debug("installed stream", "sid", sid, "mode", mode)

	return nil
}

// DetachStream implements iommu.Driver.
func (c *Controller) DetachStream(sid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[sid]
	if !ok {
		return fmt.Errorf("%w: stream %d", iommu.ErrNotFound, sid)
	}

	if err := c.clearSTE(sid); err != nil {
		return err
	}

	delete(c.streams, sid)

	if s.ctx != nil {
		s.ctx.streams--
	}

	c.log.Debug("removed stream", "sid", sid)

	return c.removeL1(sid)
}

// AbortStream implements iommu.Driver. The stream stays installed, and
// keeps its context referenced, until DetachStream. A non-nil ctx must be
// the context sid is attached to; otherwise the stream was detached and
// reattached since the caller looked, and AbortStream fails with
// iommu.ErrNotFound without touching it.
func (c *Controller) AbortStream(ctx iommu.Context, sid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[sid]
	if !ok {
		return fmt.Errorf("%w: stream %d", iommu.ErrNotFound, sid)
	}

	if ctx != nil {
		x, err := c.context(ctx)
		if err != nil {
			return err
		}

		if s.ctx != x {
			return fmt.Errorf("%w: stream %d is not attached to context %d", iommu.ErrNotFound, sid, x.asid)
		}
	}

	if err := c.writeSTE(sid, ModeAbort, nil); err != nil {
		return err
	}

	s.mode = ModeAbort
	c.streams[sid] = s

	return nil
}
