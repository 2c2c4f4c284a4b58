// Package sim implements a stream MMU in software. It serves a register file
// to the smmu driver, consumes its command queue, caches stream and context
// descriptors and translations the way hardware does, and reports faults on
// its event queue when asked to translate device traffic.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/iommu/dma"
	"github.com/c35s/iommu/iommu"
	"github.com/c35s/iommu/smmu"
	"github.com/c35s/iommu/smmu/pgtable"
	"github.com/c35s/iommu/smmu/ring"
	"golang.org/x/sys/unix"
)

// Config describes the simulated controller's capabilities.
type Config struct {
	SIDBits  int
	SSIDBits int
	TwoLevel bool

	PRI bool
	MSI bool
	SEV bool
	HYP bool
	ATS bool

	CmdqLog2 uint32
	EvtqLog2 uint32
	PriqLog2 uint32

	// OAS is the output address size in bits. The default is 48.
	OAS uint

	// AckDelay is the number of reads of an ACK register that still return
	// the old value after a write.
	AckDelay int

	// NoAck leaves ACK registers unchanged forever.
	NoAck bool

	// IDR lets a test rewrite the ID registers.
	IDR func(idr0, idr1, idr5 uint32) (uint32, uint32, uint32)

	Logger *slog.Logger
}

// SMMU is a simulated controller.
type SMMU struct {
	cfg Config
	log *slog.Logger
	mem *dma.Arena

	mu      sync.Mutex
	idr     [3]uint32
	cr0     uint32
	cr0ack  uint32
	cr1     uint32
	cr2     uint32
	irqCtrl uint32
	irqAck  uint32
	gerror  uint32
	gerrorn uint32
	irqCfg  map[int]uint64

	ackWait int

	strtabBase uint64
	strtabCfg  uint32

	cmdq queue
	evtq queue
	priq queue

	stalled  bool
	commands []smmu.Command

	steCache map[uint32]smmu.STE
	cdCache  map[uint32][smmu.CDDwords]uint64
	tlb      map[tlbKey]tlbEntry

	errs []error

	evtC  chan struct{}
	gerrC chan struct{}
	priC  chan struct{}
}

type queue struct {
	base uint64
	prod uint32
	cons uint32
}

type tlbKey struct {
	asid uint16
	page uint64
}

type tlbEntry struct {
	pa   uint64
	prot iommu.Prot
}

var (
	ErrDisabled = errors.New("sim: translation disabled")
	ErrAborted  = errors.New("sim: transaction aborted")
	ErrFault    = errors.New("sim: translation fault")
)

var le = binary.LittleEndian

// New returns a disabled controller using mem for its tables and queues.
func New(cfg Config, mem *dma.Arena) *SMMU {
	if cfg.OAS == 0 {
		cfg.OAS = 48
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &SMMU{
		cfg:      cfg,
		log:      cfg.Logger.With("sim", "smmu"),
		mem:      mem,
		irqCfg:   make(map[int]uint64),
		steCache: make(map[uint32]smmu.STE),
		cdCache:  make(map[uint32][smmu.CDDwords]uint64),
		tlb:      make(map[tlbKey]tlbEntry),
		evtC:     make(chan struct{}, 1),
		gerrC:    make(chan struct{}, 1),
		priC:     make(chan struct{}, 1),
	}

	s.idr = s.makeIDR()

	return s
}

func (s *SMMU) makeIDR() [3]uint32 {
	cfg := s.cfg

	idr0 := uint32(smmu.IDR0TTEndianLittle | smmu.IDR0TTFAArch64 | smmu.IDR0S1P | smmu.IDR0ASID16)
	for _, f := range []struct {
		on  bool
		bit uint32
	}{
		{cfg.TwoLevel, smmu.IDR0StLvl2},
		{cfg.PRI, smmu.IDR0PRI},
		{cfg.MSI, smmu.IDR0MSI},
		{cfg.SEV, smmu.IDR0SEV},
		{cfg.HYP, smmu.IDR0HYP},
		{cfg.ATS, smmu.IDR0ATS},
	} {
		if f.on {
			idr0 |= f.bit
		}
	}

	idr1 := cfg.CmdqLog2<<smmu.IDR1CmdqsShift |
		cfg.EvtqLog2<<smmu.IDR1EventqsShift |
		cfg.PriqLog2<<smmu.IDR1PriqsShift |
		uint32(cfg.SSIDBits)<<smmu.IDR1SSIDShift |
		uint32(cfg.SIDBits)<<smmu.IDR1SIDShift

	idr5 := uint32(smmu.IDR5Gran4K | smmu.IDR5Gran64K)
	for i, bits := range []uint{32, 36, 40, 42, 44, 48, 52} {
		if bits == cfg.OAS {
			idr5 |= uint32(i)
		}
	}

	if cfg.IDR != nil {
		idr0, idr1, idr5 = cfg.IDR(idr0, idr1, idr5)
	}

	return [3]uint32{idr0, idr1, idr5}
}

// IRQs returns the controller's interrupt lines. Each line holds at most one
// pending signal.
func (s *SMMU) IRQs() smmu.IRQs {
	return smmu.IRQs{
		Event:  s.evtC,
		GError: s.gerrC,
		PRI:    s.priC,
	}
}

// Err returns the register accesses the controller rejected.
func (s *SMMU) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

// Enabled reports whether translation is enabled.
func (s *SMMU) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cr0&smmu.CR0SMMUEn != 0
}

// Commands returns the commands consumed since the last ResetLog.
func (s *SMMU) Commands() []smmu.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]smmu.Command(nil), s.commands...)
}

// ResetLog forgets the consumed commands.
func (s *SMMU) ResetLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
}

// Stall stops or restarts command consumption. Commands posted while
// stalled are consumed when the stall is lifted.
func (s *SMMU) Stall(stalled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stalled = stalled
	s.consumeCommands()
}

// Read32 implements smmu.Registers.
func (s *SMMU) Read32(off int) uint32 {
	var p [4]byte
	s.access(off, p[:], false)
	return le.Uint32(p[:])
}

// Write32 implements smmu.Registers.
func (s *SMMU) Write32(off int, v uint32) {
	var p [4]byte
	le.PutUint32(p[:], v)
	s.access(off, p[:], true)
}

// Read64 implements smmu.Registers.
func (s *SMMU) Read64(off int) uint64 {
	var p [8]byte
	s.access(off, p[:], false)
	return le.Uint64(p[:])
}

// Write64 implements smmu.Registers.
func (s *SMMU) Write64(off int, v uint64) {
	var p [8]byte
	le.PutUint64(p[:], v)
	s.access(off, p[:], true)
}

func (s *SMMU) access(off int, p []byte, isWrite bool) {
	if err := s.HandleMMIO(off, p, isWrite); err != nil {
		s.mu.Lock()
		s.errs = append(s.errs, fmt.Errorf("reg %#x: %w", off, err))
		s.mu.Unlock()

		s.log.Error("rejected register access", "off", fmt.Sprintf("%#x", off), "write", isWrite, "err", err)
	}
}

// HandleMMIO performs a 4- or 8-byte register access at off.
func (s *SMMU) HandleMMIO(off int, data []byte, isWrite bool) error {
	if len(data) != 4 && len(data) != 8 {
		return unix.EINVAL
	}

	if off < 0 || off >= smmu.RegisterSpaceSize || off%len(data) != 0 {
		return unix.EINVAL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if isWrite {
		var v uint64
		if len(data) == 4 {
			v = uint64(le.Uint32(data))
		} else {
			v = le.Uint64(data)
		}

		return s.writeReg(off, v)
	}

	v, err := s.readReg(off)
	if err != nil {
		return err
	}

	if len(data) == 4 {
		le.PutUint32(data, uint32(v))
	} else {
		le.PutUint64(data, v)
	}

	return nil
}

func (s *SMMU) readReg(off int) (uint64, error) {
	switch off {
	case smmu.RegIDR0:
		return uint64(s.idr[0]), nil

	case smmu.RegIDR1:
		return uint64(s.idr[1]), nil

	case smmu.RegIDR5:
		return uint64(s.idr[2]), nil

	case smmu.RegCR0:
		return uint64(s.cr0), nil

	case smmu.RegCR0ACK:
		if s.ackWait > 0 {
			s.ackWait--
		} else if !s.cfg.NoAck {
			s.cr0ack = s.cr0
		}

		return uint64(s.cr0ack), nil

	case smmu.RegCR1:
		return uint64(s.cr1), nil

	case smmu.RegCR2:
		return uint64(s.cr2), nil

	case smmu.RegIRQCtrl:
		return uint64(s.irqCtrl), nil

	case smmu.RegIRQCtrlACK:
		if !s.cfg.NoAck {
			s.irqAck = s.irqCtrl
		}

		return uint64(s.irqAck), nil

	case smmu.RegGError:
		return uint64(s.gerror), nil

	case smmu.RegGErrorN:
		return uint64(s.gerrorn), nil

	case smmu.RegStrtabBase:
		return s.strtabBase, nil

	case smmu.RegStrtabBaseCfg:
		return uint64(s.strtabCfg), nil

	case smmu.RegCmdqBase:
		return s.cmdq.base, nil

	case smmu.RegCmdqProd:
		return uint64(s.cmdq.prod), nil

	case smmu.RegCmdqCons:
		return uint64(s.cmdq.cons), nil

	case smmu.RegEventqBase:
		return s.evtq.base, nil

	case smmu.RegEventqProd:
		return uint64(s.evtq.prod), nil

	case smmu.RegEventqCons:
		return uint64(s.evtq.cons), nil

	case smmu.RegPriqBase:
		return s.priq.base, nil

	case smmu.RegPriqProd:
		return uint64(s.priq.prod), nil

	case smmu.RegPriqCons:
		return uint64(s.priq.cons), nil

	case smmu.RegSecureCR0:
		return 0, nil
	}

	if v, ok := s.irqCfg[off]; ok || isIRQCfg(off) {
		return v, nil
	}

	return 0, unix.EINVAL
}

func (s *SMMU) writeReg(off int, v uint64) error {
	switch off {
	case smmu.RegCR0:
		return s.writeCR0(uint32(v))

	case smmu.RegCR1, smmu.RegCR2, smmu.RegStrtabBase, smmu.RegStrtabBaseCfg:
		// table and queue attributes are fixed while translating
		if s.cr0&smmu.CR0SMMUEn != 0 {
			return unix.EPERM
		}

		switch off {
		case smmu.RegCR1:
			s.cr1 = uint32(v)
		case smmu.RegCR2:
			s.cr2 = uint32(v)
		case smmu.RegStrtabBase:
			s.strtabBase = v
		default:
			s.strtabCfg = uint32(v)
		}

		return nil

	case smmu.RegIRQCtrl:
		s.irqCtrl = uint32(v)
		return nil

	case smmu.RegGErrorN:
		s.gerrorn = uint32(v)
		s.resumeCommands()
		return nil

	case smmu.RegCmdqBase:
		return s.writeQueueBase(&s.cmdq, smmu.CR0CmdqEn, v)

	case smmu.RegEventqBase:
		return s.writeQueueBase(&s.evtq, smmu.CR0EventqEn, v)

	case smmu.RegPriqBase:
		if !s.cfg.PRI {
			return unix.EPERM
		}

		return s.writeQueueBase(&s.priq, smmu.CR0PriqEn, v)

	case smmu.RegCmdqProd:
		s.cmdq.prod = uint32(v)
		s.consumeCommands()
		return nil

	case smmu.RegCmdqCons:
		if s.cr0&smmu.CR0CmdqEn != 0 {
			return unix.EPERM
		}

		s.cmdq.cons = uint32(v)
		return nil

	case smmu.RegEventqProd:
		if s.cr0&smmu.CR0EventqEn != 0 {
			return unix.EPERM
		}

		s.evtq.prod = uint32(v)
		return nil

	case smmu.RegEventqCons:
		s.evtq.cons = uint32(v)
		return nil

	case smmu.RegPriqProd:
		if s.cr0&smmu.CR0PriqEn != 0 {
			return unix.EPERM
		}

		s.priq.prod = uint32(v)
		return nil

	case smmu.RegPriqCons:
		s.priq.cons = uint32(v)
		return nil

	case smmu.RegSecureCR0:
		return nil
	}

	if isIRQCfg(off) {
		s.irqCfg[off] = v
		return nil
	}

	return unix.EINVAL
}

func isIRQCfg(off int) bool {
	switch off {
	case smmu.RegGErrorIRQCfg0, smmu.RegGErrorIRQCfg1, smmu.RegGErrorIRQCfg2,
		smmu.RegEventqIRQCfg0, smmu.RegEventqIRQCfg1, smmu.RegEventqIRQCfg2,
		smmu.RegPriqIRQCfg0, smmu.RegPriqIRQCfg1, smmu.RegPriqIRQCfg2:
		return true
	}

	return false
}

func (s *SMMU) writeCR0(v uint32) error {
	if v&smmu.CR0PriqEn != 0 && !s.cfg.PRI {
		return unix.EINVAL
	}

	if v&smmu.CR0SMMUEn == 0 {
		// caches do not survive a disable
		clear(s.steCache)
		clear(s.cdCache)
		clear(s.tlb)
	}

	s.cr0 = v
	s.ackWait = s.cfg.AckDelay

	s.consumeCommands()

	return nil
}

func (s *SMMU) writeQueueBase(q *queue, enable uint32, v uint64) error {
	if s.cr0&enable != 0 {
		return unix.EPERM
	}

	if v&smmu.QBaseLog2Mask > ring.Log2SizeMax {
		return unix.EINVAL
	}

	q.base = v
	return nil
}

func qAddr(base uint64) uint64 {
	return base & smmu.QBaseAddrMask
}

func qLog2(base uint64) uint32 {
	return uint32(base & smmu.QBaseLog2Mask)
}

// consumeCommands executes commands up to the producer index. The caller
// holds s.mu.
func (s *SMMU) consumeCommands() {
	if s.cr0&smmu.CR0CmdqEn == 0 || s.stalled || s.cmdq.cons&smmu.CmdqConsErrMask != 0 {
		return
	}

	log2 := qLog2(s.cmdq.base)

	for !ring.Empty(s.cmdq.prod, s.cmdq.cons, log2) {
		slot := qAddr(s.cmdq.base) + uint64(ring.Index(s.cmdq.cons, log2))*smmu.CmdqEntryDwords*8

		var w [smmu.CmdqEntryDwords]uint64
		if !s.read(slot, w[:]) {
			s.commandError(smmu.CmdqErrAbort)
			return
		}

		cmd := smmu.DecodeCommand(w)
		if !s.exec(cmd) {
			s.commandError(smmu.CmdqErrIllegal)
			return
		}

		s.commands = append(s.commands, cmd)
		s.cmdq.cons = ring.Inc(s.cmdq.cons, log2)
	}
}

// commandError stops the command queue at the failing command.
func (s *SMMU) commandError(code uint32) {
	s.cmdq.cons |= code << smmu.CmdqConsErrShift
	s.raise(smmu.GErrorCmdq)
}

// resumeCommands restarts a stopped command queue once its error has been
// acknowledged. The failing command is skipped.
func (s *SMMU) resumeCommands() {
	if s.cmdq.cons&smmu.CmdqConsErrMask == 0 || (s.gerror^s.gerrorn)&smmu.GErrorCmdq != 0 {
		return
	}

	log2 := qLog2(s.cmdq.base)
	s.cmdq.cons = ring.Inc(s.cmdq.cons&^smmu.CmdqConsErrMask, log2)
	s.consumeCommands()
}

func (s *SMMU) exec(cmd smmu.Command) bool {
	switch cmd.Opcode {
	case smmu.CmdPrefetchConfig:
		if ste, ok := s.fetchSTE(cmd.SID); ok && ste.Valid() {
			s.steCache[cmd.SID] = ste
		}

	case smmu.CmdCfgiSTE:
		delete(s.steCache, cmd.SID)
		delete(s.cdCache, cmd.SID)

	case smmu.CmdCfgiSTERange:
		if cmd.Span >= 31 {
			clear(s.steCache)
			clear(s.cdCache)
			break
		}

		n := uint64(1) << (cmd.Span + 1)
		first := uint64(cmd.SID) &^ (n - 1)
		for sid := range s.steCache {
			if uint64(sid)-first < n {
				delete(s.steCache, sid)
				delete(s.cdCache, sid)
			}
		}

	case smmu.CmdCfgiCD:
		delete(s.cdCache, cmd.SID)

	case smmu.CmdCfgiCDAll:
		clear(s.cdCache)

	case smmu.CmdTLBINHVA:
		delete(s.tlb, tlbKey{cmd.ASID, cmd.Addr >> pgtable.PageShift})

	case smmu.CmdTLBINHAll, smmu.CmdTLBIEL2All, smmu.CmdTLBINSNHAll:
		clear(s.tlb)

	case smmu.CmdSync:
		if cmd.MSI {
			if _, err := s.mem.Bytes(cmd.Addr, 4); err != nil {
				s.raise(smmu.GErrorMSICmdqAbt)
				break
			}

			s.mem.Store32(cmd.Addr, 0)
		}

	default:
		return false
	}

	return true
}

// raise flags global errors and signals the GERROR line. The caller holds
// s.mu.
func (s *SMMU) raise(bits uint32) {
	s.gerror ^= bits &^ (s.gerror ^ s.gerrorn)

	if s.irqCtrl&smmu.IRQCtrlGErrorEn != 0 {
		signal(s.gerrC)
	}
}

// RaiseGError flags the given global errors.
func (s *SMMU) RaiseGError(bits uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raise(bits & smmu.GErrorMask)
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// read copies words from memory; it reports false for addresses outside
// the arena.
func (s *SMMU) read(pa uint64, dst []uint64) bool {
	if _, err := s.mem.Bytes(pa, len(dst)*8); err != nil || pa%8 != 0 {
		return false
	}

	s.mem.ReadEntry(pa, dst)
	return true
}

// Load64 implements pgtable.Loader. Words outside the arena read as zero,
// which the walk treats as invalid.
func (s *SMMU) Load64(pa uint64) uint64 {
	var w [1]uint64
	if !s.read(pa, w[:]) {
		return 0
	}

	return w[0]
}
