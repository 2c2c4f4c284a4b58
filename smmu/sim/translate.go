package sim

import (
	"fmt"

	"github.com/c35s/iommu/iommu"
	"github.com/c35s/iommu/smmu"
	"github.com/c35s/iommu/smmu/pgtable"
	"github.com/c35s/iommu/smmu/ring"
)

// Translate performs a device access on stream sid at va. It returns the
// output address, or an error after recording an event for the fault.
// Streams configured to abort fail with ErrAborted and record nothing.
func (s *SMMU) Translate(sid uint32, va uint64, write bool) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cr0&smmu.CR0SMMUEn == 0 {
		return 0, ErrDisabled
	}

	fault := func(id uint8) (uint64, error) {
		ev := smmu.Event{ID: id, SID: sid, Addr: va, Write: write}
		s.record(ev)
		return 0, fmt.Errorf("%w: %s sid %d va %#x", ErrFault, ev.Name(), sid, va)
	}

	sidBits := s.strtabCfg & smmu.StrtabBaseCfgLog2Mask
	if sidBits < 32 && sid>>sidBits != 0 {
		return fault(smmu.EvtBadStreamID)
	}

	ste, ok := s.steCache[sid]
	if !ok {
		if ste, ok = s.fetchSTE(sid); !ok {
			return fault(smmu.EvtBadStreamID)
		}

		if ste.Valid() {
			s.steCache[sid] = ste
		}
	}

	if !ste.Valid() {
		return fault(smmu.EvtBadSTE)
	}

	switch ste.Mode() {
	case smmu.ModeBypass:
		return va, nil

	case smmu.ModeAbort:
		return 0, fmt.Errorf("%w: sid %d", ErrAborted, sid)
	}

	cd, ok := s.cdCache[sid]
	if !ok {
		if !s.read(ste.ContextPtr(), cd[:]) {
			return fault(smmu.EvtBadCD)
		}

		if cd[0]&smmu.CD0Valid != 0 {
			s.cdCache[sid] = cd
		}
	}

	if cd[0]&smmu.CD0Valid == 0 {
		return fault(smmu.EvtBadCD)
	}

	var (
		asid = uint16(cd[0] >> smmu.CD0ASIDShift)
		ias  = 64 - uint(cd[0]&smmu.CD0T0SZMask)
		ttb  = cd[1] & smmu.CD1TTB0Mask
		key  = tlbKey{asid, va >> pgtable.PageShift}
		off  = va % pgtable.PageSize
	)

	e, ok := s.tlb[key]
	if !ok {
		pa, prot, ok := pgtable.Walk(s, ttb, ias, va)
		if !ok {
			return fault(smmu.EvtTranslation)
		}

		e = tlbEntry{pa: pa - off, prot: prot}
		s.tlb[key] = e
	}

	need := iommu.ProtRead
	if write {
		need = iommu.ProtWrite
	}

	if e.prot&need == 0 {
		return fault(smmu.EvtPermission)
	}

	return e.pa + off, nil
}

// fetchSTE reads stream sid's entry from the stream table. It reports
// false when no table level covers sid. The caller holds s.mu.
func (s *SMMU) fetchSTE(sid uint32) (smmu.STE, bool) {
	var (
		ste  smmu.STE
		base = s.strtabBase & smmu.StrtabBaseAddrMask
		addr uint64
	)

	switch s.strtabCfg & smmu.StrtabBaseCfgFmtMask {
	case smmu.StrtabBaseCfg2Lvl:
		split := s.strtabCfg & smmu.StrtabBaseCfgSplitM >> smmu.StrtabBaseCfgSplitSh

		var l1 [1]uint64
		if !s.read(base+uint64(sid>>split)*8, l1[:]) {
			return ste, false
		}

		span := l1[0] & smmu.L1DescSpanMask
		idx := uint64(sid & (1<<split - 1))
		if span == 0 || idx >= 1<<(span-1) {
			return ste, false
		}

		addr = l1[0]&smmu.L1DescL2PtrMask + idx*smmu.StrtabSTEDwords*8

	default:
		addr = base + uint64(sid)*smmu.StrtabSTEDwords*8
	}

	if !s.read(addr, ste[:]) {
		return ste, false
	}

	return ste, true
}

// record appends ev to the event queue, or flags an overflow when the
// queue is full. The caller holds s.mu.
func (s *SMMU) record(ev smmu.Event) {
	w := ev.Encode()
	s.produce(&s.evtq, smmu.CR0EventqEn, w[:])

	if s.irqCtrl&smmu.IRQCtrlEventqEn != 0 {
		signal(s.evtC)
	}
}

func (s *SMMU) produce(q *queue, enable uint32, w []uint64) bool {
	if s.cr0&enable == 0 {
		return false
	}

	log2 := qLog2(q.base)
	if ring.Full(q.prod, q.cons, log2) {
		// overflowed until the consumer copies the flag back
		q.prod = q.prod&^ring.FlagOverflow | ^q.cons&ring.FlagOverflow
		return false
	}

	slot := qAddr(q.base) + uint64(ring.Index(q.prod, log2))*uint64(len(w))*8
	s.mem.WriteEntry(slot, w)
	q.prod = ring.Inc(q.prod, log2)

	return true
}

// InjectEvent records ev as if the controller had raised it.
func (s *SMMU) InjectEvent(ev smmu.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(ev)
}

// RequestPage posts a page request on the PRI queue. It reports false when
// PRI is absent or disabled.
func (s *SMMU) RequestPage(pr smmu.PageRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.PRI {
		return false
	}

	w := pr.Encode()
	if !s.produce(&s.priq, smmu.CR0PriqEn, w[:]) {
		return false
	}

	if s.irqCtrl&smmu.IRQCtrlPriqEn != 0 {
		signal(s.priC)
	}

	return true
}
