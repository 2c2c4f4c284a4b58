package smmu

import (
	"fmt"

	"github.com/c35s/iommu/smmu/ring"
)

// Command is a command queue entry.
type Command struct {
	Opcode uint8
	SID    uint32
	SSID   uint32
	ASID   uint16
	Leaf   bool

	// Addr is the page address of TLBI_NH_VA, or the completion address of
	// a SYNC with MSI set.
	Addr uint64
	MSI  bool

	// Span is log2 of the number of streams CFGI_STE_RANGE invalidates.
	Span uint8
}

var commandNames = map[uint8]string{
	CmdPrefetchConfig: "PREFETCH_CONFIG",
	CmdCfgiSTE:        "CFGI_STE",
	CmdCfgiSTERange:   "CFGI_STE_RANGE",
	CmdCfgiCD:         "CFGI_CD",
	CmdCfgiCDAll:      "CFGI_CD_ALL",
	CmdTLBINHAll:      "TLBI_NH_ALL",
	CmdTLBINHVA:       "TLBI_NH_VA",
	CmdTLBIEL2All:     "TLBI_EL2_ALL",
	CmdTLBINSNHAll:    "TLBI_NSNH_ALL",
	CmdSync:           "SYNC",
}

func (cmd Command) String() string {
	if n, ok := commandNames[cmd.Opcode]; ok {
		return n
	}

	return fmt.Sprintf("CMD_%#02x", cmd.Opcode)
}

// Encode returns the command's queue entry.
func (cmd Command) Encode() [CmdqEntryDwords]uint64 {
	var w [CmdqEntryDwords]uint64
	w[0] = uint64(cmd.Opcode)

	switch cmd.Opcode {
	case CmdTLBINHVA:
		w[0] |= uint64(cmd.ASID) << TLBI0ASIDShift
		w[1] = cmd.Addr & TLBI1AddrMask
		if cmd.Leaf {
			w[1] |= TLBI1Leaf
		}

	case CmdCfgiCD:
		w[0] |= uint64(cmd.SSID) << Cfgi0SSIDShift
		fallthrough

	case CmdCfgiSTE:
		w[0] |= uint64(cmd.SID) << Cfgi0SIDShift
		if cmd.Leaf {
			w[1] |= Cfgi1Leaf
		}

	case CmdCfgiSTERange:
		w[0] |= uint64(cmd.SID) << Cfgi0SIDShift
		w[1] = uint64(cmd.Span&0x1f) << Cfgi1STERangeShift

	case CmdSync:
		w[0] |= Sync0MSHIS | Sync0MSIAttrOIWB
		if cmd.MSI {
			w[0] |= Sync0CSSigIRQ
			w[1] = cmd.Addr & Sync1MSIAddrMask
		} else {
			w[0] |= Sync0CSSigSEV
		}

	case CmdPrefetchConfig:
		w[0] |= uint64(cmd.SID) << Prefetch0SIDShift
	}

	return w
}

// DecodeCommand is the inverse of Encode.
func DecodeCommand(w [CmdqEntryDwords]uint64) Command {
	cmd := Command{Opcode: uint8(w[0] & CmdOpcodeMask)}

	switch cmd.Opcode {
	case CmdTLBINHVA:
		cmd.ASID = uint16(w[0] >> TLBI0ASIDShift)
		cmd.Addr = w[1] & TLBI1AddrMask
		cmd.Leaf = w[1]&TLBI1Leaf != 0

	case CmdCfgiCD:
		cmd.SSID = uint32(w[0]>>Cfgi0SSIDShift) & 0xfffff
		fallthrough

	case CmdCfgiSTE:
		cmd.SID = uint32(w[0] >> Cfgi0SIDShift)
		cmd.Leaf = w[1]&Cfgi1Leaf != 0

	case CmdCfgiSTERange:
		cmd.SID = uint32(w[0] >> Cfgi0SIDShift)
		cmd.Span = uint8(w[1]>>Cfgi1STERangeShift) & 0x1f

	case CmdSync:
		if w[0]&Sync0CSMask == Sync0CSSigIRQ {
			cmd.MSI = true
			cmd.Addr = w[1] & Sync1MSIAddrMask
		}

	case CmdPrefetchConfig:
		cmd.SID = uint32(w[0] >> Prefetch0SIDShift)
	}

	return cmd
}

// issue posts cmd on the command queue. The caller holds c.mu.
func (c *Controller) issue(cmd Command) error {
	w := cmd.Encode()
	if _, err := c.cmdq.Enqueue(w[:], c.cfg.QueueTimeout); err != nil {
		return fmt.Errorf("%v: %w", cmd, err)
	}

	return nil
}

// sync posts a SYNC and waits for the controller to complete every command
// before it. With MSI support the controller signals completion by writing
// zero over the first word of the SYNC's own slot; otherwise the consumer
// index is polled. A sync that does not complete in time is logged and
// treated as complete. The caller holds c.mu.
func (c *Controller) sync() error {
	prod := c.cmdq.Prod()
	slot := c.cmdq.SlotAddr(prod)

	if err := c.issue(Command{Opcode: CmdSync, MSI: c.feat.MSI, Addr: slot}); err != nil {
		return err
	}

	var done func() bool
	if c.feat.MSI {
		done = func() bool { return c.mem.Load32(slot) == 0 }
	} else {
		done = func() bool { return c.cmdq.Consumed(prod) }
	}

	if !ring.Poll(c.cfg.SyncTimeout, done) {
		c.log.Warn("sync did not complete", "timeout", c.cfg.SyncTimeout, "slot", fmt.Sprintf("%#x", slot))
	}

	return nil
}

// invalidateSTE drops cached copies of stream sid's descriptor.
func (c *Controller) invalidateSTE(sid uint32) error {
	if err := c.issue(Command{Opcode: CmdCfgiSTE, SID: sid, Leaf: true}); err != nil {
		return err
	}

	return c.sync()
}

func (c *Controller) prefetch(sid uint32) error {
	if err := c.issue(Command{Opcode: CmdPrefetchConfig, SID: sid}); err != nil {
		return err
	}

	return c.sync()
}

func (c *Controller) invalidateCD(sid uint32) error {
	return c.issue(Command{Opcode: CmdCfgiCD, SID: sid, Leaf: true})
}

func (c *Controller) invalidateVA(asid uint16, va uint64) error {
	return c.issue(Command{Opcode: CmdTLBINHVA, ASID: asid, Addr: va, Leaf: true})
}

// invalidateAll drops every cached descriptor and translation.
func (c *Controller) invalidateAll() error {
	if err := c.issue(Command{Opcode: CmdCfgiSTERange, Span: 31}); err != nil {
		return err
	}

	if err := c.sync(); err != nil {
		return err
	}

	if c.feat.HYP {
		if err := c.issue(Command{Opcode: CmdTLBIEL2All}); err != nil {
			return err
		}
	}

	if err := c.issue(Command{Opcode: CmdTLBINSNHAll}); err != nil {
		return err
	}

	return c.sync()
}
