// Package ring implements the circular queues shared between software and a
// stream MMU: the command queue (software produces), and the event and
// page-request queues (hardware produces).
//
// Producer and consumer indices carry a wrap bit at position log2(size): the
// queue is empty when index and wrap bit are both equal, and full when the
// indices are equal but the wrap bits differ. Bit 31 is the overflow flag of
// hardware-produced queues.
package ring

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Memory is the view of queue memory needed to read and write entries.
type Memory interface {
	Load64(pa uint64) uint64
	Store64(pa, v uint64)
}

// Registers is the view of the controller's register file needed to move the
// producer and consumer indices.
type Registers interface {
	Read32(off int) uint32
	Write32(off int, v uint32)
}

// Config describes one queue.
type Config struct {

	// Base is the physical address of entry 0.
	Base uint64

	// Log2Size is log2 of the number of entries.
	Log2Size uint32

	// EntryDwords is the size of one entry in 64-bit words.
	EntryDwords int

	// ProdReg and ConsReg are the register offsets of the producer and
	// consumer indices.
	ProdReg int
	ConsReg int
}

// Q is a software view of a hardware queue. Q does no locking: a queue has a
// single producer path and a single consumer path, and callers serialize
// each of them.
type Q struct {
	cfg  Config
	mem  Memory
	regs Registers

	prod uint32
	cons uint32
}

const (
	// FlagOverflow is set in a hardware producer index when entries were lost.
	FlagOverflow = 1 << 31

	Log2SizeMax = 19
)

var (
	ErrQueueFull = errors.New("ring: queue full")
	ErrTimeout   = errors.New("ring: timed out")
)

// New returns a queue with both indices at zero.
func New(cfg Config, mem Memory, regs Registers) *Q {
	if cfg.Log2Size > Log2SizeMax {
		panic(fmt.Sprintf("ring: log2 size %d > %d", cfg.Log2Size, Log2SizeMax))
	}

	if cfg.EntryDwords <= 0 {
		panic("ring: bad entry size")
	}

	return &Q{
		cfg:  cfg,
		mem:  mem,
		regs: regs,
	}
}

// Wrap returns the wrap bit of index p.
func Wrap(p, log2 uint32) uint32 {
	return p & (1 << log2)
}

// Index returns the slot number of index p.
func Index(p, log2 uint32) uint32 {
	return p & (1<<log2 - 1)
}

// Inc returns p advanced by one slot, toggling the wrap bit on wraparound and
// preserving the overflow flag.
func Inc(p, log2 uint32) uint32 {
	n := (Wrap(p, log2) | Index(p, log2)) + 1
	return p&FlagOverflow | Wrap(n, log2) | Index(n, log2)
}

// Empty reports whether a queue with the given indices holds no entries.
func Empty(prod, cons, log2 uint32) bool {
	return Index(prod, log2) == Index(cons, log2) && Wrap(prod, log2) == Wrap(cons, log2)
}

// Full reports whether a queue with the given indices has no free slot.
func Full(prod, cons, log2 uint32) bool {
	return Index(prod, log2) == Index(cons, log2) && Wrap(prod, log2) != Wrap(cons, log2)
}

// Size returns the number of entries in the queue.
func (q *Q) Size() int {
	return 1 << q.cfg.Log2Size
}

// Bytes returns the size of the queue memory.
func (q *Q) Bytes() uint64 {
	return uint64(q.Size()) * uint64(q.cfg.EntryDwords) * 8
}

// Config returns the queue's configuration.
func (q *Q) Config() Config {
	return q.cfg
}

// Prod returns the cached producer index.
func (q *Q) Prod() uint32 {
	return q.prod
}

// Cons returns the cached consumer index.
func (q *Q) Cons() uint32 {
	return q.cons
}

// HasSpace reports whether the cached indices leave a free slot.
func (q *Q) HasSpace() bool {
	return !Full(q.prod, q.cons, q.cfg.Log2Size)
}

// IsEmpty reports whether the cached indices describe an empty queue.
func (q *Q) IsEmpty() bool {
	return Empty(q.prod, q.cons, q.cfg.Log2Size)
}

// IncProd advances the cached producer index and returns it.
func (q *Q) IncProd() uint32 {
	q.prod = Inc(q.prod, q.cfg.Log2Size)
	return q.prod
}

// IncCons advances the cached consumer index and returns it.
func (q *Q) IncCons() uint32 {
	q.cons = Inc(q.cons, q.cfg.Log2Size)
	return q.cons
}

// SlotAddr returns the physical address of the entry that index p selects.
func (q *Q) SlotAddr(p uint32) uint64 {
	return q.cfg.Base + uint64(Index(p, q.cfg.Log2Size))*uint64(q.cfg.EntryDwords)*8
}

// Reset zeroes both cached indices and writes them to the hardware.
func (q *Q) Reset() {
	q.prod, q.cons = 0, 0
	q.regs.Write32(q.cfg.ProdReg, 0)
	q.regs.Write32(q.cfg.ConsReg, 0)
}

// Enqueue writes entry at the producer index and publishes the new producer
// index. While the queue is full it re-reads the hardware consumer index
// until a slot frees up or timeout elapses, which yields ErrQueueFull.
// It returns the physical address of the written slot.
func (q *Q) Enqueue(entry []uint64, timeout time.Duration) (uint64, error) {
	if len(entry) != q.cfg.EntryDwords {
		panic(fmt.Sprintf("ring: entry has %d words, want %d", len(entry), q.cfg.EntryDwords))
	}

	ok := Poll(timeout, func() bool {
		q.cons = q.readIndex(q.cfg.ConsReg)
		return q.HasSpace()
	})

	if !ok {
		return 0, fmt.Errorf("%w: prod %#x cons %#x after %v", ErrQueueFull, q.prod, q.cons, timeout)
	}

	slot := q.SlotAddr(q.prod)
	for i, v := range entry {
		q.mem.Store64(slot+uint64(i)*8, v)
	}

	q.regs.Write32(q.cfg.ProdReg, q.IncProd())

	return slot, nil
}

// DequeueOne copies the entry at the consumer index into dst and publishes
// the new consumer index. The producer index is re-read from the hardware
// first; DequeueOne returns false if the queue is empty.
func (q *Q) DequeueOne(dst []uint64) bool {
	if len(dst) != q.cfg.EntryDwords {
		panic(fmt.Sprintf("ring: entry has %d words, want %d", len(dst), q.cfg.EntryDwords))
	}

	q.prod = q.regs.Read32(q.cfg.ProdReg)
	if q.IsEmpty() {
		return false
	}

	slot := q.SlotAddr(q.cons)
	for i := range dst {
		dst[i] = q.mem.Load64(slot + uint64(i)*8)
	}

	q.regs.Write32(q.cfg.ConsReg, q.IncCons())

	return true
}

// Refresh re-reads the hardware producer index; it reports whether entries
// are pending.
func (q *Q) Refresh() bool {
	q.prod = q.regs.Read32(q.cfg.ProdReg)
	return !q.IsEmpty()
}

// Overflowed reports whether the hardware flagged lost entries that software
// has not acknowledged yet.
func (q *Q) Overflowed() bool {
	return (q.prod^q.cons)&FlagOverflow != 0
}

// AckOverflow acknowledges an overflow by copying the producer's overflow
// flag into the consumer index.
func (q *Q) AckOverflow() {
	q.cons = q.cons&^FlagOverflow | q.prod&FlagOverflow
	q.regs.Write32(q.cfg.ConsReg, q.cons)
}

// Consumed re-reads the hardware consumer index and reports whether it has
// moved past prod.
func (q *Q) Consumed(prod uint32) bool {
	q.cons = q.readIndex(q.cfg.ConsReg)

	var (
		log2 = q.cfg.Log2Size
		ci   = Index(q.cons, log2)
		pi   = Index(prod, log2)
	)

	if Wrap(q.cons, log2) == Wrap(prod, log2) {
		return ci > pi
	}

	return ci <= pi
}

// readIndex reads an index register and drops bits outside wrap|index (the
// command queue consumer register reports errors in its upper bits).
func (q *Q) readIndex(reg int) uint32 {
	mask := uint32(1)<<(q.cfg.Log2Size+1) - 1
	return q.regs.Read32(reg) & mask
}

// Poll calls cond until it returns true or timeout elapses. It never
// sleeps: the handshakes it serves complete in well under a microsecond on
// working hardware. Poll checks cond once more after the deadline, so a
// condition that became true while the caller was descheduled still counts.
func Poll(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)

	for {
		if cond() {
			return true
		}

		if time.Now().After(deadline) {
			return cond()
		}

		runtime.Gosched()
	}
}
