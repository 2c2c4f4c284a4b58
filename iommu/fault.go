package iommu

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// FaultClass groups hardware fault codes.
type FaultClass int

const (
	FaultUnknown FaultClass = iota
	FaultStream
	FaultConfig
	FaultFetch
	FaultTranslation
	FaultAddressSize
	FaultAccess
	FaultPermission
	FaultConflict
	FaultPageRequest
)

// Fault is one decoded fault record.
type Fault struct {
	Class    FaultClass
	Code     uint8
	Name     string
	StreamID uint32
	Addr     uint64
	Write    bool
}

var faultClassNames = [...]string{
	FaultUnknown:     "unknown",
	FaultStream:      "stream",
	FaultConfig:      "config",
	FaultFetch:       "fetch",
	FaultTranslation: "translation",
	FaultAddressSize: "address size",
	FaultAccess:      "access",
	FaultPermission:  "permission",
	FaultConflict:    "conflict",
	FaultPageRequest: "page request",
}

func (c FaultClass) String() string {
	if c >= 0 && int(c) < len(faultClassNames) {
		return faultClassNames[c]
	}

	return fmt.Sprintf("FaultClass(%d)", int(c))
}

func (f Fault) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("class", f.Class.String()),
		slog.String("code", fmt.Sprintf("%#02x", f.Code)),
		slog.String("name", f.Name),
		slog.Uint64("sid", uint64(f.StreamID)),
		slog.String("addr", fmt.Sprintf("%#x", f.Addr)),
		slog.Bool("write", f.Write))
}

// rateLogger drops records beyond its limit and reports how many were
// dropped with the next record it lets through.
type rateLogger struct {
	log     *slog.Logger
	limit   *rate.Limiter
	dropped atomic.Int64
}

func newRateLogger(log *slog.Logger, limit rate.Limit, burst int) *rateLogger {
	return &rateLogger{
		log:   log,
		limit: rate.NewLimiter(limit, burst),
	}
}

func (rl *rateLogger) Warn(msg string, args ...any) {
	if !rl.limit.Allow() {
		rl.dropped.Add(1)
		return
	}

	if n := rl.dropped.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}

	rl.log.Warn(msg, args...)
}
