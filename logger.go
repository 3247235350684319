package kmutex

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/neilotoole/sq/libsq/core/lg"
)

func (s *Subsystem) getLog() *slog.Logger {
	if s.log == nil {
		return lg.Discard()
	}
	return s.log
}

func (m *Mutex) logAttrs() []any {
	return []any{"lock", m.id, "name", m.name, "kind", m.kind.String()}
}

// noteSlow logs, rate limited, an acquire of m that waited longer than
// the configured threshold.
func (s *Subsystem) noteSlow(m *Mutex, waited time.Duration) {
	if s.cfg.SlowThreshold <= 0 || waited < s.cfg.SlowThreshold {
		return
	}
	if !s.slowLimit.Allow() {
		return
	}
	s.getLog().Warn("Slow mutex acquire", append(m.logAttrs(), "waited", waited)...)
}

func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
