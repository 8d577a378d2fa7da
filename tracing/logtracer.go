package tracing

import (
	"log"
)

// LogTracer prints every record as one line.
type LogTracer struct {
	logger *log.Logger
}

// NewLogTracer creates a LogTracer.
func NewLogTracer(logger *log.Logger) *LogTracer {
	return &LogTracer{logger: logger}
}

func (t *LogTracer) Trace(r Record) {
	if r.Hi == "" {
		t.logger.Printf("%d %s %s vsid=%s page=%#x",
			r.Seq, r.Domain, r.What, r.VSID, r.PageIndex)
		return
	}

	t.logger.Printf("%d %s %s vsid=%s page=%#x at %d/%d secondary=%t pa=%#x",
		r.Seq, r.Domain, r.What, r.VSID, r.PageIndex,
		r.Bucket, r.Slot, r.Secondary, r.PAddr)
}
