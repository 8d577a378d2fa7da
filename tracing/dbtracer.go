package tracing

import (
	"github.com/sarchlab/hptsim/datarecording"
)

// TraceTableName is the table DBTracer writes to.
const TraceTableName = "hpt_trace"

// DBTracer is a tracer that stores records through a data recorder.
type DBTracer struct {
	backend datarecording.DataRecorder
}

// NewDBTracer creates a DBTracer and the table it writes to.
func NewDBTracer(backend datarecording.DataRecorder) *DBTracer {
	backend.CreateTable(TraceTableName, Record{})

	return &DBTracer{backend: backend}
}

// Trace inserts the record. The recorder batches the writes.
func (t *DBTracer) Trace(r Record) {
	t.backend.InsertData(TraceTableName, r)
}

// Flush writes the buffered records.
func (t *DBTracer) Flush() {
	t.backend.Flush()
}
