package tracing

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// CSVTraceWriter is a tracer that stores the records into a CSV file.
type CSVTraceWriter struct {
	lock sync.Mutex
	path string
	file *os.File
	w    *csv.Writer

	records    []Record
	bufferSize int
}

// NewCSVTraceWriter creates a new CSVTraceWriter. An empty path picks a unique
// name.
func NewCSVTraceWriter(path string) *CSVTraceWriter {
	return &CSVTraceWriter{
		path:       path,
		bufferSize: 1000,
	}
}

// Path returns the name of the file written, without the extension.
func (t *CSVTraceWriter) Path() string {
	return t.path
}

// Init creates the tracing csv file. It fails if the file already exists.
func (t *CSVTraceWriter) Init() {
	if t.path == "" {
		t.path = "hptsim_trace_" + xid.New().String()
	}

	filename := t.path + ".csv"
	_, err := os.Stat(filename)
	if err == nil {
		panic(fmt.Errorf("file %s already exists", filename))
	}

	file, err := os.Create(filename)
	if err != nil {
		panic(err)
	}

	t.file = file
	t.w = csv.NewWriter(file)

	err = t.w.Write([]string{
		"Seq", "Domain", "What", "VSID", "PageIndex",
		"Bucket", "Slot", "Secondary", "PAddr", "Hi", "Lo",
	})
	if err != nil {
		panic(err)
	}

	atexit.Register(func() {
		if err := t.Close(); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	})
}

// Trace buffers a record.
func (t *CSVTraceWriter) Trace(r Record) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.records = append(t.records, r)
	if len(t.records) >= t.bufferSize {
		t.flush()
	}
}

// Flush flushes the records to the CSV file.
func (t *CSVTraceWriter) Flush() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.flush()
}

func (t *CSVTraceWriter) flush() {
	if t.w == nil {
		return
	}

	for _, r := range t.records {
		err := t.w.Write([]string{
			strconv.FormatUint(r.Seq, 10),
			r.Domain,
			r.What,
			r.VSID,
			strconv.FormatUint(r.PageIndex, 10),
			strconv.FormatUint(r.Bucket, 10),
			strconv.Itoa(r.Slot),
			strconv.FormatBool(r.Secondary),
			fmt.Sprintf("%#x", r.PAddr),
			r.Hi,
			r.Lo,
		})
		if err != nil {
			panic(err)
		}
	}

	t.records = nil
	t.w.Flush()
}

// Close flushes the remaining records and closes the file. Closing twice is
// a no-op.
func (t *CSVTraceWriter) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.file == nil {
		return nil
	}

	t.flush()

	err := t.w.Error()
	if cerr := t.file.Close(); err == nil {
		err = cerr
	}

	t.file = nil
	t.w = nil

	return err
}
