// Package monitoring serves the state of a running simulation over HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/hptsim/mem/vm/mmu"
	"github.com/sarchlab/hptsim/mem/vm/pmap"
	"github.com/sarchlab/hptsim/mem/vm/tlb"
	"github.com/sarchlab/hptsim/monitoring/web"
	"github.com/sarchlab/hptsim/sim/hooking"
)

// Monitor turns a simulation into a server that reports the hash table, the
// TLBs, and the processors.
type Monitor struct {
	system      *pmap.System
	machine     *mmu.Machine
	components  []hooking.Named
	portNumber  int
	openBrowser bool

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser makes StartServer open the monitoring page.
func (m *Monitor) WithBrowser(open bool) *Monitor {
	m.openBrowser = open
	return m
}

// RegisterSystem registers the pmap system and its table.
func (m *Monitor) RegisterSystem(s *pmap.System) {
	m.system = s
	m.RegisterComponent(s.Table())
}

// RegisterMachine registers the machine, its processors, and their TLBs.
func (m *Monitor) RegisterMachine(machine *mmu.Machine) {
	m.machine = machine
	m.RegisterComponent(machine)

	for _, c := range machine.CPUs() {
		m.RegisterComponent(c)
		m.RegisterComponent(c.TLB())
	}
}

// RegisterComponent registers a named object whose fields can be inspected.
func (m *Monitor) RegisterComponent(c hooking.Named) {
	m.components = append(m.components, c)
}

// CreateProgressBar starts following a workload round of numWorkers workers
// that together run total operations.
func (m *Monitor) CreateProgressBar(
	name string,
	numWorkers int,
	total uint64,
) *ProgressBar {
	bar := &ProgressBar{
		id:        xid.New().String(),
		name:      name,
		startTime: time.Now(),
		total:     total,
		workers:   make([]WorkerProgress, numWorkers),
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar stops showing the round of pb.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the handler of all the monitoring routes.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/stats", m.listStats)
	r.HandleFunc("/api/bucket/{index}", m.listBucket)
	r.HandleFunc("/api/cpu/{id}/slb", m.listSLB)
	r.HandleFunc("/api/list_components", m.listComponents)
	r.HandleFunc("/api/component/{name}", m.listComponentDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(web.Handler())

	return r
}

// StartServer starts the monitor as a web server and returns the URL it
// listens on.
func (m *Monitor) StartServer() string {
	actualPort := ":" + strconv.Itoa(m.portNumber)

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring simulation with %s\n", url)

	router := m.Router()

	go func() {
		err := http.Serve(listener, router)
		dieOnErr(err)
	}()

	if m.openBrowser {
		if err := browser.OpenURL(url); err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open browser: %s\n", err)
		}
	}

	return url
}

type tlbStats struct {
	Name string `json:"name"`
	tlb.Stats
}

type statsRsp struct {
	System    string            `json:"system,omitempty"`
	Pmap      *pmap.Stats       `json:"pmap,omitempty"`
	Occupancy int               `json:"occupancy"`
	Buckets   uint64            `json:"buckets"`
	Barriers  *mmu.BarrierStats `json:"barriers,omitempty"`
	TLBs      []tlbStats        `json:"tlbs,omitempty"`
}

func (m *Monitor) listStats(w http.ResponseWriter, _ *http.Request) {
	rsp := statsRsp{}

	if m.system != nil {
		stats := m.system.Stats()
		rsp.System = m.system.Name()
		rsp.Pmap = &stats
		rsp.Occupancy = m.system.Table().Occupancy()
		rsp.Buckets = m.system.Table().NumBuckets()
	}

	if m.machine != nil {
		barriers := m.machine.BarrierStats()
		rsp.Barriers = &barriers

		for _, c := range m.machine.CPUs() {
			rsp.TLBs = append(rsp.TLBs,
				tlbStats{Name: c.TLB().Name(), Stats: c.TLB().Stats()})
		}
	}

	writeJSON(w, rsp)
}

func (m *Monitor) listBucket(w http.ResponseWriter, r *http.Request) {
	if m.system == nil {
		http.Error(w, "no system registered", http.StatusNotFound)
		return
	}

	index, err := strconv.ParseUint(mux.Vars(r)["index"], 0, 64)
	if err != nil || index >= m.system.Table().NumBuckets() {
		http.Error(w, "invalid bucket index", http.StatusBadRequest)
		return
	}

	writeJSON(w, m.system.Table().Snapshot(index))
}

func (m *Monitor) listSLB(w http.ResponseWriter, r *http.Request) {
	if m.machine == nil {
		http.Error(w, "no machine registered", http.StatusNotFound)
		return
	}

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id < 0 || id >= m.machine.NumCPUs() {
		http.Error(w, "invalid CPU id", http.StatusBadRequest)
		return
	}

	writeJSON(w, m.machine.CPUs()[id].SLB())
}

func (m *Monitor) listComponents(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.components))
	for _, c := range m.components {
		names = append(names, c.Name())
	}

	writeJSON(w, names)
}

func (m *Monitor) listComponentDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	component := m.findComponentOr404(w, name)
	if component == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	jsonString := mux.Vars(r)["json"]
	req := fieldReq{}

	err := json.Unmarshal([]byte(jsonString), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	component := m.findComponentOr404(w, req.CompName)
	if component == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) findComponentOr404(
	w http.ResponseWriter,
	name string,
) hooking.Named {
	for _, c := range m.components {
		if c.Name() == name {
			return c
		}
	}

	http.Error(w, "Component not found", http.StatusNotFound)

	return nil
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	rounds := make([]RoundProgress, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		rounds = append(rounds, b.Snapshot())
	}
	m.progressBarsLock.Unlock()

	writeJSON(w, rounds)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
