// Package monitoring turns a running simulation into a web server that can be
// inspected and paused from a browser.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"
	"github.com/syifan/goseth"

	"github.com/sarchlab/lifesim/monitoring/web"
	"github.com/sarchlab/lifesim/sim"
	"github.com/sarchlab/lifesim/sim/id"
	"github.com/sarchlab/lifesim/tracing"
)

// A Controller is the simulation seen by the monitor. All methods are called
// from HTTP goroutines.
type Controller interface {
	Pause()
	Continue()
	Paused() bool
	Now() sim.TickStatus
	Callbacks() []sim.CallbackStatus
	PostTickLevels() []sim.PostTickLevelStatus
}

// Monitor can turn a simulation into a server and allows external monitoring
// and controlling of the simulation.
type Monitor struct {
	controller Controller
	counter    *tracing.ExecutionCounter
	portNumber int
	logger     logrus.FieldLogger
	idGen      id.IDGenerator

	profileDuration time.Duration

	objectsLock sync.Mutex
	objects     map[string]any

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	server   *http.Server
	listener net.Listener
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		logger:          logrus.StandardLogger(),
		idGen:           id.NewIDGenerator(),
		profileDuration: time.Second,
		objects:         make(map[string]any),
	}
}

// WithPortNumber sets the port number of the monitor. Ports below 1000 are
// replaced by a random port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		m.logger.Warnf("Port number %d is not allowed for the monitoring "+
			"server. Using a random port instead.", portNumber)

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithLogger sets the logger used for server messages.
func (m *Monitor) WithLogger(logger logrus.FieldLogger) *Monitor {
	m.logger = logger
	return m
}

// WithProfileDuration sets how long /api/profile samples the CPU.
func (m *Monitor) WithProfileDuration(d time.Duration) *Monitor {
	m.profileDuration = d
	return m
}

// RegisterController sets the simulation to monitor.
func (m *Monitor) RegisterController(c Controller) {
	m.controller = c
}

// RegisterExecutionCounter exposes the counts at /api/executions.
func (m *Monitor) RegisterExecutionCounter(c *tracing.ExecutionCounter) {
	m.counter = c
}

// RegisterObject makes an object inspectable at /api/object/{name}. The
// object is read without synchronization, so the simulation should be paused
// for a consistent view.
func (m *Monitor) RegisterObject(name string, obj any) {
	m.objectsLock.Lock()
	defer m.objectsLock.Unlock()

	if _, ok := m.objects[name]; ok {
		panic(fmt.Sprintf("object %s already registered", name))
	}

	m.objects[name] = obj
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        m.idGen.Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar from the webpage.
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

// Handler returns the router that serves the monitoring API and pages.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/pause", m.pause).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/api/continue", m.continueSim).
		Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/callbacks", m.listCallbacks)
	r.HandleFunc("/api/callback/{index:[0-9]+}", m.callbackDetail)
	r.HandleFunc("/api/posttick", m.listPostTickLevels)
	r.HandleFunc("/api/executions", m.listExecutions)
	r.HandleFunc("/api/objects", m.listObjects)
	r.HandleFunc("/api/object/{name}", m.objectDetail)
	r.HandleFunc("/api/field/{json}", m.fieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts serving in the background and returns the port.
func (m *Monitor) StartServer() (int, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return 0, err
	}

	m.listener = listener
	m.server = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	port := m.Port()
	m.logger.Infof("Monitoring simulation with http://localhost:%d", port)

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.WithError(err).Error("monitoring server stopped")
		}
	}()

	return port, nil
}

// Port returns the port the server listens on, or 0 if it is not started.
func (m *Monitor) Port() int {
	if m.listener == nil {
		return 0
	}

	return m.listener.Addr().(*net.TCPAddr).Port
}

// OpenBrowser opens the monitoring page in the default browser.
func (m *Monitor) OpenBrowser() error {
	if m.listener == nil {
		return errors.New("monitoring server not started")
	}

	return browser.OpenURL(fmt.Sprintf("http://localhost:%d", m.Port()))
}

// StopServer shuts the server down.
func (m *Monitor) StopServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func (m *Monitor) controllerOr503(w http.ResponseWriter) Controller {
	if m.controller == nil {
		http.Error(w, "no simulation registered", http.StatusServiceUnavailable)
	}

	return m.controller
}

func (m *Monitor) pause(w http.ResponseWriter, _ *http.Request) {
	c := m.controllerOr503(w)
	if c == nil {
		return
	}

	c.Pause()
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) continueSim(w http.ResponseWriter, _ *http.Request) {
	c := m.controllerOr503(w)
	if c == nil {
		return
	}

	c.Continue()
	w.WriteHeader(http.StatusOK)
}

type nowRsp struct {
	Tick        int64   `json:"tick"`
	Time        float64 `json:"time"`
	Step        float64 `json:"step"`
	NextStep    float64 `json:"next_step"`
	MinimumStep float64 `json:"minimum_step"`
	Paused      bool    `json:"paused"`
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	c := m.controllerOr503(w)
	if c == nil {
		return
	}

	s := c.Now()
	m.writeJSON(w, nowRsp{
		Tick:        s.Tick,
		Time:        float64(s.Time),
		Step:        float64(s.Step),
		NextStep:    float64(s.NextStep),
		MinimumStep: float64(s.MinimumStep),
		Paused:      c.Paused(),
	})
}

type callbackRsp struct {
	Index       int      `json:"index"`
	Site        string   `json:"site"`
	Method      string   `json:"method,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	Description string   `json:"description,omitempty"`
	Interval    float64  `json:"interval"`
	LastFired   *float64 `json:"last_fired"`
	Dependent   bool     `json:"dependent"`
}

// A callback that never fired has a last fired time of minus infinity, which
// JSON cannot represent. It is reported as null.
func newCallbackRsp(s sim.CallbackStatus) callbackRsp {
	rsp := callbackRsp{
		Index:       s.Index,
		Site:        s.Site(),
		Method:      s.Info.Method,
		Owner:       s.Info.Owner,
		Description: s.Info.Description,
		Interval:    float64(s.Interval),
		Dependent:   s.Dependent,
	}

	if !math.IsInf(float64(s.LastFired), 0) {
		lastFired := float64(s.LastFired)
		rsp.LastFired = &lastFired
	}

	return rsp
}

func (m *Monitor) listCallbacks(w http.ResponseWriter, _ *http.Request) {
	c := m.controllerOr503(w)
	if c == nil {
		return
	}

	statuses := c.Callbacks()

	list := make([]callbackRsp, len(statuses))
	for i, s := range statuses {
		list[i] = newCallbackRsp(s)
	}

	m.writeJSON(w, list)
}

func (m *Monitor) callbackDetail(w http.ResponseWriter, r *http.Request) {
	c := m.controllerOr503(w)
	if c == nil {
		return
	}

	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	for _, s := range c.Callbacks() {
		if s.Index == index {
			m.writeJSON(w, newCallbackRsp(s))
			return
		}
	}

	http.Error(w, "Callback not found", http.StatusNotFound)
}

func (m *Monitor) listPostTickLevels(w http.ResponseWriter, r *http.Request) {
	c := m.controllerOr503(w)
	if c == nil {
		return
	}

	levels := c.PostTickLevels()

	if r.URL.Query().Get("used") == "true" {
		used := make([]sim.PostTickLevelStatus, 0, len(levels))
		for _, l := range levels {
			if l.Slots > 0 {
				used = append(used, l)
			}
		}

		levels = used
	}

	m.writeJSON(w, levels)
}

func (m *Monitor) listExecutions(w http.ResponseWriter, _ *http.Request) {
	if m.counter == nil {
		m.writeJSON(w, []tracing.SiteCount{})
		return
	}

	m.writeJSON(w, m.counter.Counts())
}

func (m *Monitor) listObjects(w http.ResponseWriter, _ *http.Request) {
	m.objectsLock.Lock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	m.objectsLock.Unlock()

	sort.Strings(names)

	m.writeJSON(w, names)
}

func (m *Monitor) findObjectOr404(w http.ResponseWriter, name string) any {
	m.objectsLock.Lock()
	obj, ok := m.objects[name]
	m.objectsLock.Unlock()

	if !ok {
		http.Error(w, "Object not found", http.StatusNotFound)
		return nil
	}

	return obj
}

func (m *Monitor) objectDetail(w http.ResponseWriter, r *http.Request) {
	obj := m.findObjectOr404(w, mux.Vars(r)["name"])
	if obj == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(obj)
	serializer.SetMaxDepth(1)

	if err := serializer.Serialize(w); err != nil {
		m.logger.WithError(err).Warn("cannot serialize object")
	}
}

type fieldReq struct {
	ObjectName string `json:"object_name,omitempty"`
	FieldName  string `json:"field_name,omitempty"`
}

func (m *Monitor) fieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	obj := m.findObjectOr404(w, req.ObjectName)
	if obj == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(obj)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := serializer.Serialize(w); err != nil {
		m.logger.WithError(err).Warn("cannot serialize field")
	}
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]ProgressBarStatus, len(m.progressBars))
	for i, b := range m.progressBars {
		bars[i] = b.Status()
	}
	m.progressBarsLock.Unlock()

	m.writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.serverError(w, err)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		m.serverError(w, err)
		return
	}

	memoryInfo, err := proc.MemoryInfo()
	if err != nil {
		m.serverError(w, err)
		return
	}

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		m.serverError(w, err)
		return
	}

	time.Sleep(m.profileDuration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		m.serverError(w, err)
		return
	}

	m.writeJSON(w, prof)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.serverError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if _, err := w.Write(data); err != nil {
		m.logger.WithError(err).Debug("cannot write response")
	}
}

func (m *Monitor) serverError(w http.ResponseWriter, err error) {
	m.logger.WithError(err).Warn("monitoring request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
