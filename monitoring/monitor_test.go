package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/lifesim/sim"
	"github.com/sarchlab/lifesim/tracing"
)

type fakeController struct {
	paused    bool
	status    sim.TickStatus
	callbacks []sim.CallbackStatus
	levels    []sim.PostTickLevelStatus
}

func (c *fakeController) Pause()              { c.paused = true }
func (c *fakeController) Continue()           { c.paused = false }
func (c *fakeController) Paused() bool        { return c.paused }
func (c *fakeController) Now() sim.TickStatus { return c.status }

func (c *fakeController) Callbacks() []sim.CallbackStatus {
	return c.callbacks
}

func (c *fakeController) PostTickLevels() []sim.PostTickLevelStatus {
	return c.levels
}

type cabin struct {
	Pressure float64
	Mass     float64
	Gas      gas
}

type gas struct {
	Name string
}

var _ = Describe("Monitor", func() {
	var (
		m          *Monitor
		controller *fakeController
		handler    http.Handler
	)

	request := func(method, url string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(method, url, nil))

		return rec
	}

	decode := func(rec *httptest.ResponseRecorder, v any) {
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(json.Unmarshal(rec.Body.Bytes(), v)).To(Succeed())
	}

	BeforeEach(func() {
		controller = &fakeController{
			status: sim.TickStatus{
				Tick:        3,
				Time:        1.5,
				Step:        0.5,
				NextStep:    0.5,
				MinimumStep: 1e-8,
			},
			callbacks: []sim.CallbackStatus{
				{
					Index:     0,
					Info:      sim.CallbackInfo{Owner: "cabin", Method: "scrub"},
					Interval:  0.5,
					LastFired: 1.5,
				},
				{
					Index:     2,
					Interval:  sim.DependentInterval,
					LastFired: sim.NegativeInfinity,
					Dependent: true,
				},
			},
			levels: []sim.PostTickLevelStatus{
				{Group: sim.GroupMatter, Level: "pre_phase_massupdate"},
				{Group: sim.GroupMatter, Level: "phase_massupdate", Slots: 1},
			},
		}

		m = NewMonitor().WithProfileDuration(10 * time.Millisecond)
		m.RegisterController(controller)
		handler = m.Handler()
	})

	It("should report the current time", func() {
		var rsp nowRsp
		decode(request(http.MethodGet, "/api/now"), &rsp)

		Expect(rsp).To(Equal(nowRsp{
			Tick:        3,
			Time:        1.5,
			Step:        0.5,
			NextStep:    0.5,
			MinimumStep: 1e-8,
		}))
	})

	It("should pause and continue", func() {
		Expect(request(http.MethodPost, "/api/pause").Code).
			To(Equal(http.StatusOK))
		Expect(controller.paused).To(BeTrue())

		var rsp nowRsp
		decode(request(http.MethodGet, "/api/now"), &rsp)
		Expect(rsp.Paused).To(BeTrue())

		Expect(request(http.MethodGet, "/api/continue").Code).
			To(Equal(http.StatusOK))
		Expect(controller.paused).To(BeFalse())
	})

	It("should answer 503 without a simulation", func() {
		handler = NewMonitor().Handler()

		Expect(request(http.MethodGet, "/api/now").Code).
			To(Equal(http.StatusServiceUnavailable))
	})

	It("should list callbacks with null for never fired", func() {
		var list []map[string]any
		decode(request(http.MethodGet, "/api/callbacks"), &list)

		Expect(list).To(HaveLen(2))
		Expect(list[0]["site"]).To(Equal("callback #0 (cabin.scrub)"))
		Expect(list[0]["last_fired"]).To(Equal(1.5))
		Expect(list[1]["last_fired"]).To(BeNil())
		Expect(list[1]["dependent"]).To(BeTrue())
	})

	It("should show a single callback", func() {
		var rsp callbackRsp
		decode(request(http.MethodGet, "/api/callback/2"), &rsp)

		Expect(rsp.Index).To(Equal(2))
		Expect(rsp.Dependent).To(BeTrue())

		Expect(request(http.MethodGet, "/api/callback/1").Code).
			To(Equal(http.StatusNotFound))
	})

	It("should list post-tick levels", func() {
		var all []sim.PostTickLevelStatus
		decode(request(http.MethodGet, "/api/posttick"), &all)
		Expect(all).To(HaveLen(2))

		var used []sim.PostTickLevelStatus
		decode(request(http.MethodGet, "/api/posttick?used=true"), &used)
		Expect(used).To(Equal([]sim.PostTickLevelStatus{
			{Group: sim.GroupMatter, Level: "phase_massupdate", Slots: 1},
		}))
	})

	It("should list executions", func() {
		var empty []tracing.SiteCount
		decode(request(http.MethodGet, "/api/executions"), &empty)
		Expect(empty).To(BeEmpty())

		timer := sim.MakeBuilder().Build()
		counter := tracing.NewExecutionCounter()
		tracing.Collect(timer, counter)
		_, _ = timer.Bind(sim.CallbackFunc(func(*sim.Timer) error {
			return nil
		}))
		Expect(timer.Tick()).To(Succeed())

		m.RegisterExecutionCounter(counter)

		var counts []tracing.SiteCount
		decode(request(http.MethodGet, "/api/executions"), &counts)
		Expect(counts).To(Equal([]tracing.SiteCount{
			{Site: "callback #0", Count: 1},
		}))
	})

	It("should serialize registered objects", func() {
		m.RegisterObject("cabin", &cabin{Pressure: 101.3, Gas: gas{"air"}})

		var names []string
		decode(request(http.MethodGet, "/api/objects"), &names)
		Expect(names).To(Equal([]string{"cabin"}))

		rec := request(http.MethodGet, "/api/object/cabin")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("Pressure"))

		Expect(request(http.MethodGet, "/api/object/nope").Code).
			To(Equal(http.StatusNotFound))
	})

	It("should refuse to register an object twice", func() {
		m.RegisterObject("cabin", &cabin{})

		Expect(func() { m.RegisterObject("cabin", &cabin{}) }).To(Panic())
	})

	It("should reject malformed field requests", func() {
		Expect(request(http.MethodGet, "/api/field/notjson").Code).
			To(Equal(http.StatusBadRequest))
	})

	It("should track progress bars", func() {
		bar := m.CreateProgressBar("run", 100)
		bar.IncrementInProgress(10)
		bar.MoveInProgressToFinished(4)
		bar.SetFinished(250)

		var bars []ProgressBarStatus
		decode(request(http.MethodGet, "/api/progress"), &bars)
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Name).To(Equal("run"))
		Expect(bars[0].ID).To(Equal("1"))
		Expect(bars[0].Finished).To(Equal(uint64(100)))
		Expect(bars[0].InProgress).To(Equal(uint64(6)))

		m.CompleteProgressBar(bar)

		decode(request(http.MethodGet, "/api/progress"), &bars)
		Expect(bars).To(BeEmpty())
	})

	It("should report resources", func() {
		var rsp resourceRsp
		decode(request(http.MethodGet, "/api/resource"), &rsp)

		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})

	It("should collect a profile", func() {
		rec := request(http.MethodGet, "/api/profile")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
	})

	It("should serve the web page", func() {
		rec := request(http.MethodGet, "/")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("lifesim monitor"))
	})

	It("should replace reserved ports with a random one", func() {
		m.WithPortNumber(80)
		Expect(m.portNumber).To(Equal(0))

		m.WithPortNumber(32100)
		Expect(m.portNumber).To(Equal(32100))
	})

	It("should start and stop a server", func() {
		port, err := m.StartServer()
		Expect(err).ToNot(HaveOccurred())
		Expect(port).To(Equal(m.Port()))

		rsp, err := http.Get("http://localhost:" + strconv.Itoa(port) + "/api/now")
		Expect(err).ToNot(HaveOccurred())
		rsp.Body.Close()
		Expect(rsp.StatusCode).To(Equal(http.StatusOK))

		Expect(m.StopServer(context.Background())).To(Succeed())
	})
})
