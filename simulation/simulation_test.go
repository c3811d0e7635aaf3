package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/lifesim/datarecording"
	"github.com/sarchlab/lifesim/sim"
	"github.com/sarchlab/lifesim/tracing"
)

var _ = Describe("Simulation", func() {
	var (
		mockCtrl   *gomock.Controller
		logger     *logrus.Logger
		logs       *test.Hook
		simulation *Simulation
		ctx        context.Context
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		logger, logs = test.NewNullLogger()
		ctx = context.Background()

		var err error
		simulation, err = MakeBuilder().WithLogger(logger).Build()
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		Expect(simulation.Terminate()).To(Succeed())
		mockCtrl.Finish()
	})

	bindEvery := func(interval sim.VTimeInSec) {
		_, err := simulation.Timer().Bind(
			sim.CallbackFunc(func(*sim.Timer) error { return nil }),
			sim.WithInterval(interval))
		Expect(err).ToNot(HaveOccurred())
	}

	It("should have a unique ID", func() {
		other, err := MakeBuilder().WithLogger(logger).Build()
		Expect(err).ToNot(HaveOccurred())

		Expect(simulation.ID()).ToNot(BeEmpty())
		Expect(simulation.ID()).ToNot(Equal(other.ID()))
		Expect(simulation.DataRecorder()).To(BeNil())
		Expect(simulation.Monitor()).To(BeNil())
	})

	It("should run a number of ticks", func() {
		bindEvery(0.5)

		Expect(simulation.RunTicks(ctx, 5)).To(Succeed())

		status := simulation.Status()
		Expect(status.Tick).To(Equal(int64(4)))
		Expect(status.Time).To(Equal(sim.VTimeInSec(2)))
		Expect(status.Fired).To(Equal(1))
		Expect(status.Running).To(BeFalse())

		Expect(simulation.RunTicks(ctx, 2)).To(Succeed())
		Expect(simulation.Now().Tick).To(Equal(int64(6)))
	})

	It("should run until a time", func() {
		bindEvery(0.5)

		Expect(simulation.RunUntil(ctx, 2)).To(Succeed())

		Expect(simulation.Now().Time).To(Equal(sim.VTimeInSec(2)))
		Expect(simulation.Now().Tick).To(Equal(int64(4)))
		Expect(simulation.ExecutionCounter().Count("callback #0")).
			To(Equal(uint64(5)))
	})

	It("should overshoot the target with the last step", func() {
		bindEvery(1)

		Expect(simulation.RunUntil(ctx, 1.5)).To(Succeed())

		Expect(simulation.Now().Time).To(Equal(sim.VTimeInSec(2)))
	})

	It("should stop at whichever bound comes first", func() {
		bindEvery(0.5)

		Expect(simulation.Run(ctx, 10, 3)).To(Succeed())
		Expect(simulation.Now().Tick).To(Equal(int64(2)))

		Expect(simulation.Run(ctx, 2, 100)).To(Succeed())
		Expect(simulation.Now().Time).To(Equal(sim.VTimeInSec(2)))
		Expect(simulation.Now().Tick).To(Equal(int64(4)))
	})

	It("should treat a zero bound as absent", func() {
		bindEvery(0.5)

		Expect(simulation.Run(ctx, 0, 2)).To(Succeed())
		Expect(simulation.Now().Tick).To(Equal(int64(1)))

		Expect(simulation.Run(ctx, 1.5, 0)).To(Succeed())
		Expect(simulation.Now().Time).To(Equal(sim.VTimeInSec(1.5)))
	})

	It("should reject a negative number of ticks", func() {
		bindEvery(0.5)

		err := simulation.Run(ctx, 2, -1)

		Expect(err).To(MatchError(ErrInvalidBound))
		Expect(simulation.Now().Tick).To(Equal(int64(-1)))
	})

	It("should stop when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		_, _ = simulation.Timer().Bind(sim.CallbackFunc(func(t *sim.Timer) error {
			if t.CurrentTick() == 2 {
				cancel()
			}
			return nil
		}), sim.WithInterval(1))

		err := simulation.RunUntil(ctx, 100)

		Expect(err).To(MatchError(context.Canceled))
		Expect(simulation.Now().Tick).To(Equal(int64(2)))
	})

	It("should halt on a fatal error and keep the state", func() {
		cb := NewMockCallback(mockCtrl)
		boom := errors.New("boom")
		cb.EXPECT().Fire(gomock.Any()).Return(nil)
		cb.EXPECT().Fire(gomock.Any()).Return(boom)
		_, _ = simulation.Timer().Bind(cb, sim.WithInterval(1),
			sim.WithInfo(sim.CallbackInfo{Owner: "cabin", Method: "scrub"}))

		err := simulation.RunTicks(ctx, 10)

		Expect(errors.Is(err, boom)).To(BeTrue())
		Expect(errors.Is(err, sim.ErrSchedulerFatal)).To(BeTrue())

		status := simulation.Status()
		Expect(status.Tick).To(Equal(int64(1)))
		Expect(status.Time).To(Equal(sim.VTimeInSec(1)))
		Expect(status.Halted).To(MatchError(boom))

		entry := logs.LastEntry()
		Expect(entry.Level).To(Equal(logrus.ErrorLevel))
		Expect(entry.Data).To(HaveKeyWithValue("site",
			"callback #0 (cabin.scrub)"))
		Expect(entry.Data).To(HaveKeyWithValue("tick", int64(1)))

		err = simulation.RunTicks(ctx, 1)
		Expect(errors.Is(err, sim.ErrTimerHalted)).To(BeTrue())
	})

	It("should wait while paused", func() {
		bindEvery(1)
		simulation.Pause()
		simulation.Pause()

		done := make(chan error)
		go func() {
			done <- simulation.RunTicks(ctx, 3)
		}()

		Eventually(func() bool { return simulation.Status().Running }).
			Should(BeTrue())
		Consistently(done).ShouldNot(Receive())
		Expect(simulation.Now().Tick).To(Equal(int64(-1)))
		Expect(simulation.RunTicks(ctx, 1)).To(MatchError(ErrRunning))

		simulation.Continue()
		simulation.Continue()

		Eventually(done).Should(Receive(BeNil()))
		Expect(simulation.Now().Tick).To(Equal(int64(2)))
		Expect(simulation.Paused()).To(BeFalse())
	})

	It("should give up waiting when the context is cancelled", func() {
		simulation.Pause()
		ctx, cancel := context.WithCancel(ctx)
		cancel()

		Expect(simulation.RunTicks(ctx, 1)).To(MatchError(context.Canceled))
	})

	It("should expose callbacks and post-tick levels", func() {
		bindEvery(1)
		_, _ = simulation.Timer().RegisterPostTick(
			sim.PostTickFunc(func() error { return nil }),
			sim.GroupThermal, "heatsources")

		Expect(simulation.Callbacks()).To(HaveLen(1))

		found := false
		for _, l := range simulation.PostTickLevels() {
			if l.Group == sim.GroupThermal && l.Level == "heatsources" {
				found = l.Slots == 1
			}
		}
		Expect(found).To(BeTrue())
	})

	It("should log ticks when asked", func() {
		logger.SetLevel(logrus.DebugLevel)
		s, err := MakeBuilder().WithLogger(logger).WithTickLog().Build()
		Expect(err).ToNot(HaveOccurred())

		Expect(s.RunTicks(ctx, 1)).To(Succeed())

		messages := []string{}
		for _, e := range logs.AllEntries() {
			messages = append(messages, e.Message)
		}
		Expect(messages).To(ContainElements("tick start", "tick end"))
	})

	Context("with recording", func() {
		var path string

		BeforeEach(func() {
			path = filepath.Join(GinkgoT().TempDir(), "run")
		})

		It("should record ticks and run info", func() {
			s, err := MakeBuilder().
				WithLogger(logger).
				WithRecorder(path).
				WithRecordPostTick().
				Build()
			Expect(err).ToNot(HaveOccurred())

			trigger, _ := s.Timer().RegisterPostTick(
				sim.PostTickFunc(func() error { return nil }),
				sim.GroupMatter, "solver")
			_, _ = s.Timer().Bind(sim.CallbackFunc(func(*sim.Timer) error {
				trigger.Arm()
				return nil
			}), sim.WithInterval(1))

			Expect(s.RunTicks(ctx, 3)).To(Succeed())
			Expect(s.Terminate()).To(Succeed())
			Expect(s.Terminate()).To(Succeed())

			reader, err := datarecording.NewReader(path + ".sqlite3")
			Expect(err).ToNot(HaveOccurred())
			defer reader.Close()

			reader.MapTable(tracing.TickTable, tracing.TickEntry{})
			ticks, total, err := reader.Query(ctx, tracing.TickTable,
				datarecording.QueryParams{OrderBy: "Tick"})
			Expect(err).ToNot(HaveOccurred())
			Expect(total).To(Equal(3))
			Expect(ticks[2].(*tracing.TickEntry).Time).To(Equal(2.0))

			reader.MapTable(tracing.ExecTable, tracing.ExecEntry{})
			_, total, err = reader.Query(ctx, tracing.ExecTable,
				datarecording.QueryParams{
					Where: "Kind = ?",
					Args:  []any{tracing.ExecKindPostTick},
				})
			Expect(err).ToNot(HaveOccurred())
			Expect(total).To(Equal(3))

			reader.MapTable(datarecording.RunInfoTable, datarecording.RunInfo{})
			infos, _, err := reader.Query(ctx, datarecording.RunInfoTable,
				datarecording.QueryParams{Where: "Property = 'Final Tick'"})
			Expect(err).ToNot(HaveOccurred())
			Expect(infos).To(HaveLen(1))
			Expect(infos[0].(*datarecording.RunInfo).Value).To(Equal("2"))
		})

		It("should refuse a recording path that another run just opened", func() {
			first, err := MakeBuilder().WithLogger(logger).WithRecorder(path).Build()
			Expect(err).ToNot(HaveOccurred())
			defer func() { Expect(first.Terminate()).To(Succeed()) }()

			_, err = MakeBuilder().WithLogger(logger).WithRecorder(path).Build()

			Expect(err).To(HaveOccurred())
		})

		It("should refuse to overwrite a recording", func() {
			Expect(os.WriteFile(path+".sqlite3", nil, 0o600)).To(Succeed())

			_, err := MakeBuilder().WithLogger(logger).WithRecorder(path).Build()

			Expect(err).To(HaveOccurred())
		})

		It("should not record post-tick actions without a recorder", func() {
			Expect(func() {
				_, _ = MakeBuilder().WithRecordPostTick().Build()
			}).To(Panic())
		})
	})

	It("should serve the monitor", func() {
		s, err := MakeBuilder().WithLogger(logger).WithMonitor(0).Build()
		Expect(err).ToNot(HaveOccurred())
		defer s.Terminate()

		Expect(s.RunTicks(ctx, 1)).To(Succeed())

		port := s.Monitor().Port()
		Expect(port).To(BeNumerically(">", 0))

		rsp, err := http.Get("http://localhost:" + strconv.Itoa(port) + "/api/now")
		Expect(err).ToNot(HaveOccurred())
		defer rsp.Body.Close()

		var now map[string]any
		Expect(json.NewDecoder(rsp.Body).Decode(&now)).To(Succeed())
		Expect(now["tick"]).To(Equal(0.0))
		Expect(now["paused"]).To(BeFalse())
	})
})
