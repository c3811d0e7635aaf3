package simulation

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/lifesim/sim"
)

var _ = Describe("Config", func() {
	write := func(content string) string {
		path := filepath.Join(GinkgoT().TempDir(), "config.yaml")
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())

		return path
	}

	It("should load on top of the defaults", func() {
		path := write(`
minimum_step: 1.0e-6
start_time: 10
until: 60
monitor: true
monitor_port: 32123
log_level: debug
`)

		c, err := LoadConfig(path)

		Expect(err).ToNot(HaveOccurred())
		Expect(c.MinimumStep).To(Equal(1e-6))
		Expect(*c.StartTime).To(Equal(10.0))
		Expect(c.Until).To(Equal(60.0))
		Expect(c.SettleLimit).To(Equal(sim.DefaultSettleLimit))
		Expect(c.Monitor).To(BeTrue())
		Expect(c.MonitorPort).To(Equal(32123))
		Expect(c.LogLevel).To(Equal("debug"))
	})

	It("should reject unknown keys", func() {
		_, err := LoadConfig(write("minimum_stepp: 1\n"))

		Expect(err).To(HaveOccurred())
	})

	It("should report a missing file", func() {
		_, err := LoadConfig(filepath.Join(GinkgoT().TempDir(), "nope.yaml"))

		Expect(err).To(MatchError(ContainSubstring("reading config")))
	})

	It("should validate the defaults", func() {
		Expect(DefaultConfig().Validate()).To(Succeed())
	})

	DescribeTable("invalid configurations",
		func(modify func(c *Config)) {
			c := DefaultConfig()
			modify(&c)

			Expect(c.Validate()).ToNot(Succeed())
		},
		Entry("zero minimum step", func(c *Config) { c.MinimumStep = 0 }),
		Entry("negative settle limit", func(c *Config) { c.SettleLimit = -1 }),
		Entry("negative ticks", func(c *Config) { c.Ticks = -3 }),
		Entry("port without monitor", func(c *Config) { c.MonitorPort = 3000 }),
		Entry("bad port", func(c *Config) {
			c.Monitor = true
			c.MonitorPort = 70000
		}),
		Entry("bad log level", func(c *Config) { c.LogLevel = "loud" }),
	)

	It("should configure the builder", func() {
		start := 5.0
		c := DefaultConfig()
		c.MinimumStep = 0.25
		c.StartTime = &start
		c.Precision = 6

		s, err := MakeBuilder().WithConfig(c).Build()
		Expect(err).ToNot(HaveOccurred())
		defer s.Terminate()

		Expect(s.Timer().MinimumStep()).To(Equal(sim.VTimeInSec(0.25)))
		Expect(s.Timer().CurrentTime()).To(Equal(sim.VTimeInSec(5)))
		Expect(s.Timer().Precision()).To(Equal(6))
	})
})
