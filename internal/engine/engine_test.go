package engine

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/resident-x/go-apsecu/internal/domain"
	"github.com/resident-x/go-apsecu/internal/ecusim"
	"github.com/resident-x/go-apsecu/internal/metrics"
	"github.com/resident-x/go-apsecu/internal/protocol"
	"github.com/resident-x/go-apsecu/internal/pubsub"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	testPollInterval = 50 * time.Millisecond
	waitFor          = 3 * time.Second
	tick             = 5 * time.Millisecond
)

func TestMain(m *testing.M) {
	minPollInterval = 10 * time.Millisecond
	os.Exit(m.Run())
}

var fullSweep = []domain.Service{
	domain.ServiceSystemInfo,
	domain.ServiceRealTimeData,
	domain.ServiceInverterSignalLevel,
	domain.ServicePowerOfDay,
	domain.ServiceEnergyOfWeek,
	domain.ServiceEnergyOfMonth,
	domain.ServiceEnergyOfYear,
}

type harness struct {
	sim     *ecusim.Simulator
	sink    *pubsub.MemorySink
	metrics *metrics.EngineMetrics
	engine  *Engine
	host    string
	port    int
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()

	sim := ecusim.New(zerolog.Nop())
	require.NoError(t, sim.Listen("127.0.0.1:0"))
	t.Cleanup(func() { sim.Close() })
	host, port := sim.HostPort()

	h := &harness{
		sim:     sim,
		sink:    pubsub.NewMemorySink(),
		metrics: metrics.NewEngineMetrics(prometheus.NewRegistry()),
		host:    host,
		port:    port,
	}
	opts := Options{
		PollInterval:        testPollInterval,
		ResponseTimeout:     500 * time.Millisecond,
		SocketTimeout:       2 * time.Second,
		MaxStepRetries:      1,
		MaxIdentityAttempts: 3,
		Terminator:          "\n",
		Sink:                h.sink,
		Metrics:             h.metrics,
		Logger:              zerolog.Nop(),
	}
	if configure != nil {
		configure(&opts)
	}
	h.engine = New(opts)
	t.Cleanup(h.engine.Unload)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Start(h.host, h.port))
}

func (h *harness) waitCycles(t *testing.T, n int64) Status {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.engine.Status().Cycles >= n
	}, waitFor, tick)
	return h.engine.Status()
}

func TestFullSweep(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PollInterval = time.Hour })
	h.start(t)

	st := h.waitCycles(t, 1)
	assert.Equal(t, "complete", st.LastCycleResult)
	require.GreaterOrEqual(t, len(h.sim.Services()), len(fullSweep))
	assert.Equal(t, fullSweep, h.sim.Services()[:len(fullSweep)])

	values := h.sink.Values()
	assert.Equal(t, "216000123412", values["ecu.id"])
	assert.Equal(t, "ECU_R_1.2.17", values["ecu.version"])
	assert.Equal(t, "Europe/Berlin", values["ecu.timeZone"])
	assert.Equal(t, 742, values["ecu.last_system_power"])
	assert.Equal(t, 4, values["ecu.inverters"])

	qs1 := "inverters.qs1_801000012345"
	assert.Equal(t, true, values[qs1+".online"])
	assert.Equal(t, 410, values[qs1+".dc_power"])
	assert.Equal(t, 104, values[qs1+".dc_power4"])
	assert.Equal(t, 231, values[qs1+".ac_voltage"])
	assert.Equal(t, 200, values[qs1+".signal_level"])
	assert.Equal(t, -56, values[qs1+".rssi"])

	yc1000 := "inverters.yc1000_408000011111"
	assert.Equal(t, 232, values[yc1000+".ac_voltage3"])
	assert.Equal(t, 40, values[yc1000+".temperature"])
	assert.Equal(t, false, values["inverters.ds3_703000022222.online"])
	assert.Equal(t, 50.1, values[yc1000+".frequency"])

	week, ok := values["ecu.energy_of_week_list"].(json.RawMessage)
	require.True(t, ok)
	var decoded map[string]float64
	require.NoError(t, json.Unmarshal(week, &decoded))
	assert.Len(t, decoded, 2)

	assert.Contains(t, values, "ecu.power_of_day_list")
	assert.Contains(t, values, "ecu.energy_of_month_list")
	assert.Contains(t, values, "ecu.energy_of_year_list")
	assert.Equal(t, false, values["info.connection"])

	assert.Equal(t, 4, h.engine.Registry().Len())
	ecus, inverters := h.sink.Declared()
	assert.Equal(t, []string{"216000123412"}, ecus)
	assert.Len(t, inverters, 4)

	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.InvertersOnline))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ResponsesTotal.WithLabelValues("EnergyOfYear", "ok")))
}

func TestSecondCycleSkipsCompletedHistograms(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	st := h.waitCycles(t, 2)
	assert.False(t, st.Triggers.PowerOfDay)
	assert.False(t, st.Triggers.EnergyOfYear)

	services := h.sim.Services()
	require.GreaterOrEqual(t, len(services), len(fullSweep)+3)
	assert.Equal(t, []domain.Service{
		domain.ServiceSystemInfo, domain.ServiceRealTimeData, domain.ServiceInverterSignalLevel,
	}, services[len(fullSweep):len(fullSweep)+3])
	assert.GreaterOrEqual(t, h.sim.Connections(), 2)
}

func TestRealTimeRequestsCarryEcuID(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitCycles(t, 1)

	for _, req := range h.sim.Requests() {
		if req.Command == protocol.CommandSystemInfo {
			assert.Empty(t, req.DeviceID)
			continue
		}
		assert.Equal(t, "216000123412", req.DeviceID)
	}
}

func TestTimeoutRetryThenAbort(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.ResponseTimeout = 30 * time.Millisecond
		o.PollInterval = time.Hour
	})
	h.sim.SetSilent(protocol.CommandRealTimeData, true)
	h.start(t)

	st := h.waitCycles(t, 1)
	assert.Equal(t, "aborted", st.LastCycleResult)
	assert.Contains(t, st.LastError, "no response to RealTimeData")
	assert.Equal(t, StateWaitForNextCycle, st.State)
	assert.False(t, st.Connected)

	assert.Equal(t, []domain.Service{
		domain.ServiceSystemInfo, domain.ServiceRealTimeData, domain.ServiceRealTimeData,
	}, h.sim.Services())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.TimeoutsTotal.WithLabelValues("RealTimeData")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CyclesTotal.WithLabelValues("aborted")))
}

func TestNoRetryWhenDisabled(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.ResponseTimeout = 30 * time.Millisecond
		o.MaxStepRetries = 0
		o.PollInterval = time.Hour
	})
	h.sim.SetSilent(protocol.CommandSystemInfo, true)
	h.start(t)

	h.waitCycles(t, 1)
	assert.Equal(t, []domain.Service{domain.ServiceSystemInfo}, h.sim.Services())
}

func TestInvalidHeaderTearsDown(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PollInterval = time.Hour })
	h.sim.SetCorrupt(protocol.CommandRealTimeData, true)
	h.start(t)

	st := h.waitCycles(t, 1)
	assert.Equal(t, "aborted", st.LastCycleResult)
	assert.Contains(t, st.LastError, "invalid response to RealTimeData")
	assert.Equal(t, []domain.Service{domain.ServiceSystemInfo, domain.ServiceRealTimeData}, h.sim.Services())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ResponsesTotal.WithLabelValues("RealTimeData", "invalid")))

	_, known := h.sink.GetValue("inverters.qs1_801000012345.online")
	assert.False(t, known)
}

func TestStatusNotOkLeavesPriorState(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PollInterval = time.Hour })
	h.sim.SetStatus(protocol.CommandPowerOfDay, "01")
	h.start(t)

	st := h.waitCycles(t, 1)
	assert.Equal(t, "complete", st.LastCycleResult)
	assert.True(t, st.Triggers.PowerOfDay, "failed histogram stays armed")
	assert.False(t, st.Triggers.EnergyOfWeek)

	_, set := h.sink.GetValue("ecu.power_of_day_list")
	assert.False(t, set)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ResponsesTotal.WithLabelValues("PowerOfDay", "status")))
}

func TestIdentityUnresolvedAbortsCycle(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PollInterval = time.Hour })
	h.sim.ECU.ID = "ECU-NOT-NUMB"
	h.start(t)

	st := h.waitCycles(t, 1)
	assert.Equal(t, "aborted", st.LastCycleResult)
	assert.Contains(t, st.LastError, "ecu id not resolved")
	assert.Equal(t, []domain.Service{
		domain.ServiceSystemInfo, domain.ServiceSystemInfo, domain.ServiceSystemInfo,
	}, h.sim.Services())
}

func TestStopSuppressesConnects(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.waitCycles(t, 1)

	require.NoError(t, h.engine.Stop())
	require.Eventually(t, func() bool {
		st := h.engine.Status()
		return !st.Polling && st.State == StateWaitForNextCycle
	}, waitFor, tick)

	connections := h.sim.Connections()
	time.Sleep(5 * testPollInterval)
	assert.Equal(t, connections, h.sim.Connections(), "no connect while polling is off")
	assert.Equal(t, StateWaitForNextCycle, h.engine.Status().State)

	require.NoError(t, h.engine.OnExternalCommand(CommandPolling, "on"))
	require.Eventually(t, func() bool {
		return h.sim.Connections() > connections
	}, waitFor, tick)
}

func TestPollingCommandNeedsAddress(t *testing.T) {
	h := newHarness(t, nil)

	err := h.engine.OnExternalCommand(CommandPolling, "true")
	assert.Error(t, err)

	err = h.engine.OnExternalCommand(CommandPolling, "maybe")
	assert.Error(t, err)
	assert.Equal(t, StateWaitForInit, h.engine.Status().State)
}

func TestPowerOfDayDateCommand(t *testing.T) {
	h := newHarness(t, nil)

	assert.Error(t, h.engine.OnExternalCommand(CommandPowerOfDayDate, "2021-01-01"))
	require.NoError(t, h.engine.OnExternalCommand(CommandPowerOfDayDate, "20210101"))

	h.start(t)
	h.waitCycles(t, 1)

	var dates []string
	for _, req := range h.sim.Requests() {
		if req.Command == protocol.CommandPowerOfDay {
			dates = append(dates, req.Payload)
		}
	}
	require.NotEmpty(t, dates)
	assert.Equal(t, "20210101", dates[0])
}

func TestRefreshCommandsArmTriggers(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PollInterval = time.Hour })
	h.start(t)
	st := h.waitCycles(t, 1)
	assert.False(t, st.Triggers.EnergyOfMonth)

	require.NoError(t, h.engine.OnExternalCommand(CommandRefreshEnergyMonth, ""))
	st = h.engine.Status()
	assert.True(t, st.Triggers.EnergyOfMonth)
	assert.False(t, st.Triggers.EnergyOfWeek)

	require.NoError(t, h.engine.OnExternalCommand(CommandRefreshAll, ""))
	assert.Equal(t, true, h.engine.Status().Triggers.EnergyOfYear)

	assert.ErrorIs(t, h.engine.OnExternalCommand("reboot", ""), ErrUnknownCommand)
	assert.Contains(t, Commands(), CommandRefreshAll)
}

func TestConnectFailureAbortsCycle(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().(*net.TCPAddr)
	listener.Close()

	h := newHarness(t, func(o *Options) { o.PollInterval = time.Hour })
	require.NoError(t, h.engine.Start("127.0.0.1", addr.Port))

	st := h.waitCycles(t, 1)
	assert.Equal(t, "aborted", st.LastCycleResult)
	assert.Contains(t, st.LastError, "connect to")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ConnectsTotal.WithLabelValues("error")))
	_, set := h.sink.GetValue("info.connection")
	assert.False(t, set, "never connected")
}

func TestConnectThrottle(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.ConnectLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	})
	h.start(t)
	h.waitCycles(t, 1)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.ConnectsTotal.WithLabelValues("throttled")) >= 2
	}, waitFor, tick)
	assert.Equal(t, 1, h.sim.Connections())
}

func TestUnloadBeforeStart(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.Unload()

	select {
	case <-h.engine.Done():
	default:
		t.Fatal("dispatcher still running")
	}
	assert.Equal(t, StateUnload, h.engine.Status().State)
	assert.ErrorIs(t, h.engine.Start(h.host, h.port), ErrUnloaded)
	assert.ErrorIs(t, h.engine.Stop(), ErrUnloaded)
	assert.ErrorIs(t, h.engine.OnExternalCommand(CommandRefreshAll, ""), ErrUnloaded)

	h.engine.Unload()
}

func TestUnloadWhileWaitingForResponse(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ResponseTimeout = time.Hour })
	h.sim.SetSilent(protocol.CommandSystemInfo, true)
	h.start(t)

	require.Eventually(t, func() bool {
		return h.engine.Status().State == StateWaitForResponse && len(h.sim.Requests()) == 1
	}, waitFor, tick)
	assert.True(t, h.engine.Status().Connected)

	h.engine.Unload()
	st := h.engine.Status()
	assert.Equal(t, StateUnload, st.State)
	assert.False(t, st.Connected)
	assert.Equal(t, false, h.sink.Values()["info.connection"])

	time.Sleep(3 * testPollInterval)
	assert.Equal(t, 1, h.sim.Connections(), "no reconnect after unload")
}

// gatedDialer holds every dial until release is closed, ignoring ctx.
type gatedDialer struct {
	once    sync.Once
	called  chan struct{}
	release chan struct{}
	remote  net.Conn
}

func (d *gatedDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	d.once.Do(func() { close(d.called) })
	<-d.release
	local, remote := net.Pipe()
	d.remote = remote
	return local, nil
}

func TestUnloadClosesConnectionOfLateDial(t *testing.T) {
	dialer := &gatedDialer{called: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, func(o *Options) { o.Dialer = dialer })
	h.start(t)

	select {
	case <-dialer.called:
	case <-time.After(waitFor):
		t.Fatal("engine did not dial")
	}

	unloaded := make(chan struct{})
	go func() {
		h.engine.Unload()
		close(unloaded)
	}()
	select {
	case <-h.engine.Done():
	case <-time.After(waitFor):
		t.Fatal("dispatcher still running")
	}

	close(dialer.release)
	select {
	case <-unloaded:
	case <-time.After(waitFor):
		t.Fatal("unload did not return")
	}

	_, err := dialer.remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "connection dialed during unload is closed")
	assert.False(t, h.engine.Status().Connected)
}

func TestUnloadWhileWaitingForNextCycle(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PollInterval = 100 * time.Millisecond })
	h.start(t)
	h.waitCycles(t, 1)

	h.engine.Unload()
	connections := h.sim.Connections()
	time.Sleep(3 * 100 * time.Millisecond)
	assert.Equal(t, connections, h.sim.Connections())
}

func TestMaskedEcuID(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.MaskID = true
		o.PollInterval = time.Hour
	})
	h.start(t)
	st := h.waitCycles(t, 1)

	assert.Equal(t, "2160******12", st.ECUID)
	assert.Equal(t, "2160******12", h.sink.Values()["ecu.id"])
	// the wire still carries the real id
	assert.Equal(t, "216000123412", h.sim.Requests()[1].DeviceID)
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "WaitForInit", StateWaitForInit.String())
	assert.Equal(t, "WaitForNextCycle", StateWaitForNextCycle.String())
	assert.Equal(t, "Unload", StateUnload.String())
	assert.Equal(t, "unknown", State(42).String())

	text, err := StateWaitForResponse.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "WaitForResponse", string(text))
}
