// Package engine drives the ECU connection lifecycle: connect, one service
// sweep per connection, disconnect, wait for the next cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/resident-x/go-apsecu/internal/config"
	"github.com/resident-x/go-apsecu/internal/domain"
	"github.com/resident-x/go-apsecu/internal/metrics"
	"github.com/resident-x/go-apsecu/internal/sequencer"
	"github.com/resident-x/go-apsecu/internal/session"
	"github.com/resident-x/go-apsecu/internal/validation"
	"github.com/resident-x/go-apsecu/internal/watchdog"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrUnloaded is returned by control calls after Unload.
	ErrUnloaded = errors.New("engine unloaded")
	// ErrUnknownCommand is returned for external commands the engine does not know.
	ErrUnknownCommand = errors.New("unknown command")
)

// minPollInterval is the floor of the next-cycle delay.
var minPollInterval = config.MinPollInterval

// eventQueueSize bounds the dispatcher queue.
const eventQueueSize = 64

// Dialer opens the ECU connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configure an Engine. Only Sink is required.
type Options struct {
	PollInterval        time.Duration
	ResponseTimeout     time.Duration
	SocketTimeout       time.Duration
	MaxStepRetries      int
	MaxIdentityAttempts int
	Terminator          string
	Location            *time.Location
	MaskID              bool
	ValidationLevel     validation.ValidationLevel

	Dialer         Dialer
	ConnectLimiter *rate.Limiter
	Sink           domain.StateSink
	// Declarer defaults to Sink when it implements domain.StateDeclarer.
	Declarer   domain.StateDeclarer
	Monitoring domain.MonitoringService
	Validator  *validation.Validator
	Metrics    *metrics.EngineMetrics
	Registry   *domain.InverterRegistry
	Logger     zerolog.Logger
	Now        func() time.Time
}

// OptionsFromConfig derives the timing and protocol options from cfg.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	terminator, err := config.ParseTerminator(cfg.ECU.Terminator)
	if err != nil {
		return Options{}, err
	}
	level, err := validation.ParseLevel(cfg.ECU.ValidationLevel)
	if err != nil {
		return Options{}, err
	}

	opts := Options{
		PollInterval:        cfg.PollInterval(),
		ResponseTimeout:     cfg.ResponseTimeout(),
		SocketTimeout:       cfg.SocketTimeout(),
		MaxStepRetries:      cfg.ECU.MaxStepRetries,
		MaxIdentityAttempts: cfg.ECU.MaxIdentityAttempts,
		Terminator:          terminator,
		Location:            cfg.Location(),
		MaskID:              cfg.ECU.MaskEcuID,
		ValidationLevel:     level,
	}
	if cfg.ECU.ConnectRatePerMinute > 0 {
		burst := cfg.ECU.ConnectBurst
		if burst < 1 {
			burst = 1
		}
		opts.ConnectLimiter = rate.NewLimiter(rate.Limit(float64(cfg.ECU.ConnectRatePerMinute)/60), burst)
	}
	return opts, nil
}

// Status is a snapshot of the engine for the HTTP API.
type Status struct {
	State           State                 `json:"state"`
	Polling         bool                  `json:"polling"`
	Host            string                `json:"host"`
	Port            int                   `json:"port"`
	Connected       bool                  `json:"connected"`
	ECUID           string                `json:"ecu_id,omitempty"`
	Identity        *domain.EcuIdentity   `json:"identity,omitempty"`
	Triggers        sequencer.Triggers    `json:"triggers"`
	Cycles          int64                 `json:"cycles"`
	LastCycleAt     time.Time             `json:"last_cycle_at,omitempty"`
	LastCycleResult string                `json:"last_cycle_result,omitempty"`
	LastError       string                `json:"last_error,omitempty"`
	Session         *session.SessionStats `json:"session,omitempty"`
}

// Engine is the ECU protocol engine. All state transitions run on a single
// dispatcher goroutine fed by one event channel; the dial, reader, watchdog
// and cycle timer goroutines only post events.
type Engine struct {
	opts     Options
	logger   zerolog.Logger
	declarer domain.StateDeclarer
	metrics  *metrics.EngineMetrics
	registry *domain.InverterRegistry
	limiter  *rate.Limiter

	events   chan event
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	unloadMu sync.Mutex
	unloaded bool
	dialers  sync.WaitGroup

	// owned by the dispatcher
	state        State
	host         string
	port         int
	polling      bool
	generation   uint64
	cycleEpoch   uint64
	cycleTimer   *time.Timer
	sess         *session.Session
	wd           *watchdog.Watchdog
	seq          *sequencer.Sequencer
	current      sequencer.Request
	currentEpoch uint64
	retries      int
	declaredECU  string
	identity     *domain.EcuIdentity

	cycles          int64
	lastCycleAt     time.Time
	lastCycleResult string
	lastError       string

	statusMu sync.RWMutex
	status   Status
}

// New creates an engine and starts its dispatcher in WaitForInit. Nothing is
// dialed before Start.
func New(opts Options) *Engine {
	if opts.PollInterval < minPollInterval {
		opts.PollInterval = minPollInterval
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = watchdog.DefaultTimeout
	}
	if opts.MaxStepRetries < 0 {
		opts.MaxStepRetries = 0
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Validator == nil {
		opts.Validator = validation.NewValidator(opts.ValidationLevel, opts.Logger)
	}

	e := &Engine{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "engine").Logger(),
		declarer: opts.Declarer,
		metrics:  opts.Metrics,
		registry: opts.Registry,
		limiter:  opts.ConnectLimiter,
		events:   make(chan event, eventQueueSize),
		done:     make(chan struct{}),
		state:    StateWaitForInit,
	}
	if e.declarer == nil {
		if d, ok := opts.Sink.(domain.StateDeclarer); ok {
			e.declarer = d
		}
	}
	if e.metrics == nil {
		e.metrics = metrics.NewEngineMetrics(prometheus.NewRegistry())
	}
	if e.registry == nil {
		e.registry = domain.NewInverterRegistry()
	}
	if e.limiter == nil {
		e.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	e.seq = sequencer.New(sequencer.Options{
		Terminator:          opts.Terminator,
		MaxIdentityAttempts: opts.MaxIdentityAttempts,
		Location:            opts.Location,
		Now:                 opts.Now,
	})
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.status = Status{State: StateWaitForInit, Triggers: e.seq.Triggers()}

	go e.dispatch()
	return e
}

// Registry returns the inverter registry filled by the engine.
func (e *Engine) Registry() *domain.InverterRegistry {
	return e.registry
}

// Start sets the polling flag and connects to ip:port. While a cycle is
// running the flag change takes effect at its end.
func (e *Engine) Start(ip string, port int) error {
	return e.post(event{kind: evStart, host: ip, port: port})
}

// Stop clears the polling flag and tears down a running cycle. The engine
// keeps its timer and resumes on the next Start.
func (e *Engine) Stop() error {
	return e.post(event{kind: evStop})
}

// OnExternalCommand applies a named command and waits for its result.
func (e *Engine) OnExternalCommand(name, value string) error {
	reply := make(chan error, 1)
	if err := e.post(event{kind: evCommand, name: name, value: value, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrUnloaded
	}
}

// Unload stops the engine for good: all timers are cancelled and the
// connection is closed. It returns once the dispatcher has exited.
func (e *Engine) Unload() {
	e.unloadMu.Lock()
	if e.unloaded {
		e.unloadMu.Unlock()
		<-e.done
		return
	}
	e.unloaded = true
	e.unloadMu.Unlock()

	e.cancel()
	e.events <- event{kind: evUnload}
	<-e.done

	// a dial finishing during unload may have queued its connection
	e.dialers.Wait()
	e.drainEvents()
}

// Done is closed when the dispatcher has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()

	st := e.status
	if st.Identity != nil {
		identity := *st.Identity
		st.Identity = &identity
	}
	if st.Session != nil {
		stats := *st.Session
		st.Session = &stats
	}
	return st
}

func (e *Engine) post(ev event) error {
	e.unloadMu.Lock()
	unloaded := e.unloaded
	e.unloadMu.Unlock()
	if unloaded {
		return ErrUnloaded
	}

	select {
	case e.events <- ev:
		return nil
	case <-e.done:
		return ErrUnloaded
	}
}

// postAsync is used by timer and I/O goroutines. It never blocks past unload.
func (e *Engine) postAsync(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *Engine) dispatch() {
	defer close(e.done)
	for ev := range e.events {
		if ev.connectionEvent() && ev.generation != e.generation {
			e.dropStale(ev)
			continue
		}
		if e.handle(ev) {
			return
		}
	}
}

func (e *Engine) dropStale(ev event) {
	if ev.conn != nil {
		ev.conn.Close()
	}
	e.logger.Debug().
		Str("event", ev.kind.String()).
		Uint64("generation", ev.generation).
		Uint64("current", e.generation).
		Msg("Dropping stale event")
}

// handle runs one transition. It reports true once the engine is unloaded.
func (e *Engine) handle(ev event) bool {
	switch ev.kind {
	case evUnload:
		e.unload()
		return true

	case evStart:
		e.host, e.port = ev.host, ev.port
		e.polling = true
		e.logger.Info().Str("host", e.host).Int("port", e.port).Msg("Polling started")
		if e.state == StateWaitForInit || e.state == StateWaitForNextCycle {
			e.connect()
		}

	case evStop:
		e.polling = false
		e.logger.Info().Msg("Polling stopped")
		switch e.state {
		case StateWaitForConnect, StateWaitForResponse:
			e.teardown("stopped", nil)
		}

	case evCommand:
		err := e.applyCommand(ev.name, ev.value)
		e.publishStatus()
		ev.reply <- err

	case evConnected:
		if e.state != StateWaitForConnect {
			ev.conn.Close()
			break
		}
		e.onConnected(ev.conn)

	case evConnectFailed:
		if e.state != StateWaitForConnect {
			break
		}
		e.metrics.ConnectsTotal.WithLabelValues("error").Inc()
		e.teardown("aborted", fmt.Errorf("connect to %s: %w", e.address(), ev.err))

	case evFrame:
		if e.state != StateWaitForResponse {
			e.logger.Debug().Int("bytes", len(ev.frame)).Msg("Unsolicited frame dropped")
			break
		}
		e.onFrame(ev.frame)

	case evResponseTimeout:
		if e.state != StateWaitForResponse || ev.epoch != e.currentEpoch {
			break
		}
		e.onResponseTimeout()

	case evSocketClosed:
		if e.state != StateWaitForConnect && e.state != StateWaitForResponse {
			break
		}
		e.onSocketClosed(ev.err)

	case evCycleTimer:
		if e.state != StateWaitForNextCycle || ev.epoch != e.cycleEpoch {
			break
		}
		if e.polling && e.host != "" {
			e.connect()
		} else {
			e.logger.Debug().Msg("Polling is off, skipping cycle")
			e.scheduleNextCycle()
		}
	}

	e.publishStatus()
	return false
}

func (e *Engine) address() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

func (e *Engine) setState(s State) {
	if e.state != s {
		e.logger.Debug().Str("from", e.state.String()).Str("to", s.String()).Msg("State transition")
	}
	e.state = s
}

// connect enters WaitForConnect and dials asynchronously.
func (e *Engine) connect() {
	e.stopCycleTimer()
	e.setState(StateWaitForConnect)

	if !e.limiter.Allow() {
		e.metrics.ConnectsTotal.WithLabelValues("throttled").Inc()
		e.logger.Warn().Msg("Connect throttled, waiting for next cycle")
		e.scheduleNextCycle()
		return
	}

	e.generation++
	gen := e.generation
	addr := e.address()
	timeout := e.opts.SocketTimeout
	e.logger.Debug().Str("address", addr).Uint64("generation", gen).Msg("Connecting to ECU")

	e.dialers.Add(1)
	go func() {
		defer e.dialers.Done()
		ctx := e.ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		conn, err := e.opts.Dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			e.postAsync(event{kind: evConnectFailed, generation: gen, err: err})
			return
		}
		if e.ctx.Err() != nil {
			conn.Close()
			return
		}
		e.postAsync(event{kind: evConnected, generation: gen, conn: conn})
	}()
}

func (e *Engine) onConnected(conn net.Conn) {
	gen := e.generation
	e.sess = session.NewSession(conn, gen)
	e.metrics.ConnectsTotal.WithLabelValues("ok").Inc()
	e.setValue("info.connection", true)
	e.logger.Info().Str("address", e.sess.RemoteAddr).Str("session_id", e.sess.ID).Msg("Connected to ECU")

	e.wd = watchdog.New(e.opts.ResponseTimeout, func(epoch uint64) {
		e.postAsync(event{kind: evResponseTimeout, generation: gen, epoch: epoch})
	})
	e.seq.Begin()

	sess, wd, idle := e.sess, e.wd, e.opts.SocketTimeout
	go func() {
		err := sess.ReadFrames(idle, 0,
			func() {
				// any byte ends the wait, even one that belongs to a bad frame
				wd.Disarm()
			},
			func(frame []byte) {
				e.metrics.BytesReceived.Add(float64(len(frame)))
				e.postAsync(event{kind: evFrame, generation: gen, frame: frame})
			})
		e.postAsync(event{kind: evSocketClosed, generation: gen, err: err})
	}()

	e.setState(StateWaitForResponse)
	e.sendNext()
}

// sendNext asks the sequencer for the next step and sends it, or ends the cycle.
func (e *Engine) sendNext() {
	req, ok, err := e.seq.Next()
	if err != nil {
		e.teardown("aborted", err)
		return
	}
	if !ok {
		e.teardown("complete", nil)
		return
	}
	e.retries = 0
	e.send(req)
}

func (e *Engine) send(req sequencer.Request) {
	epoch, armed := e.wd.Arm()
	if !armed {
		// a request is still outstanding; the protocol allows only one
		e.teardown("aborted", fmt.Errorf("watchdog busy, %s not sent", req.Service))
		return
	}
	e.current = req
	e.currentEpoch = epoch

	e.metrics.RequestsTotal.WithLabelValues(req.Service.String()).Inc()
	e.logger.Debug().
		Str("service", req.Service.String()).
		Str("frame", e.displayFrame(req.Frame)).
		Msg("Sending request")

	if err := e.sess.Write(req.Frame); err != nil {
		e.teardown("aborted", err)
		return
	}
	e.setState(StateWaitForResponse)
}

func (e *Engine) onResponseTimeout() {
	service := e.current.Service.String()
	e.metrics.TimeoutsTotal.WithLabelValues(service).Inc()

	if e.retries < e.opts.MaxStepRetries {
		e.retries++
		e.logger.Warn().
			Str("service", service).
			Int("retry", e.retries).
			Msg("Response timeout, retrying")
		req, _ := e.seq.Retry()
		e.send(req)
		return
	}
	e.teardown("aborted", fmt.Errorf("no response to %s after %d retries", service, e.retries))
}

func (e *Engine) onSocketClosed(err error) {
	var netErr net.Error
	switch {
	case err == nil || errors.Is(err, io.EOF):
		err = errors.New("connection closed by ECU")
	case errors.As(err, &netErr) && netErr.Timeout():
		err = fmt.Errorf("socket timeout: %w", err)
	default:
		err = fmt.Errorf("socket error: %w", err)
	}
	e.teardown("aborted", err)
}

// teardown enters WaitForDisconnected, releases the connection and moves on
// to WaitForNextCycle. Late events of the connection become stale.
func (e *Engine) teardown(result string, cause error) {
	e.setState(StateWaitForDisconnected)
	e.generation++

	if e.wd != nil {
		e.wd.Stop()
		e.wd = nil
	}
	wasConnected := e.sess != nil
	if e.sess != nil {
		stats := e.sess.GetStats()
		if err := e.sess.Close(); err != nil {
			e.logger.Debug().Err(err).Msg("Closing ECU connection")
		}
		e.logger.Debug().
			Int64("bytes_received", stats.BytesReceived).
			Int64("frames_received", stats.FramesReceived).
			Dur("duration", stats.Duration).
			Msg("Session closed")
		e.sess = nil
	}
	if wasConnected {
		e.setValue("info.connection", false)
	}

	e.metrics.CyclesTotal.WithLabelValues(result).Inc()
	e.cycles++
	e.lastCycleAt = e.opts.Now()
	e.lastCycleResult = result
	if cause != nil {
		e.lastError = cause.Error()
	}

	if cause != nil {
		e.logger.Error().Err(cause).Str("result", result).Msg("Cycle ended")
	} else {
		e.logger.Info().Str("result", result).Msg("Cycle ended")
	}

	e.scheduleNextCycle()
}

// scheduleNextCycle enters WaitForNextCycle and arms the cycle timer.
func (e *Engine) scheduleNextCycle() {
	e.setState(StateWaitForNextCycle)
	e.stopCycleTimer()

	e.cycleEpoch++
	epoch := e.cycleEpoch
	e.cycleTimer = time.AfterFunc(e.opts.PollInterval, func() {
		e.postAsync(event{kind: evCycleTimer, epoch: epoch})
	})
}

func (e *Engine) stopCycleTimer() {
	if e.cycleTimer != nil {
		e.cycleTimer.Stop()
		e.cycleTimer = nil
	}
}

func (e *Engine) unload() {
	e.stopCycleTimer()
	e.cycleEpoch++
	e.generation++
	if e.wd != nil {
		e.wd.Stop()
		e.wd = nil
	}
	if e.sess != nil {
		e.sess.Close()
		e.sess = nil
		e.setValue("info.connection", false)
	}
	e.polling = false
	e.setState(StateUnload)
	e.publishStatus()

	e.drainEvents()
	e.logger.Info().Msg("Engine unloaded")
}

// drainEvents closes connections and answers callers still queued.
func (e *Engine) drainEvents() {
	for {
		select {
		case ev := <-e.events:
			if ev.conn != nil {
				ev.conn.Close()
			}
			if ev.reply != nil {
				ev.reply <- ErrUnloaded
			}
		default:
			return
		}
	}
}

func (e *Engine) publishStatus() {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	e.status.State = e.state
	e.status.Polling = e.polling
	e.status.Host = e.host
	e.status.Port = e.port
	e.status.Connected = e.sess != nil
	e.status.Triggers = e.seq.Triggers()
	e.status.Cycles = e.cycles
	e.status.LastCycleAt = e.lastCycleAt
	e.status.LastCycleResult = e.lastCycleResult
	e.status.LastError = e.lastError
	if e.identity != nil {
		identity := *e.identity
		e.status.Identity = &identity
		e.status.ECUID = e.displayID(identity.ID)
		e.status.Identity.ID = e.status.ECUID
	}
	if e.sess != nil {
		stats := e.sess.GetStats()
		e.status.Session = &stats
	} else {
		e.status.Session = nil
	}
}

func (e *Engine) displayID(id string) string {
	if e.opts.MaskID {
		return domain.MaskID(id)
	}
	return id
}

func (e *Engine) displayFrame(frame []byte) string {
	text := string(frame)
	if e.opts.MaskID {
		if id := e.seq.Identity(); id != "" {
			text = strings.ReplaceAll(text, id, domain.MaskID(id))
		}
	}
	return text
}
