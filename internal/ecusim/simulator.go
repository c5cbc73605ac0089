// Package ecusim provides an in-process ECU that answers the polling services
// with synthetic frames.
package ecusim

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/resident-x/go-apsecu/internal/domain"
	"github.com/resident-x/go-apsecu/internal/protocol"
	"github.com/rs/zerolog"
)

// ErrBadRequest is returned for request frames the simulator cannot parse.
var ErrBadRequest = errors.New("bad request frame")

// Request is one request received by the simulator.
type Request struct {
	Group    string
	Command  string
	DeviceID string
	Payload  string
}

// Service maps the request to the service it asks for.
func (r Request) Service() domain.Service {
	switch r.Command {
	case protocol.CommandSystemInfo:
		return domain.ServiceSystemInfo
	case protocol.CommandRealTimeData:
		return domain.ServiceRealTimeData
	case protocol.CommandPowerOfDay:
		return domain.ServicePowerOfDay
	case protocol.CommandInverterSignalLevel:
		return domain.ServiceInverterSignalLevel
	case protocol.CommandEnergyOfWMY:
		switch r.Payload {
		case protocol.PeriodMonth:
			return domain.ServiceEnergyOfMonth
		case protocol.PeriodYear:
			return domain.ServiceEnergyOfYear
		}
		return domain.ServiceEnergyOfWeek
	}
	return domain.Service(-1)
}

// Simulator is a fake ECU. Zero or more connections are served concurrently;
// requests on one connection are answered in order.
type Simulator struct {
	ECU        domain.EcuIdentity
	Inverters  []Inverter
	Terminator string
	Clock      func() time.Time

	mutex       sync.Mutex
	silent      map[string]bool
	corrupt     map[string]bool
	status      map[string]string
	requests    []Request
	connections int
	conns       map[net.Conn]struct{}
	listener    net.Listener
	wg          sync.WaitGroup
	logger      zerolog.Logger
}

// New creates a simulator with one inverter of every variant.
func New(logger zerolog.Logger) *Simulator {
	return &Simulator{
		ECU: domain.EcuIdentity{
			ID:               "216000123412",
			Model:            "01",
			LifetimeEnergy:   1234.5,
			LastSystemPower:  742,
			CurrentDayEnergy: 3.21,
			Inverters:        4,
			InvertersOnline:  3,
			Channel:          "16",
			Version:          "ECU_R_1.2.17",
			TimeZone:         "Europe/Berlin",
		},
		Inverters: []Inverter{
			{ID: "801000012345", Online: true, TypeCode: "03", Frequency: 50.0, Temperature: 35,
				DCPower: []int{101, 102, 103, 104}, ACVoltage: []int{231}, Signal: 200},
			{ID: "501000054321", Online: true, TypeCode: "01", Frequency: 49.9, Temperature: 31,
				DCPower: []int{150, 151}, ACVoltage: []int{229, 229}, Signal: 180},
			{ID: "408000011111", Online: true, TypeCode: "02", Frequency: 50.1, Temperature: 40,
				DCPower: []int{200, 201, 202, 203}, ACVoltage: []int{230, 231, 232}, Signal: 170},
			{ID: "703000022222", Online: false, TypeCode: "01", Frequency: 0, Temperature: -100,
				DCPower: []int{0, 0}, ACVoltage: []int{0, 0}, Signal: 0},
		},
		Terminator: "\n",
		Clock:      time.Now,
		silent:     make(map[string]bool),
		corrupt:    make(map[string]bool),
		status:     make(map[string]string),
		conns:      make(map[net.Conn]struct{}),
		logger:     logger.With().Str("component", "ecu-sim").Logger(),
	}
}

// SetSilent makes the simulator ignore requests for a command.
func (s *Simulator) SetSilent(command string, silent bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.silent[command] = silent
}

// SetCorrupt makes the simulator answer a command with a frame of bad signature.
func (s *Simulator) SetCorrupt(command string, corrupt bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.corrupt[command] = corrupt
}

// SetStatus overrides the status code of the histogram and real time answers.
func (s *Simulator) SetStatus(command, status string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.status[command] = status
}

// Requests returns the requests received so far.
func (s *Simulator) Requests() []Request {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]Request(nil), s.requests...)
}

// Services returns the services requested so far.
func (s *Simulator) Services() []domain.Service {
	reqs := s.Requests()
	out := make([]domain.Service, len(reqs))
	for i, r := range reqs {
		out[i] = r.Service()
	}
	return out
}

// Connections returns the number of accepted connections.
func (s *Simulator) Connections() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.connections
}

// Listen starts accepting connections on addr.
func (s *Simulator) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start simulator on %s: %w", addr, err)
	}
	s.mutex.Lock()
	s.listener = listener
	s.mutex.Unlock()

	s.logger.Info().Str("address", listener.Addr().String()).Msg("ECU simulator listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				_ = s.Serve(conn)
			}()
		}
	}()
	return nil
}

// HostPort returns the listening host and port.
func (s *Simulator) HostPort() (string, int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener == nil {
		return "", 0
	}
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// Close stops the listener and all open connections.
func (s *Simulator) Close() error {
	s.mutex.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mutex.Unlock()

	s.wg.Wait()
	return err
}

// Serve answers requests on conn until it is closed.
func (s *Simulator) Serve(conn net.Conn) error {
	s.mutex.Lock()
	s.connections++
	s.conns[conn] = struct{}{}
	s.mutex.Unlock()

	defer func() {
		s.mutex.Lock()
		delete(s.conns, conn)
		s.mutex.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		req, err := ReadRequest(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("Dropping connection")
			return err
		}

		s.mutex.Lock()
		s.requests = append(s.requests, req)
		silent := s.silent[req.Command]
		corrupt := s.corrupt[req.Command]
		s.mutex.Unlock()

		s.logger.Debug().
			Str("command", req.Command).
			Str("payload", req.Payload).
			Msg("Request received")

		if silent {
			continue
		}
		frame := s.Respond(req)
		if corrupt {
			frame[0] = 'X'
		}
		if _, err := conn.Write(frame); err != nil {
			return err
		}
	}
}

// Respond builds the answer to a request.
func (s *Simulator) Respond(req Request) []byte {
	now := s.Clock()

	var payload []byte
	switch req.Command {
	case protocol.CommandSystemInfo:
		payload = SystemInfoPayload(&s.ECU, now, true)
	case protocol.CommandRealTimeData:
		payload = RealTimeDataPayload(s.ECU.Model, now, s.Inverters)
	case protocol.CommandPowerOfDay:
		payload = PowerOfDayPayload([]domain.HistogramPoint{
			{Label: "08:00", Value: 120},
			{Label: "12:00", Value: 742},
			{Label: "16:00", Value: 310},
		})
	case protocol.CommandEnergyOfWMY:
		payload = EnergyOfWMYPayload(req.Payload, s.energyPoints(req.Payload, now))
	case protocol.CommandInverterSignalLevel:
		payload = SignalLevelPayload(s.Inverters)
	default:
		payload = []byte("01")
	}

	s.mutex.Lock()
	status, override := s.status[req.Command]
	s.mutex.Unlock()
	if override && len(payload) >= 2 && req.Command != protocol.CommandSystemInfo {
		copy(payload, status)
	}

	return protocol.EncodeResponse(req.Command, protocol.GroupDefault, payload, s.Terminator)
}

func (s *Simulator) energyPoints(period string, now time.Time) []domain.HistogramPoint {
	var points []domain.HistogramPoint
	switch period {
	case protocol.PeriodMonth:
		for d := 2; d >= 0; d-- {
			day := now.AddDate(0, 0, -d)
			points = append(points, domain.HistogramPoint{Label: day.Format("2006.01.02"), Value: 4.5 + float64(d)})
		}
	case protocol.PeriodYear:
		for m := 2; m >= 0; m-- {
			month := now.AddDate(0, -m, 0)
			points = append(points, domain.HistogramPoint{Label: month.Format("2006.01") + ".01", Value: 120.25})
		}
	default:
		for d := 1; d >= 0; d-- {
			day := now.AddDate(0, 0, -d)
			points = append(points, domain.HistogramPoint{Label: day.Format("2006.01.02"), Value: 5})
		}
	}
	return points
}

// ReadRequest reads one request frame. Line terminators between frames are
// skipped; the frame length comes from the header.
func ReadRequest(r *bufio.Reader) (Request, error) {
	for {
		b, err := r.Peek(1)
		if err != nil {
			return Request{}, err
		}
		if b[0] != '\r' && b[0] != '\n' {
			break
		}
		if _, err := r.Discard(1); err != nil {
			return Request{}, err
		}
	}

	head := make([]byte, protocol.HeaderLength)
	if _, err := io.ReadFull(r, head); err != nil {
		return Request{}, err
	}
	if string(head[:3]) != protocol.Signature {
		return Request{}, fmt.Errorf("%w: signature %q", ErrBadRequest, head[:3])
	}
	length, err := strconv.Atoi(string(head[5:9]))
	if err != nil || length < protocol.MinFrameLength {
		return Request{}, fmt.Errorf("%w: length %q", ErrBadRequest, head[5:9])
	}

	body := make([]byte, length-protocol.HeaderLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return Request{}, err
	}
	text := string(body)
	if !strings.HasSuffix(text, protocol.EndMarker) {
		return Request{}, fmt.Errorf("%w: missing end marker", ErrBadRequest)
	}
	text = strings.TrimSuffix(text, protocol.EndMarker)

	req := Request{Group: string(head[3:5]), Command: string(head[9:13])}
	if i := strings.Index(text, protocol.EndMarker); i >= 0 {
		req.DeviceID = text[:i]
		req.Payload = text[i+len(protocol.EndMarker):]
	} else {
		req.DeviceID = text
	}
	return req, nil
}
