// Package sequencer decides which ECU service to request next within a polling cycle.
package sequencer

import (
	"errors"
	"fmt"
	"time"

	"github.com/resident-x/go-apsecu/internal/domain"
	"github.com/resident-x/go-apsecu/internal/protocol"
)

// ErrIdentityUnresolved is returned when SystemInfo did not yield an ECU id
// within the allowed number of attempts.
var ErrIdentityUnresolved = errors.New("ecu id not resolved")

// Triggers select the optional services of the next sweeps. A trigger stays
// set until the corresponding response was decoded successfully.
type Triggers struct {
	PowerOfDay    bool `json:"power_of_day"`
	EnergyOfWeek  bool `json:"energy_of_week"`
	EnergyOfMonth bool `json:"energy_of_month"`
	EnergyOfYear  bool `json:"energy_of_year"`
}

// AllTriggers returns triggers with every optional service selected.
func AllTriggers() Triggers {
	return Triggers{PowerOfDay: true, EnergyOfWeek: true, EnergyOfMonth: true, EnergyOfYear: true}
}

type step struct {
	service domain.Service
	// guard reports whether the step runs; nil means always.
	guard func(Triggers) bool
}

// Sweep order.
var steps = []step{
	{service: domain.ServiceSystemInfo},
	{service: domain.ServiceRealTimeData},
	{service: domain.ServiceInverterSignalLevel},
	{service: domain.ServicePowerOfDay, guard: func(t Triggers) bool { return t.PowerOfDay }},
	{service: domain.ServiceEnergyOfWeek, guard: func(t Triggers) bool { return t.EnergyOfWeek }},
	{service: domain.ServiceEnergyOfMonth, guard: func(t Triggers) bool { return t.EnergyOfMonth }},
	{service: domain.ServiceEnergyOfYear, guard: func(t Triggers) bool { return t.EnergyOfYear }},
}

// Request is one encoded request of the sweep.
type Request struct {
	Service domain.Service
	Frame   []byte
}

// Options configure a Sequencer.
type Options struct {
	Terminator          string
	MaxIdentityAttempts int
	Location            *time.Location
	Now                 func() time.Time
}

// Sequencer walks the service table once per cycle. It is not safe for
// concurrent use; the engine dispatcher owns it.
type Sequencer struct {
	terminator          string
	maxIdentityAttempts int
	location            *time.Location
	now                 func() time.Time

	ecuID          string
	triggers       Triggers
	powerOfDayDate string
	// date argument of the last PowerOfDay request, "" for today
	sentPowerOfDayDate string
	cursor             int
	identityAttempts   int
	last               *Request
}

// New creates a sequencer with all triggers set, so the first sweep requests
// every service.
func New(opts Options) *Sequencer {
	if opts.MaxIdentityAttempts < 1 {
		opts.MaxIdentityAttempts = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Terminator == "" {
		opts.Terminator = "\n"
	}
	return &Sequencer{
		terminator:          opts.Terminator,
		maxIdentityAttempts: opts.MaxIdentityAttempts,
		location:            opts.Location,
		now:                 opts.Now,
		triggers:            AllTriggers(),
	}
}

// Begin starts a sweep for a fresh connection. The ECU id is relearned.
func (s *Sequencer) Begin() {
	s.cursor = 0
	s.identityAttempts = 0
	s.ecuID = ""
	s.last = nil
}

// Next returns the next request and advances the cursor. ok is false once
// the sweep is complete.
func (s *Sequencer) Next() (req Request, ok bool, err error) {
	for s.cursor < len(steps) {
		st := steps[s.cursor]

		if st.service != domain.ServiceSystemInfo && s.ecuID == "" {
			s.cursor = 0
			continue
		}
		if st.service == domain.ServiceSystemInfo {
			if s.identityAttempts >= s.maxIdentityAttempts {
				return Request{}, false, fmt.Errorf("%w after %d attempts", ErrIdentityUnresolved, s.identityAttempts)
			}
			s.identityAttempts++
		}
		if st.guard != nil && !st.guard(s.triggers) {
			s.cursor++
			continue
		}

		frame, err := protocol.EncodeServiceRequest(st.service, s.ecuID, s.powerOfDayArg(), s.terminator)
		if err != nil {
			return Request{}, false, err
		}
		if st.service == domain.ServicePowerOfDay {
			s.sentPowerOfDayDate = s.powerOfDayDate
		}
		s.cursor++
		req := Request{Service: st.service, Frame: frame}
		s.last = &req
		return req, true, nil
	}
	return Request{}, false, nil
}

// Retry returns the last issued request again.
func (s *Sequencer) Retry() (Request, bool) {
	if s.last == nil {
		return Request{}, false
	}
	return *s.last, true
}

// SetIdentity records the ECU id of the current connection. The first id
// wins; a different id later in the same connection is refused.
func (s *Sequencer) SetIdentity(id string) bool {
	if s.ecuID == "" {
		s.ecuID = id
		return true
	}
	return s.ecuID == id
}

// Identity returns the ECU id of the current connection, if known.
func (s *Sequencer) Identity() string {
	return s.ecuID
}

// Complete clears the trigger of a successfully decoded optional service.
// PowerOfDay stays armed when its date changed after the request was sent.
func (s *Sequencer) Complete(service domain.Service) {
	switch service {
	case domain.ServicePowerOfDay:
		if s.powerOfDayDate != s.sentPowerOfDayDate {
			return
		}
		s.triggers.PowerOfDay = false
		s.powerOfDayDate = ""
	case domain.ServiceEnergyOfWeek:
		s.triggers.EnergyOfWeek = false
	case domain.ServiceEnergyOfMonth:
		s.triggers.EnergyOfMonth = false
	case domain.ServiceEnergyOfYear:
		s.triggers.EnergyOfYear = false
	}
}

// Arm sets the given triggers in addition to those already set.
func (s *Sequencer) Arm(t Triggers) {
	s.triggers.PowerOfDay = s.triggers.PowerOfDay || t.PowerOfDay
	s.triggers.EnergyOfWeek = s.triggers.EnergyOfWeek || t.EnergyOfWeek
	s.triggers.EnergyOfMonth = s.triggers.EnergyOfMonth || t.EnergyOfMonth
	s.triggers.EnergyOfYear = s.triggers.EnergyOfYear || t.EnergyOfYear
}

// SetTriggers replaces all triggers.
func (s *Sequencer) SetTriggers(t Triggers) {
	s.triggers = t
}

// Triggers returns the current triggers.
func (s *Sequencer) Triggers() Triggers {
	return s.triggers
}

// SetPowerOfDayDate requests the power histogram of a specific day
// (YYYYMMDD). An empty date means today.
func (s *Sequencer) SetPowerOfDayDate(date string) error {
	if date != "" {
		if _, err := time.Parse("20060102", date); err != nil {
			return fmt.Errorf("power of day date %q is not YYYYMMDD: %w", date, err)
		}
	}
	s.powerOfDayDate = date
	s.triggers.PowerOfDay = true
	return nil
}

func (s *Sequencer) powerOfDayArg() string {
	if s.powerOfDayDate != "" {
		return s.powerOfDayDate
	}
	return s.now().In(s.location).Format("20060102")
}
