package sequencer

import (
	"errors"
	"testing"
	"time"

	"github.com/resident-x/go-apsecu/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ecuID = "216000012345"

func fixedNow() time.Time {
	return time.Date(2021, 11, 8, 23, 30, 0, 0, time.UTC)
}

func newTestSequencer() *Sequencer {
	s := New(Options{Terminator: "\n", MaxIdentityAttempts: 3, Now: fixedNow})
	s.Begin()
	return s
}

// sweep runs one cycle where every response decodes successfully.
func sweep(t *testing.T, s *Sequencer) []Request {
	t.Helper()
	var sent []Request
	for {
		req, ok, err := s.Next()
		require.NoError(t, err)
		if !ok {
			return sent
		}
		sent = append(sent, req)
		if req.Service == domain.ServiceSystemInfo {
			s.SetIdentity(ecuID)
		}
		s.Complete(req.Service)
		require.Less(t, len(sent), 20, "sweep does not terminate")
	}
}

func services(reqs []Request) []domain.Service {
	out := make([]domain.Service, len(reqs))
	for i, r := range reqs {
		out[i] = r.Service
	}
	return out
}

func TestFirstSweepRequestsEverything(t *testing.T) {
	s := newTestSequencer()

	sent := sweep(t, s)
	assert.Equal(t, []domain.Service{
		domain.ServiceSystemInfo,
		domain.ServiceRealTimeData,
		domain.ServiceInverterSignalLevel,
		domain.ServicePowerOfDay,
		domain.ServiceEnergyOfWeek,
		domain.ServiceEnergyOfMonth,
		domain.ServiceEnergyOfYear,
	}, services(sent))

	assert.Equal(t, "APS1100160001END\n", string(sent[0].Frame))
	assert.Equal(t, "APS1100390003"+ecuID+"END20211108END\n", string(sent[3].Frame))
	assert.Equal(t, "APS1100330004"+ecuID+"END00END\n", string(sent[4].Frame))
	assert.Equal(t, "APS1100330004"+ecuID+"END02END\n", string(sent[6].Frame))

	// triggers were cleared by the successful decodes
	assert.Equal(t, Triggers{}, s.Triggers())
}

func TestOnlyWeekTriggerSet(t *testing.T) {
	s := newTestSequencer()
	s.SetTriggers(Triggers{EnergyOfWeek: true})

	sent := sweep(t, s)
	assert.Equal(t, []domain.Service{
		domain.ServiceSystemInfo,
		domain.ServiceRealTimeData,
		domain.ServiceInverterSignalLevel,
		domain.ServiceEnergyOfWeek,
	}, services(sent))
	assert.Equal(t, "APS1100330004"+ecuID+"END00END\n", string(sent[3].Frame))
}

func TestTriggerStaysSetUntilDecoded(t *testing.T) {
	s := newTestSequencer()
	s.SetTriggers(Triggers{EnergyOfMonth: true})

	// a sweep where the month response fails does not clear the trigger
	for {
		req, ok, err := s.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		if req.Service == domain.ServiceSystemInfo {
			s.SetIdentity(ecuID)
		}
		if req.Service != domain.ServiceEnergyOfMonth {
			s.Complete(req.Service)
		}
	}
	assert.True(t, s.Triggers().EnergyOfMonth)

	s.Begin()
	sent := sweep(t, s)
	assert.Contains(t, services(sent), domain.ServiceEnergyOfMonth)
	assert.False(t, s.Triggers().EnergyOfMonth)

	// without triggers only the mandatory services run
	s.Begin()
	assert.Len(t, sweep(t, s), 3)
}

func TestSystemInfoRepeatedUntilIdentityKnown(t *testing.T) {
	s := newTestSequencer()

	for attempt := 1; attempt <= 3; attempt++ {
		req, ok, err := s.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.ServiceSystemInfo, req.Service, "attempt %d", attempt)
	}

	_, ok, err := s.Next()
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrIdentityUnresolved))
}

func TestIdentityIsFixedPerConnection(t *testing.T) {
	s := newTestSequencer()

	assert.True(t, s.SetIdentity(ecuID))
	assert.True(t, s.SetIdentity(ecuID))
	assert.False(t, s.SetIdentity("216000099999"))
	assert.Equal(t, ecuID, s.Identity())

	s.Begin()
	assert.Equal(t, "", s.Identity())
	assert.True(t, s.SetIdentity("216000099999"))
}

func TestRetryReissuesLastRequest(t *testing.T) {
	s := newTestSequencer()

	_, ok := s.Retry()
	assert.False(t, ok)

	first, ok, err := s.Next()
	require.NoError(t, err)
	require.True(t, ok)

	again, ok := s.Retry()
	require.True(t, ok)
	assert.Equal(t, first, again)
}

func TestPowerOfDayDate(t *testing.T) {
	s := newTestSequencer()
	s.SetTriggers(Triggers{})

	require.Error(t, s.SetPowerOfDayDate("8.11.2021"))
	require.Error(t, s.SetPowerOfDayDate("20211345"), "no such day")
	require.NoError(t, s.SetPowerOfDayDate("20211031"))
	assert.True(t, s.Triggers().PowerOfDay)

	sent := sweep(t, s)
	require.Len(t, sent, 4)
	assert.Equal(t, "APS1100390003"+ecuID+"END20211031END\n", string(sent[3].Frame))

	// the explicit date is used once, afterwards today is requested
	require.NoError(t, s.SetPowerOfDayDate(""))
	s.Begin()
	sent = sweep(t, s)
	assert.Equal(t, "APS1100390003"+ecuID+"END20211108END\n", string(sent[3].Frame))
}

func TestPowerOfDayDateChangedWhileInFlight(t *testing.T) {
	s := newTestSequencer()
	s.SetTriggers(Triggers{PowerOfDay: true})

	var inFlight Request
	for {
		req, ok, err := s.Next()
		require.NoError(t, err)
		require.True(t, ok)
		if req.Service == domain.ServiceSystemInfo {
			s.SetIdentity(ecuID)
		}
		if req.Service == domain.ServicePowerOfDay {
			inFlight = req
			break
		}
	}
	assert.Contains(t, string(inFlight.Frame), "END20211108END")

	require.NoError(t, s.SetPowerOfDayDate("20240101"))
	// the answer for the old date arrives after the change
	s.Complete(domain.ServicePowerOfDay)
	assert.True(t, s.Triggers().PowerOfDay, "new date stays armed")

	s.Begin()
	sent := sweep(t, s)
	require.Len(t, sent, 4)
	assert.Equal(t, "APS1100390003"+ecuID+"END20240101END\n", string(sent[3].Frame))
	assert.False(t, s.Triggers().PowerOfDay)
}

func TestPowerOfDayUsesConfiguredZone(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*3600)
	s := New(Options{Location: zone, Now: fixedNow, MaxIdentityAttempts: 1})
	s.Begin()
	s.SetTriggers(Triggers{PowerOfDay: true})

	sent := sweep(t, s)
	// 23:30 UTC is already the next day at UTC+2
	assert.Contains(t, string(sent[3].Frame), "END20211109END")
}

func TestArmMergesTriggers(t *testing.T) {
	s := newTestSequencer()
	s.SetTriggers(Triggers{EnergyOfWeek: true})
	s.Arm(Triggers{EnergyOfYear: true})

	assert.Equal(t, Triggers{EnergyOfWeek: true, EnergyOfYear: true}, s.Triggers())
}

func TestNewDefaults(t *testing.T) {
	s := New(Options{})
	assert.Equal(t, "\n", s.terminator)
	assert.Equal(t, 1, s.maxIdentityAttempts)
	assert.Equal(t, AllTriggers(), s.Triggers())
}
