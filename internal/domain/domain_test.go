package domain

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInverterRegistry(t *testing.T) {
	registry := NewInverterRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.inverters)
	assert.Empty(t, registry.inverters)
	assert.Equal(t, 0, registry.Len())
}

func TestEnsureCreatesEntryOnce(t *testing.T) {
	registry := NewInverterRegistry()

	entry, created := registry.Ensure("801000012345", VariantQS1)
	require.True(t, created)
	assert.Equal(t, "801000012345", entry.ID)
	assert.Equal(t, VariantQS1, entry.Variant)
	assert.Equal(t, "qs1", entry.VariantName)
	assert.Equal(t, "inverters.qs1_801000012345", entry.Prefix)
	assert.WithinDuration(t, time.Now(), entry.FirstSeen, time.Second)

	// A second sighting keeps the original prefix
	again, created := registry.Ensure("801000012345", VariantYC600)
	assert.False(t, created)
	assert.Equal(t, "inverters.qs1_801000012345", again.Prefix)
	assert.Equal(t, 1, registry.Len())
}

func TestUpdateReadingRequiresRegistration(t *testing.T) {
	registry := NewInverterRegistry()

	err := registry.UpdateReading(InverterReading{ID: "501000000001"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")

	registry.Ensure("501000000001", VariantYC600)
	reading := InverterReading{ID: "501000000001", Online: true, DCPower: []int{100, 120}, ACVoltage: []int{230, 231}}
	require.NoError(t, registry.UpdateReading(reading))

	entry, found := registry.Get("501000000001")
	require.True(t, found)
	require.NotNil(t, entry.Reading)
	assert.Equal(t, 220, entry.Reading.TotalDCPower())

	// Snapshots are detached from the registry
	entry.Reading.DCPower[0] = 0
	fresh, _ := registry.Get("501000000001")
	assert.Equal(t, 100, fresh.Reading.DCPower[0])
}

func TestUpdateSignal(t *testing.T) {
	registry := NewInverterRegistry()

	assert.Error(t, registry.UpdateSignal(SignalLevel{ID: "unknown"}))

	registry.Ensure("701000000002", VariantDS3)
	require.NoError(t, registry.UpdateSignal(SignalLevel{ID: "701000000002", Raw: 200, RSSI: -56}))

	entry, _ := registry.Get("701000000002")
	require.NotNil(t, entry.Signal)
	assert.Equal(t, -56, entry.Signal.RSSI)
}

func TestAllKeepsRegistrationOrder(t *testing.T) {
	registry := NewInverterRegistry()
	ids := []string{"801000000003", "501000000001", "401000000002"}
	for _, id := range ids {
		registry.Ensure(id, VariantUnknown)
	}

	all := registry.All()
	require.Len(t, all, 3)
	for i, id := range ids {
		assert.Equal(t, id, all[i].ID)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	registry := NewInverterRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("8010000000%02d", n%5)
			registry.Ensure(id, VariantQS1)
			_ = registry.UpdateReading(InverterReading{ID: id})
			_ = registry.All()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, registry.Len())
}

func TestServiceAndVariantNames(t *testing.T) {
	assert.Equal(t, "SystemInfo", ServiceSystemInfo.String())
	assert.Equal(t, "EnergyOfYear", ServiceEnergyOfYear.String())
	assert.Equal(t, "Unknown", Service(99).String())

	assert.Equal(t, "yc1000", VariantYC1000.String())
	assert.Equal(t, "unknown", Variant(42).String())
}

func TestHistogramRecordJSONKeepsOrder(t *testing.T) {
	record := HistogramRecord{
		Service: ServiceEnergyOfWeek,
		Status:  "00",
		Points: []HistogramPoint{
			{Label: "2021.11.09", Value: 3.25},
			{Label: "2021.11.08", Value: 5},
		},
	}

	data, err := json.Marshal(record)
	require.NoError(t, err)
	assert.Equal(t, `{"2021.11.09":3.25,"2021.11.08":5}`, string(data))

	assert.Equal(t, map[string]float64{"2021.11.08": 5, "2021.11.09": 3.25}, record.Map())

	empty, err := json.Marshal(HistogramRecord{})
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(empty))
}

func TestMaskID(t *testing.T) {
	assert.Equal(t, "2160******12", MaskID("216000123412"))
	assert.Equal(t, "12345", MaskID("12345"))
}
