// Package domain provides core domain models and interfaces for the go-apsecu application
package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
)

// Service identifies one request/response exchange with the ECU.
type Service int

const (
	ServiceSystemInfo Service = iota
	ServiceRealTimeData
	ServiceInverterSignalLevel
	ServicePowerOfDay
	ServiceEnergyOfWeek
	ServiceEnergyOfMonth
	ServiceEnergyOfYear
)

var serviceNames = map[Service]string{
	ServiceSystemInfo:          "SystemInfo",
	ServiceRealTimeData:        "RealTimeData",
	ServiceInverterSignalLevel: "InverterSignalLevel",
	ServicePowerOfDay:          "PowerOfDay",
	ServiceEnergyOfWeek:        "EnergyOfWeek",
	ServiceEnergyOfMonth:       "EnergyOfMonth",
	ServiceEnergyOfYear:        "EnergyOfYear",
}

func (s Service) String() string {
	if name, ok := serviceNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Variant is the inverter hardware family.
type Variant int

const (
	VariantUnknown Variant = iota
	VariantQS1
	VariantYC600
	VariantYC1000
	VariantDS3
)

func (v Variant) String() string {
	switch v {
	case VariantQS1:
		return "qs1"
	case VariantYC600:
		return "yc600"
	case VariantYC1000:
		return "yc1000"
	case VariantDS3:
		return "ds3"
	default:
		return "unknown"
	}
}

// EcuIdentity is the decoded SystemInfo response.
type EcuIdentity struct {
	ID                string  `json:"id"`
	Model             string  `json:"model"`
	LifetimeEnergy    float64 `json:"life_time_energy"`
	LastSystemPower   int     `json:"last_system_power"`
	CurrentDayEnergy  float64 `json:"current_day_energy"`
	LastTimeConnected string  `json:"last_time_connected"`
	Inverters         int     `json:"inverters"`
	InvertersOnline   int     `json:"inverters_online"`
	Channel           string  `json:"channel"`
	Version           string  `json:"version"`
	TimeZone          string  `json:"time_zone"`
	EthernetMAC       string  `json:"ethernet_mac,omitempty"`
	WirelessMAC       string  `json:"wireless_mac,omitempty"`
}

// InverterReading is one inverter record of a RealTimeData response.
type InverterReading struct {
	ID          string  `json:"id"`
	Online      bool    `json:"online"`
	Variant     Variant `json:"-"`
	TypeCode    string  `json:"type_code"`
	Frequency   float64 `json:"frequency"`
	Temperature int     `json:"temperature"`
	DCPower     []int   `json:"dc_power_channels"`
	ACVoltage   []int   `json:"ac_voltage"`
}

// TotalDCPower sums the per-channel DC power.
func (r *InverterReading) TotalDCPower() int {
	total := 0
	for _, p := range r.DCPower {
		total += p
	}
	return total
}

// InverterError reports a record that could not be decoded.
type InverterError struct {
	ID  string
	Err error
}

// RealTimeSample is the decoded RealTimeData response.
type RealTimeSample struct {
	ECUModel  string
	Timestamp string
	Inverters int
	Readings  []InverterReading
	Errors    []InverterError
}

// HistogramPoint is one (label, value) pair of a histogram response.
type HistogramPoint struct {
	Label string
	Value float64
}

// HistogramRecord is a decoded PowerOfDay or EnergyOfWeek/Month/Year response.
type HistogramRecord struct {
	Service Service
	Status  string
	Points  []HistogramPoint
}

// Map returns the points keyed by label.
func (h *HistogramRecord) Map() map[string]float64 {
	m := make(map[string]float64, len(h.Points))
	for _, p := range h.Points {
		m[p.Label] = p.Value
	}
	return m
}

// MarshalJSON renders the points as a JSON object in decode order.
func (h HistogramRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range h.Points {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(p.Label)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SignalLevel is the Zigbee signal of one inverter.
type SignalLevel struct {
	ID   string `json:"id"`
	Raw  int    `json:"level"`
	RSSI int    `json:"rssi"`
}

// SignalLevelRecord is the decoded InverterSignalLevel response.
type SignalLevelRecord struct {
	Status string
	Levels []SignalLevel
}

// StateSink receives decoded values. Paths are dot separated, e.g. "ecu.model".
type StateSink interface {
	SetValue(path string, value interface{}, ack bool) error
	GetValue(path string) (interface{}, bool)
}

// StateDeclarer is implemented by sinks that announce objects before values are written.
type StateDeclarer interface {
	DeclareEcu(ctx context.Context, identity *EcuIdentity) error
	DeclareInverter(ctx context.Context, entry InverterEntry) error
}

// MonitoringService defines the interface for external monitoring services.
type MonitoringService interface {
	// Send publishes ECU totals to the monitoring service
	Send(ctx context.Context, identity *EcuIdentity) error

	// Connect establishes a connection to the service
	Connect() error

	// Close terminates the connection to the service
	Close() error
}

// MaskID hides the middle digits of an ECU or inverter id for display.
func MaskID(id string) string {
	if len(id) <= 6 {
		return id
	}
	return id[:4] + strings.Repeat("*", len(id)-6) + id[len(id)-2:]
}
