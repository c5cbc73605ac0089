package ecusim

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/resident-x/go-apsecu/internal/domain"
	"github.com/resident-x/go-apsecu/internal/protocol"
)

// Inverter is one simulated inverter behind the ECU.
type Inverter struct {
	ID          string
	Online      bool
	TypeCode    string
	Frequency   float64
	Temperature int
	DCPower     []int
	ACVoltage   []int
	Signal      int
}

// BCD packs a string of decimal digits, two per byte. An odd digit count is
// padded with a leading zero.
func BCD(digits string) []byte {
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	out := make([]byte, len(digits)/2)
	for i := range out {
		hi := digits[2*i] - '0'
		lo := digits[2*i+1] - '0'
		out[i] = hi<<4 | lo&0x0f
	}
	return out
}

func putUint(buf *bytes.Buffer, width int, v uint64) {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], v)
	buf.Write(raw[8-width:])
}

// SystemInfoPayload encodes the SystemInfo response payload.
func SystemInfoPayload(ecu *domain.EcuIdentity, lastConnected time.Time, withMAC bool) []byte {
	var buf bytes.Buffer
	buf.WriteString(ecu.ID)
	buf.WriteString(ecu.Model)
	putUint(&buf, 4, uint64(ecu.LifetimeEnergy*10+0.5))
	putUint(&buf, 4, uint64(ecu.LastSystemPower))
	putUint(&buf, 4, uint64(ecu.CurrentDayEnergy*100+0.5))
	buf.Write(BCD(lastConnected.Format("20060102150405")))
	putUint(&buf, 2, uint64(ecu.Inverters))
	putUint(&buf, 2, uint64(ecu.InvertersOnline))
	buf.WriteString(ecu.Channel)
	fmt.Fprintf(&buf, "%03d%s", len(ecu.Version), ecu.Version)
	fmt.Fprintf(&buf, "%03d%s", len(ecu.TimeZone), ecu.TimeZone)
	if withMAC {
		buf.Write([]byte{0x80, 0x97, 0x1b, 0x01, 0x02, 0x03})
		buf.Write([]byte{0x60, 0xc5, 0xa8, 0x04, 0x05, 0x06})
	}
	return buf.Bytes()
}

// RealTimeDataPayload encodes a RealTimeData response payload. Records are
// written with the fields of their type code, whatever their values hold.
func RealTimeDataPayload(model string, ts time.Time, inverters []Inverter) []byte {
	var buf bytes.Buffer
	buf.WriteString(protocol.StatusOK)
	buf.WriteString(model)
	putUint(&buf, 2, uint64(len(inverters)))
	buf.Write(BCD(ts.Format("20060102150405")))

	for _, inv := range inverters {
		buf.Write(BCD(inv.ID))
		if inv.Online {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		buf.WriteString(inv.TypeCode)
		putUint(&buf, 2, uint64(inv.Frequency*10+0.5))
		putUint(&buf, 2, uint64(inv.Temperature+100))

		power, volt := 0, 0
		for _, kind := range fieldOrder(inv.TypeCode) {
			switch kind {
			case 'P':
				putUint(&buf, 2, uint64(at(inv.DCPower, power)))
				power++
			case 'V':
				putUint(&buf, 2, uint64(at(inv.ACVoltage, volt)))
				volt++
			}
		}
	}
	return buf.Bytes()
}

// PowerOfDayPayload encodes (hh:mm, watts) pairs with 2-byte values.
func PowerOfDayPayload(points []domain.HistogramPoint) []byte {
	var buf bytes.Buffer
	buf.WriteString(protocol.StatusOK)
	for _, p := range points {
		buf.Write(BCD(p.Label[0:2] + p.Label[3:5]))
		putUint(&buf, 2, uint64(p.Value))
	}
	return buf.Bytes()
}

// EnergyOfWMYPayload encodes (yyyy.mm.dd, kWh) pairs with 2-byte values in
// hundredths.
func EnergyOfWMYPayload(period string, points []domain.HistogramPoint) []byte {
	var buf bytes.Buffer
	buf.WriteString(protocol.StatusOK)
	buf.WriteString(period)
	for _, p := range points {
		buf.Write(BCD(p.Label[0:4] + p.Label[5:7] + p.Label[8:10]))
		putUint(&buf, 2, uint64(p.Value*100+0.5))
	}
	return buf.Bytes()
}

// SignalLevelPayload encodes the signal level of each inverter.
func SignalLevelPayload(inverters []Inverter) []byte {
	var buf bytes.Buffer
	buf.WriteString(protocol.StatusOK)
	for _, inv := range inverters {
		buf.Write(BCD(inv.ID))
		buf.WriteByte(byte(inv.Signal))
	}
	return buf.Bytes()
}

func fieldOrder(typeCode string) string {
	switch typeCode {
	case "01":
		return "PVPV"
	case "02":
		return "PVPVPVP"
	case "03":
		return "PVPPP"
	default:
		return ""
	}
}

func at(values []int, i int) int {
	if i < len(values) {
		return values[i]
	}
	return 0
}
