package protocol

import (
	"encoding/hex"
	"fmt"

	"github.com/resident-x/go-apsecu/internal/domain"
)

// Response is a decoded frame. Exactly one of the record fields is set on success.
type Response struct {
	Header    Header
	Identity  *domain.EcuIdentity
	RealTime  *domain.RealTimeSample
	Histogram *domain.HistogramRecord
	Signal    *domain.SignalLevelRecord
}

// Decode checks the envelope of frame and decodes its payload by command
// number. When the header is valid but the payload is not, the returned
// Response still carries the header.
func Decode(frame []byte) (*Response, error) {
	hdr, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	payload, err := Payload(frame)
	if err != nil {
		return nil, err
	}

	resp := &Response{Header: hdr}
	switch hdr.Command {
	case CommandSystemInfo:
		resp.Identity, err = DecodeSystemInfo(payload)
	case CommandRealTimeData:
		resp.RealTime, err = DecodeRealTimeData(payload)
	case CommandPowerOfDay:
		resp.Histogram, err = DecodePowerOfDay(hdr.Group, payload)
	case CommandEnergyOfWMY:
		resp.Histogram, err = DecodeEnergyOfWMY(hdr.Group, payload)
	case CommandInverterSignalLevel:
		resp.Signal, err = DecodeInverterSignalLevel(payload)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownCommand, hdr.Command)
	}
	return resp, err
}

// ValueWidth returns the byte width of histogram values for a command group.
func ValueWidth(group string) (int, error) {
	switch group {
	case GroupDefault:
		return 2, nil
	case GroupWide:
		return 4, nil
	default:
		return 0, fmt.Errorf("%w: no value width for command group %q", ErrInvalidField, group)
	}
}

// DecodeSystemInfo decodes the SystemInfo payload. The trailing MAC addresses
// are optional since older firmware omits them.
func DecodeSystemInfo(payload []byte) (*domain.EcuIdentity, error) {
	buf := NewBuffer(payload)
	sys := &domain.EcuIdentity{}
	var err error

	if sys.ID, err = buf.ASCII(12); err != nil {
		return nil, fmt.Errorf("ecu id: %w", err)
	}
	if !isDigits(sys.ID) {
		return nil, fmt.Errorf("%w: ecu id %q is not numeric", ErrInvalidField, sys.ID)
	}
	if sys.Model, err = buf.ASCII(2); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}

	lifetime, err := buf.Uint(4)
	if err != nil {
		return nil, fmt.Errorf("lifetime energy: %w", err)
	}
	sys.LifetimeEnergy = float64(lifetime) / 10

	lastPower, err := buf.Uint(4)
	if err != nil {
		return nil, fmt.Errorf("last system power: %w", err)
	}
	sys.LastSystemPower = int(lastPower)

	today, err := buf.Uint(4)
	if err != nil {
		return nil, fmt.Errorf("current day energy: %w", err)
	}
	sys.CurrentDayEnergy = float64(today) / 100

	raw, err := buf.Next(7)
	if err != nil {
		return nil, fmt.Errorf("last time connected: %w", err)
	}
	if sys.LastTimeConnected, err = BCDDateTime(raw); err != nil {
		return nil, fmt.Errorf("last time connected: %w", err)
	}

	inverters, err := buf.Uint(2)
	if err != nil {
		return nil, fmt.Errorf("inverters: %w", err)
	}
	sys.Inverters = int(inverters)

	online, err := buf.Uint(2)
	if err != nil {
		return nil, fmt.Errorf("inverters online: %w", err)
	}
	sys.InvertersOnline = int(online)

	if sys.Channel, err = buf.ASCII(2); err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}

	versionLen, err := buf.ASCIIDecimal(3)
	if err != nil {
		return nil, fmt.Errorf("version length: %w", err)
	}
	if sys.Version, err = buf.ASCII(versionLen); err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}

	tzLen, err := buf.ASCIIDecimal(3)
	if err != nil {
		return nil, fmt.Errorf("time zone length: %w", err)
	}
	if sys.TimeZone, err = buf.ASCII(tzLen); err != nil {
		return nil, fmt.Errorf("time zone: %w", err)
	}

	if buf.Len() >= 12 {
		eth, _ := buf.Next(6)
		wlan, _ := buf.Next(6)
		sys.EthernetMAC = MAC(eth)
		sys.WirelessMAC = MAC(wlan)
	}

	return sys, nil
}

// DecodeRealTimeData decodes the RealTimeData payload. Errors inside a single
// inverter record are collected in the sample; decoding resumes with the next
// record as long as the record boundary is known.
func DecodeRealTimeData(payload []byte) (*domain.RealTimeSample, error) {
	buf := NewBuffer(payload)

	status, err := buf.ASCII(2)
	if err != nil {
		return nil, fmt.Errorf("match status: %w", err)
	}
	if status != StatusOK {
		return nil, fmt.Errorf("%w: real time data status %q", ErrStatus, status)
	}

	sample := &domain.RealTimeSample{}
	if sample.ECUModel, err = buf.ASCII(2); err != nil {
		return nil, fmt.Errorf("ecu model: %w", err)
	}
	count, err := buf.Uint(2)
	if err != nil {
		return nil, fmt.Errorf("inverter count: %w", err)
	}
	sample.Inverters = int(count)

	raw, err := buf.Next(7)
	if err != nil {
		return nil, fmt.Errorf("date time: %w", err)
	}
	if sample.Timestamp, err = BCDDateTime(raw); err != nil {
		return nil, fmt.Errorf("date time: %w", err)
	}

	for i := 0; i < sample.Inverters; i++ {
		rawID, err := buf.Next(6)
		if err != nil {
			sample.Errors = append(sample.Errors, domain.InverterError{
				Err: fmt.Errorf("record %d of %d: %w", i+1, sample.Inverters, err),
			})
			break
		}
		id, idErr := BCDString(rawID)
		if idErr != nil {
			id = hex.EncodeToString(rawID)
		}

		state, err := buf.Uint(1)
		if err != nil {
			sample.Errors = append(sample.Errors, domain.InverterError{ID: id, Err: err})
			break
		}
		typeCode, err := buf.ASCII(2)
		if err != nil {
			sample.Errors = append(sample.Errors, domain.InverterError{ID: id, Err: err})
			break
		}

		layout, known := layouts[typeCode]
		if !known {
			// Without a layout the start of the next record is unknown.
			sample.Errors = append(sample.Errors, domain.InverterError{
				ID:  id,
				Err: fmt.Errorf("%w: type code %q, %d remaining records skipped", ErrUnknownVariant, typeCode, sample.Inverters-i-1),
			})
			break
		}

		rec, err := buf.Next(layout.size())
		if err != nil {
			sample.Errors = append(sample.Errors, domain.InverterError{ID: id, Err: err})
			break
		}

		if idErr != nil {
			sample.Errors = append(sample.Errors, domain.InverterError{ID: id, Err: idErr})
			continue
		}

		variant := VariantFromID(id)
		if err := checkVariant(variant, typeCode); err != nil {
			sample.Errors = append(sample.Errors, domain.InverterError{ID: id, Err: err})
			continue
		}

		reading := domain.InverterReading{
			ID:       id,
			Online:   state == 1,
			Variant:  variant,
			TypeCode: typeCode,
		}
		if err := decodeInverterFields(&reading, layout, rec); err != nil {
			sample.Errors = append(sample.Errors, domain.InverterError{ID: id, Err: err})
			continue
		}
		sample.Readings = append(sample.Readings, reading)
	}

	return sample, nil
}

// DecodePowerOfDay decodes (hh:mm, watts) pairs.
func DecodePowerOfDay(group string, payload []byte) (*domain.HistogramRecord, error) {
	width, err := ValueWidth(group)
	if err != nil {
		return nil, err
	}

	buf := NewBuffer(payload)
	status, err := buf.ASCII(2)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	if status != StatusOK {
		return nil, fmt.Errorf("%w: power of day status %q", ErrStatus, status)
	}

	record := &domain.HistogramRecord{Service: domain.ServicePowerOfDay, Status: status}
	for buf.Len() > 0 {
		raw, err := buf.Next(2)
		if err != nil {
			return nil, fmt.Errorf("power of day entry %d: %w", len(record.Points)+1, err)
		}
		label, err := BCDTime(raw)
		if err != nil {
			return nil, fmt.Errorf("power of day entry %d: %w", len(record.Points)+1, err)
		}
		value, err := buf.Uint(width)
		if err != nil {
			return nil, fmt.Errorf("power of day entry %d: %w", len(record.Points)+1, err)
		}
		record.Points = append(record.Points, domain.HistogramPoint{Label: label, Value: float64(value)})
	}
	return record, nil
}

// DecodeEnergyOfWMY decodes (yyyy.mm.dd, kWh) pairs. The period field selects
// week, month or year.
func DecodeEnergyOfWMY(group string, payload []byte) (*domain.HistogramRecord, error) {
	width, err := ValueWidth(group)
	if err != nil {
		return nil, err
	}

	buf := NewBuffer(payload)
	status, err := buf.ASCII(2)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	period, err := buf.ASCII(2)
	if err != nil {
		return nil, fmt.Errorf("period: %w", err)
	}

	var service domain.Service
	switch period {
	case PeriodWeek:
		service = domain.ServiceEnergyOfWeek
	case PeriodMonth:
		service = domain.ServiceEnergyOfMonth
	case PeriodYear:
		service = domain.ServiceEnergyOfYear
	default:
		return nil, fmt.Errorf("%w: energy period %q", ErrInvalidField, period)
	}
	if status != StatusOK {
		return nil, fmt.Errorf("%w: %s status %q", ErrStatus, service, status)
	}

	record := &domain.HistogramRecord{Service: service, Status: status}
	for buf.Len() > 0 {
		raw, err := buf.Next(4)
		if err != nil {
			return nil, fmt.Errorf("%s entry %d: %w", service, len(record.Points)+1, err)
		}
		label, err := BCDDate(raw)
		if err != nil {
			return nil, fmt.Errorf("%s entry %d: %w", service, len(record.Points)+1, err)
		}
		value, err := buf.Uint(width)
		if err != nil {
			return nil, fmt.Errorf("%s entry %d: %w", service, len(record.Points)+1, err)
		}
		record.Points = append(record.Points, domain.HistogramPoint{Label: label, Value: float64(value) / 100})
	}
	return record, nil
}

// DecodeInverterSignalLevel decodes (inverter id, level) pairs.
func DecodeInverterSignalLevel(payload []byte) (*domain.SignalLevelRecord, error) {
	buf := NewBuffer(payload)
	status, err := buf.ASCII(2)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	if status != StatusOK {
		return nil, fmt.Errorf("%w: signal level status %q", ErrStatus, status)
	}

	record := &domain.SignalLevelRecord{Status: status}
	for buf.Len() > 0 {
		id, err := buf.BCD(6)
		if err != nil {
			return nil, fmt.Errorf("signal level entry %d: %w", len(record.Levels)+1, err)
		}
		level, err := buf.Uint(1)
		if err != nil {
			return nil, fmt.Errorf("signal level entry %d: %w", len(record.Levels)+1, err)
		}
		record.Levels = append(record.Levels, domain.SignalLevel{
			ID:   id,
			Raw:  int(level),
			RSSI: int(level) - 256,
		})
	}
	return record, nil
}
