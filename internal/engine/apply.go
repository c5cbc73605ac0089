package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/resident-x/go-apsecu/internal/domain"
	"github.com/resident-x/go-apsecu/internal/protocol"
)

const monitoringTimeout = 30 * time.Second

var histogramPaths = map[domain.Service]string{
	domain.ServicePowerOfDay:    "ecu.power_of_day_list",
	domain.ServiceEnergyOfWeek:  "ecu.energy_of_week_list",
	domain.ServiceEnergyOfMonth: "ecu.energy_of_month_list",
	domain.ServiceEnergyOfYear:  "ecu.energy_of_year_list",
}

// onFrame handles a reassembled frame received in WaitForResponse.
func (e *Engine) onFrame(frame []byte) {
	service := e.current.Service
	resp, err := protocol.Decode(frame)
	if resp == nil {
		e.metrics.ResponsesTotal.WithLabelValues(service.String(), "invalid").Inc()
		e.teardown("aborted", fmt.Errorf("invalid response to %s: %w", service, err))
		return
	}

	if !matches(service, resp) {
		// a late answer to a retried request; keep waiting for ours
		e.metrics.ResponsesTotal.WithLabelValues(service.String(), "unexpected").Inc()
		e.logger.Warn().
			Str("service", service.String()).
			Str("command", resp.Header.Command).
			Msg("Response does not match outstanding request")
		if epoch, armed := e.wd.Arm(); armed {
			e.currentEpoch = epoch
		}
		return
	}

	switch {
	case err == nil:
		e.metrics.ResponsesTotal.WithLabelValues(service.String(), "ok").Inc()
		e.apply(service, resp)
	case errors.Is(err, protocol.ErrStatus):
		e.metrics.ResponsesTotal.WithLabelValues(service.String(), "status").Inc()
		e.logger.Info().Err(err).Str("service", service.String()).Msg("ECU reported no data")
	default:
		e.metrics.ResponsesTotal.WithLabelValues(service.String(), "error").Inc()
		e.logger.Warn().Err(err).Str("service", service.String()).Msg("Failed to decode response")
	}

	e.sendNext()
}

func matches(service domain.Service, resp *protocol.Response) bool {
	if resp.Header.Command != protocol.CommandFor(service) {
		return false
	}
	if resp.Histogram != nil && resp.Histogram.Service != service {
		return false
	}
	return true
}

func (e *Engine) apply(service domain.Service, resp *protocol.Response) {
	switch {
	case resp.Identity != nil:
		e.applyIdentity(resp.Identity)
	case resp.RealTime != nil:
		e.applyRealTime(resp.RealTime)
	case resp.Histogram != nil:
		e.applyHistogram(resp.Histogram)
		e.seq.Complete(service)
	case resp.Signal != nil:
		e.applySignal(resp.Signal)
	}
}

func (e *Engine) applyIdentity(identity *domain.EcuIdentity) {
	if !e.seq.SetIdentity(identity.ID) {
		e.logger.Warn().
			Str("ecu_id", e.displayID(identity.ID)).
			Str("known", e.displayID(e.seq.Identity())).
			Msg("ECU reported a different id within one connection, ignored")
		return
	}
	e.opts.Validator.ValidateIdentity(identity)

	if e.declarer != nil && e.declaredECU != identity.ID {
		if err := e.declarer.DeclareEcu(e.ctx, identity); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to declare ECU states")
		} else {
			e.declaredECU = identity.ID
		}
	}

	e.setValue("ecu.id", e.displayID(identity.ID))
	e.setValue("ecu.model", identity.Model)
	e.setValue("ecu.life_time_energy", identity.LifetimeEnergy)
	e.setValue("ecu.last_system_power", identity.LastSystemPower)
	e.setValue("ecu.current_day_energy", identity.CurrentDayEnergy)
	e.setValue("ecu.version", identity.Version)
	e.setValue("ecu.timeZone", identity.TimeZone)
	e.setValue("ecu.inverters", identity.Inverters)
	e.setValue("ecu.inverters_online", identity.InvertersOnline)

	e.metrics.CurrentPowerWatts.Set(float64(identity.LastSystemPower))
	e.metrics.TodayEnergyKWh.Set(identity.CurrentDayEnergy)

	snapshot := *identity
	e.identity = &snapshot

	e.logger.Info().
		Str("ecu_id", e.displayID(identity.ID)).
		Str("version", identity.Version).
		Int("last_system_power", identity.LastSystemPower).
		Float64("current_day_energy", identity.CurrentDayEnergy).
		Msg("System info")

	if e.opts.Monitoring != nil {
		go func(identity domain.EcuIdentity) {
			ctx, cancel := context.WithTimeout(e.ctx, monitoringTimeout)
			defer cancel()
			if err := e.opts.Monitoring.Send(ctx, &identity); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to send to monitoring service")
			}
		}(snapshot)
	}
}

func (e *Engine) applyRealTime(sample *domain.RealTimeSample) {
	for _, invErr := range sample.Errors {
		e.metrics.InverterErrors.Inc()
		e.logger.Warn().
			Str("inverter", invErr.ID).
			Err(invErr.Err).
			Msg("Inverter record skipped")
	}

	online := 0
	for _, reading := range sample.Readings {
		entry, created := e.registry.Ensure(reading.ID, reading.Variant)
		if created {
			e.logger.Info().
				Str("inverter", reading.ID).
				Str("variant", reading.Variant.String()).
				Msg("New inverter")
			if e.declarer != nil {
				if err := e.declarer.DeclareInverter(e.ctx, entry); err != nil {
					e.logger.Warn().Err(err).Str("inverter", reading.ID).Msg("Failed to declare inverter states")
				}
			}
		}
		if err := e.registry.UpdateReading(reading); err != nil {
			e.logger.Error().Err(err).Msg("Registry update failed")
			continue
		}
		e.opts.Validator.ValidateReading(&reading)
		if reading.Online {
			online++
		}

		prefix := entry.Prefix
		e.setValue(prefix+".online", reading.Online)
		e.setValue(prefix+".inverter_id", reading.ID)
		e.setValue(prefix+".date_time", sample.Timestamp)
		e.setValue(prefix+".frequency", reading.Frequency)
		e.setValue(prefix+".temperature", reading.Temperature)
		if len(reading.ACVoltage) == 1 {
			e.setValue(prefix+".ac_voltage", reading.ACVoltage[0])
		} else {
			for i, v := range reading.ACVoltage {
				e.setValue(fmt.Sprintf("%s.ac_voltage%d", prefix, i+1), v)
			}
		}
		for i, p := range reading.DCPower {
			e.setValue(fmt.Sprintf("%s.dc_power%d", prefix, i+1), p)
		}
		e.setValue(prefix+".dc_power", reading.TotalDCPower())
	}

	e.metrics.InvertersOnline.Set(float64(online))
	e.metrics.InvertersKnown.Set(float64(e.registry.Len()))
	e.logger.Debug().
		Int("inverters", sample.Inverters).
		Int("decoded", len(sample.Readings)).
		Int("errors", len(sample.Errors)).
		Msg("Real time data")
}

func (e *Engine) applyHistogram(record *domain.HistogramRecord) {
	path, ok := histogramPaths[record.Service]
	if !ok {
		return
	}
	raw, err := json.Marshal(record)
	if err != nil {
		e.logger.Error().Err(err).Str("service", record.Service.String()).Msg("Failed to encode histogram")
		return
	}
	e.setValue(path, json.RawMessage(raw))
	e.logger.Debug().
		Str("service", record.Service.String()).
		Int("points", len(record.Points)).
		Msg("Histogram")
}

func (e *Engine) applySignal(record *domain.SignalLevelRecord) {
	for _, level := range record.Levels {
		entry, known := e.registry.Get(level.ID)
		if !known {
			e.logger.Debug().Str("inverter", level.ID).Msg("Signal level of unknown inverter ignored")
			continue
		}
		if err := e.registry.UpdateSignal(level); err != nil {
			e.logger.Error().Err(err).Msg("Registry update failed")
			continue
		}
		e.setValue(entry.Prefix+".signal_level", level.Raw)
		e.setValue(entry.Prefix+".rssi", level.RSSI)
	}
}

func (e *Engine) setValue(path string, value interface{}) {
	if e.opts.Sink == nil {
		return
	}
	if err := e.opts.Sink.SetValue(path, value, true); err != nil {
		e.logger.Warn().Err(err).Str("path", path).Msg("Failed to set value")
	}
}
