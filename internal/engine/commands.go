package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/resident-x/go-apsecu/internal/sequencer"
)

// External command names.
const (
	CommandPolling            = "polling"
	CommandPowerOfDayDate     = "power_of_day_date"
	CommandRefreshPowerOfDay  = "refresh_power_of_day"
	CommandRefreshEnergyWeek  = "refresh_energy_of_week"
	CommandRefreshEnergyMonth = "refresh_energy_of_month"
	CommandRefreshEnergyYear  = "refresh_energy_of_year"
	CommandRefreshAll         = "refresh_all"
)

var refreshTriggers = map[string]sequencer.Triggers{
	CommandRefreshPowerOfDay:  {PowerOfDay: true},
	CommandRefreshEnergyWeek:  {EnergyOfWeek: true},
	CommandRefreshEnergyMonth: {EnergyOfMonth: true},
	CommandRefreshEnergyYear:  {EnergyOfYear: true},
	CommandRefreshAll:         sequencer.AllTriggers(),
}

// Commands lists the names accepted by OnExternalCommand.
func Commands() []string {
	names := []string{CommandPolling, CommandPowerOfDayDate}
	for name := range refreshTriggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// applyCommand runs on the dispatcher.
func (e *Engine) applyCommand(name, value string) error {
	logger := e.logger.With().Str("command", name).Str("value", value).Logger()

	if triggers, ok := refreshTriggers[name]; ok {
		e.seq.Arm(triggers)
		logger.Info().Msg("Refresh requested")
		return nil
	}

	switch name {
	case CommandPolling:
		on, err := parseSwitch(value)
		if err != nil {
			return err
		}
		if !on {
			e.handle(event{kind: evStop})
			return nil
		}
		if e.host == "" {
			return fmt.Errorf("polling: no ECU address, call start first")
		}
		e.handle(event{kind: evStart, host: e.host, port: e.port})
		return nil

	case CommandPowerOfDayDate:
		if err := e.seq.SetPowerOfDayDate(strings.TrimSpace(value)); err != nil {
			return err
		}
		logger.Info().Msg("Power of day date changed")
		return nil
	}

	return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

func parseSwitch(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "start":
		return true, nil
	case "off", "stop":
		return false, nil
	}
	on, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("polling: %q is not a switch value", value)
	}
	return on, nil
}
