// Package validation provides plausibility checks for values decoded from the ECU.
package validation

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/resident-x/go-apsecu/internal/domain"
	"github.com/rs/zerolog"
)

// ValidationLevel defines the strictness of validation rules.
type ValidationLevel int

const (
	ValidationLevelBasic ValidationLevel = iota
	ValidationLevelStandard
	ValidationLevelStrict
)

// String returns the string representation of the validation level.
func (vl ValidationLevel) String() string {
	switch vl {
	case ValidationLevelBasic:
		return "basic"
	case ValidationLevelStandard:
		return "standard"
	case ValidationLevelStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// ParseLevel maps a configured level name to a ValidationLevel.
func ParseLevel(name string) (ValidationLevel, error) {
	switch strings.ToLower(name) {
	case "basic":
		return ValidationLevelBasic, nil
	case "", "standard":
		return ValidationLevelStandard, nil
	case "strict":
		return ValidationLevelStrict, nil
	default:
		return ValidationLevelStandard, fmt.Errorf("unknown validation level %q", name)
	}
}

// Severities.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// ValidationError represents a validation finding with severity and context.
type ValidationError struct {
	Rule     string
	Severity string
	Message  string
	Field    string
	Value    interface{}
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%s validation error in %s: %s", ve.Severity, ve.Field, ve.Message)
}

// ValidationResult contains the result of a validation check.
type ValidationResult struct {
	Valid      bool
	Errors     []*ValidationError
	Warnings   []*ValidationError
	Confidence float64 // 0.0-1.0
}

// HasWarnings returns true if there are any validation warnings.
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// Summary returns a summary of the validation result.
func (vr *ValidationResult) Summary() string {
	if vr.Valid && !vr.HasWarnings() {
		return fmt.Sprintf("Valid (confidence: %.2f)", vr.Confidence)
	}

	var parts []string
	if !vr.Valid {
		parts = append(parts, fmt.Sprintf("%d errors", len(vr.Errors)))
	}
	if vr.HasWarnings() {
		parts = append(parts, fmt.Sprintf("%d warnings", len(vr.Warnings)))
	}

	return fmt.Sprintf("%s (confidence: %.2f)", strings.Join(parts, ", "), vr.Confidence)
}

// ReadingRule checks one inverter reading.
type ReadingRule struct {
	Name  string
	Level ValidationLevel
	Check func(r *domain.InverterReading) *ValidationError
}

// IdentityRule checks the ECU system info.
type IdentityRule struct {
	Name  string
	Level ValidationLevel
	Check func(id *domain.EcuIdentity) *ValidationError
}

// Validator applies the rules up to its level. Findings never block values
// from reaching the sink; they are logged and counted.
type Validator struct {
	level         ValidationLevel
	readingRules  []*ReadingRule
	identityRules []*IdentityRule
	logger        zerolog.Logger

	validationsPerformed atomic.Int64
	errorsFound          atomic.Int64
	warningsFound        atomic.Int64
}

// NewValidator creates a validator with the default rules.
func NewValidator(level ValidationLevel, logger zerolog.Logger) *Validator {
	v := &Validator{
		level:  level,
		logger: logger.With().Str("component", "validator").Logger(),
	}
	v.registerDefaultRules()
	return v
}

// ValidateReading checks a decoded inverter reading.
func (v *Validator) ValidateReading(r *domain.InverterReading) *ValidationResult {
	v.validationsPerformed.Add(1)
	result := newResult()

	for _, rule := range v.readingRules {
		if rule.Level <= v.level {
			if err := rule.Check(r); err != nil {
				err.Rule = rule.Name
				v.add(result, err)
			}
		}
	}

	if !result.Valid || result.HasWarnings() {
		v.logger.Warn().
			Str("inverter", r.ID).
			Str("summary", result.Summary()).
			Msg("Implausible inverter reading")
	}
	return result
}

// ValidateIdentity checks decoded system info.
func (v *Validator) ValidateIdentity(id *domain.EcuIdentity) *ValidationResult {
	v.validationsPerformed.Add(1)
	result := newResult()

	for _, rule := range v.identityRules {
		if rule.Level <= v.level {
			if err := rule.Check(id); err != nil {
				err.Rule = rule.Name
				v.add(result, err)
			}
		}
	}

	if !result.Valid || result.HasWarnings() {
		v.logger.Warn().Str("summary", result.Summary()).Msg("Implausible ECU system info")
	}
	return result
}

// AddReadingRule adds a custom reading rule.
func (v *Validator) AddReadingRule(rule *ReadingRule) {
	v.readingRules = append(v.readingRules, rule)
}

// GetStatistics returns validation statistics.
func (v *Validator) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"validations_performed": v.validationsPerformed.Load(),
		"errors_found":          v.errorsFound.Load(),
		"warnings_found":        v.warningsFound.Load(),
		"validation_level":      v.level.String(),
	}
}

func newResult() *ValidationResult {
	return &ValidationResult{Valid: true, Confidence: 1.0}
}

func (v *Validator) add(result *ValidationResult, err *ValidationError) {
	if err.Severity == SeverityWarning {
		result.Warnings = append(result.Warnings, err)
		v.warningsFound.Add(1)
		result.Confidence *= 0.95
		return
	}
	result.Errors = append(result.Errors, err)
	v.errorsFound.Add(1)
	result.Valid = false
	result.Confidence *= 0.5
}

func outOfRange(field, severity string, value, lo, hi float64) *ValidationError {
	if value >= lo && value <= hi {
		return nil
	}
	return &ValidationError{
		Severity: severity,
		Field:    field,
		Message:  fmt.Sprintf("%g outside [%g, %g]", value, lo, hi),
		Value:    value,
	}
}

func (v *Validator) registerDefaultRules() {
	v.readingRules = []*ReadingRule{
		{
			Name:  "grid_frequency",
			Level: ValidationLevelBasic,
			Check: func(r *domain.InverterReading) *ValidationError {
				if !r.Online {
					return nil
				}
				return outOfRange("frequency", SeverityWarning, r.Frequency, 45, 65)
			},
		},
		{
			Name:  "temperature",
			Level: ValidationLevelStandard,
			Check: func(r *domain.InverterReading) *ValidationError {
				return outOfRange("temperature", SeverityWarning, float64(r.Temperature), -40, 100)
			},
		},
		{
			Name:  "ac_voltage",
			Level: ValidationLevelStandard,
			Check: func(r *domain.InverterReading) *ValidationError {
				if !r.Online {
					return nil
				}
				for i, volt := range r.ACVoltage {
					if err := outOfRange(fmt.Sprintf("ac_voltage[%d]", i), SeverityWarning, float64(volt), 180, 280); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name:  "ac_voltage_tolerance",
			Level: ValidationLevelStrict,
			Check: func(r *domain.InverterReading) *ValidationError {
				if !r.Online {
					return nil
				}
				for i, volt := range r.ACVoltage {
					// EN 50160: 230 V +/- 10 %
					if err := outOfRange(fmt.Sprintf("ac_voltage[%d]", i), SeverityWarning, float64(volt), 207, 253); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name:  "dc_power",
			Level: ValidationLevelStandard,
			Check: func(r *domain.InverterReading) *ValidationError {
				for i, p := range r.DCPower {
					if err := outOfRange(fmt.Sprintf("dc_power%d", i+1), SeverityError, float64(p), 0, 1000); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}

	v.identityRules = []*IdentityRule{
		{
			Name:  "inverter_count",
			Level: ValidationLevelBasic,
			Check: func(id *domain.EcuIdentity) *ValidationError {
				if id.InvertersOnline > id.Inverters {
					return &ValidationError{
						Severity: SeverityError,
						Field:    "inverters_online",
						Message:  fmt.Sprintf("%d online of %d configured", id.InvertersOnline, id.Inverters),
						Value:    id.InvertersOnline,
					}
				}
				return nil
			},
		},
		{
			Name:  "firmware_version",
			Level: ValidationLevelStandard,
			Check: func(id *domain.EcuIdentity) *ValidationError {
				if id.Version == "" {
					return &ValidationError{
						Severity: SeverityWarning,
						Field:    "version",
						Message:  "empty firmware version",
					}
				}
				return nil
			},
		},
	}
}
