package protocol

import (
	"fmt"

	"github.com/resident-x/go-apsecu/internal/domain"
)

type fieldKind int

const (
	fieldPower fieldKind = iota
	fieldVoltage
)

// recordLayout describes the variant specific tail of a RealTimeData inverter
// record, following the common frequency and temperature fields.
type recordLayout struct {
	fields []fieldKind
}

// size is the byte width of frequency, temperature and the variant fields.
func (l recordLayout) size() int {
	return 4 + 2*len(l.fields)
}

// Layouts keyed by the 2-digit type code of the record.
var layouts = map[string]recordLayout{
	// YC600, DS3: two channels, one AC voltage per channel
	"01": {fields: []fieldKind{fieldPower, fieldVoltage, fieldPower, fieldVoltage}},
	// YC1000: four channels, three AC phases
	"02": {fields: []fieldKind{fieldPower, fieldVoltage, fieldPower, fieldVoltage, fieldPower, fieldVoltage, fieldPower}},
	// QS1: four channels, one AC voltage
	"03": {fields: []fieldKind{fieldPower, fieldVoltage, fieldPower, fieldPower, fieldPower}},
}

var variantTypeCodes = map[domain.Variant]string{
	domain.VariantYC600:  "01",
	domain.VariantDS3:    "01",
	domain.VariantYC1000: "02",
	domain.VariantQS1:    "03",
}

// VariantFromID derives the hardware variant from the type-prefix nibble,
// the first digit of the inverter id.
func VariantFromID(id string) domain.Variant {
	if id == "" {
		return domain.VariantUnknown
	}
	switch id[0] {
	case '4':
		return domain.VariantYC1000
	case '5':
		return domain.VariantYC600
	case '7':
		return domain.VariantDS3
	case '8':
		return domain.VariantQS1
	default:
		return domain.VariantUnknown
	}
}

// decodeInverterFields fills the measurement fields of reading from rec,
// which holds exactly layout.size() bytes.
func decodeInverterFields(reading *domain.InverterReading, layout recordLayout, rec []byte) error {
	buf := NewBuffer(rec)

	freq, err := buf.Uint(2)
	if err != nil {
		return err
	}
	temp, err := buf.Uint(2)
	if err != nil {
		return err
	}
	reading.Frequency = float64(freq) / 10
	reading.Temperature = int(temp) - 100

	for _, kind := range layout.fields {
		v, err := buf.Uint(2)
		if err != nil {
			return err
		}
		switch kind {
		case fieldPower:
			reading.DCPower = append(reading.DCPower, int(v))
		case fieldVoltage:
			reading.ACVoltage = append(reading.ACVoltage, int(v))
		}
	}
	return nil
}

func checkVariant(variant domain.Variant, typeCode string) error {
	want, ok := variantTypeCodes[variant]
	if !ok {
		return ErrUnknownVariant
	}
	if want != typeCode {
		return fmt.Errorf("%w: %s reported with type code %s", ErrUnknownVariant, variant, typeCode)
	}
	return nil
}
