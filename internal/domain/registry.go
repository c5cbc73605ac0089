// Package domain provides core domain implementations.
package domain

import (
	"fmt"
	"sync"
	"time"
)

// InverterEntry is the registry record of one inverter behind the ECU.
type InverterEntry struct {
	ID          string           `json:"id"`
	Variant     Variant          `json:"-"`
	VariantName string           `json:"variant"`
	Prefix      string           `json:"prefix"`
	FirstSeen   time.Time        `json:"first_seen"`
	LastContact time.Time        `json:"last_contact"`
	Reading     *InverterReading `json:"reading,omitempty"`
	Signal      *SignalLevel     `json:"signal,omitempty"`
}

// InverterRegistry maps inverter ids to their record prefix. Entries are
// created on first sighting in a RealTimeData response and never removed.
type InverterRegistry struct {
	inverters map[string]*InverterEntry
	order     []string
	mutex     sync.RWMutex
}

// NewInverterRegistry creates a new, empty registry.
func NewInverterRegistry() *InverterRegistry {
	return &InverterRegistry{
		inverters: make(map[string]*InverterEntry),
	}
}

// InverterPrefix returns the state path prefix of an inverter.
func InverterPrefix(variant Variant, id string) string {
	return fmt.Sprintf("inverters.%s_%s", variant, id)
}

// Ensure returns the entry for id, creating it when unknown. The prefix of an
// existing entry is kept even if a later response reports another variant.
func (r *InverterRegistry) Ensure(id string, variant Variant) (InverterEntry, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if entry, exists := r.inverters[id]; exists {
		return entry.snapshot(), false
	}

	now := time.Now()
	entry := &InverterEntry{
		ID:          id,
		Variant:     variant,
		VariantName: variant.String(),
		Prefix:      InverterPrefix(variant, id),
		FirstSeen:   now,
		LastContact: now,
	}
	r.inverters[id] = entry
	r.order = append(r.order, id)

	return entry.snapshot(), true
}

// Get retrieves a copy of the entry for id.
func (r *InverterRegistry) Get(id string) (InverterEntry, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entry, exists := r.inverters[id]
	if !exists {
		return InverterEntry{}, false
	}
	return entry.snapshot(), true
}

// UpdateReading stores the latest real-time reading of a known inverter.
func (r *InverterRegistry) UpdateReading(reading InverterReading) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, exists := r.inverters[reading.ID]
	if !exists {
		return fmt.Errorf("inverter %s not registered", reading.ID)
	}
	entry.Reading = &reading
	entry.LastContact = time.Now()
	return nil
}

// UpdateSignal stores the latest signal level of a known inverter.
func (r *InverterRegistry) UpdateSignal(level SignalLevel) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, exists := r.inverters[level.ID]
	if !exists {
		return fmt.Errorf("inverter %s not registered", level.ID)
	}
	entry.Signal = &level
	return nil
}

// All returns copies of all entries in registration order.
func (r *InverterRegistry) All() []InverterEntry {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entries := make([]InverterEntry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.inverters[id].snapshot())
	}
	return entries
}

// Len returns the number of registered inverters.
func (r *InverterRegistry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.inverters)
}

func (e *InverterEntry) snapshot() InverterEntry {
	c := *e
	if e.Reading != nil {
		reading := *e.Reading
		reading.DCPower = append([]int(nil), e.Reading.DCPower...)
		reading.ACVoltage = append([]int(nil), e.Reading.ACVoltage...)
		c.Reading = &reading
	}
	if e.Signal != nil {
		signal := *e.Signal
		c.Signal = &signal
	}
	return c
}
