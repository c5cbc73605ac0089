// Package pubsub provides the state sinks the engine writes decoded values to.
package pubsub

import (
	"context"
	"sync"

	"github.com/resident-x/go-apsecu/internal/domain"
)

// NoopSink discards every value.
type NoopSink struct{}

// NewNoopSink creates a new no-operation sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

// SetValue is a no-op for the NoopSink.
func (s *NoopSink) SetValue(_ string, _ interface{}, _ bool) error {
	return nil
}

// GetValue never finds a value.
func (s *NoopSink) GetValue(_ string) (interface{}, bool) {
	return nil, false
}

// Values returns an empty map.
func (s *NoopSink) Values() map[string]interface{} {
	return map[string]interface{}{}
}

// DeclareEcu is a no-op for the NoopSink.
func (s *NoopSink) DeclareEcu(_ context.Context, _ *domain.EcuIdentity) error {
	return nil
}

// DeclareInverter is a no-op for the NoopSink.
func (s *NoopSink) DeclareInverter(_ context.Context, _ domain.InverterEntry) error {
	return nil
}

// MemorySink keeps the last value of every path in memory.
type MemorySink struct {
	mutex     sync.RWMutex
	values    map[string]interface{}
	acked     map[string]bool
	ecus      []string
	inverters []string
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		values: make(map[string]interface{}),
		acked:  make(map[string]bool),
	}
}

// SetValue stores value under path.
func (s *MemorySink) SetValue(path string, value interface{}, ack bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.values[path] = value
	s.acked[path] = ack
	return nil
}

// GetValue returns the last value stored under path.
func (s *MemorySink) GetValue(path string) (interface{}, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	value, ok := s.values[path]
	return value, ok
}

// Acked reports whether the last write to path was acknowledged.
func (s *MemorySink) Acked(path string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.acked[path]
}

// Values returns a copy of all stored values.
func (s *MemorySink) Values() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	values := make(map[string]interface{}, len(s.values))
	for path, value := range s.values {
		values[path] = value
	}
	return values
}

// DeclareEcu records the declared ECU id.
func (s *MemorySink) DeclareEcu(_ context.Context, identity *domain.EcuIdentity) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ecus = append(s.ecus, identity.ID)
	return nil
}

// DeclareInverter records the declared inverter id.
func (s *MemorySink) DeclareInverter(_ context.Context, entry domain.InverterEntry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.inverters = append(s.inverters, entry.ID)
	return nil
}

// Declared returns the declared ECU and inverter ids in declaration order.
func (s *MemorySink) Declared() (ecus []string, inverters []string) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ecus = append([]string(nil), s.ecus...)
	inverters = append([]string(nil), s.inverters...)
	return ecus, inverters
}
