// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/resident-x/go-apsecu/internal/domain"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/apsecu_states.yaml
var statesYAML []byte

const (
	componentSensor       = "sensor"
	componentBinarySensor = "binary_sensor"
	categoryDiagnostic    = "diagnostic"
	uniquePrefix          = "apsecu"
)

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	DiscoveryPrefix    string
	DeviceName         string
	DeviceManufacturer string
	RetainDiscovery    bool
	IncludeDiagnostic  bool
}

// StateConfig describes one state of the catalog.
type StateConfig struct {
	Name              string `yaml:"name"`
	Component         string `yaml:"component,omitempty"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Category          string `yaml:"category"`
	Icon              string `yaml:"icon,omitempty"`
}

// VariantConfig holds the channel counts of a hardware family.
type VariantConfig struct {
	Model      string `yaml:"model"`
	DCChannels int    `yaml:"dc_channels"`
	ACPhases   int    `yaml:"ac_phases"`
}

// Catalog is the full state catalog loaded from the embedded YAML.
type Catalog struct {
	Version     string                   `yaml:"version"`
	Description string                   `yaml:"description"`
	ECU         map[string]StateConfig   `yaml:"ecu"`
	Inverter    map[string]StateConfig   `yaml:"inverter"`
	Channels    map[string]StateConfig   `yaml:"channels"`
	Variants    map[string]VariantConfig `yaml:"variants"`
}

// LoadCatalog parses the embedded state catalog.
func LoadCatalog() (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(statesYAML, &catalog); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state catalog: %w", err)
	}
	if len(catalog.ECU) == 0 || len(catalog.Inverter) == 0 {
		return nil, fmt.Errorf("state catalog %q has no states", catalog.Version)
	}
	return &catalog, nil
}

// InverterStates returns the states an inverter of the given variant exposes,
// keyed by the suffix below its registry prefix.
func (c *Catalog) InverterStates(variant domain.Variant) map[string]StateConfig {
	states := make(map[string]StateConfig, len(c.Inverter)+8)
	for key, state := range c.Inverter {
		states[key] = state
	}

	layout, ok := c.Variants[variant.String()]
	if !ok {
		return states
	}
	if dc, ok := c.Channels["dc_power"]; ok {
		for i := 1; i <= layout.DCChannels; i++ {
			states[fmt.Sprintf("dc_power%d", i)] = channelState(dc, i)
		}
	}
	if ac, ok := c.Channels["ac_voltage"]; ok {
		if layout.ACPhases == 1 {
			ac.Name = strings.TrimSpace(strings.ReplaceAll(ac.Name, "%d", ""))
			states["ac_voltage"] = ac
		} else {
			for i := 1; i <= layout.ACPhases; i++ {
				states[fmt.Sprintf("ac_voltage%d", i)] = channelState(ac, i)
			}
		}
	}
	return states
}

func channelState(state StateConfig, index int) StateConfig {
	state.Name = fmt.Sprintf(state.Name, index)
	return state
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	PayloadOn           string     `json:"payload_on,omitempty"`
	PayloadOff          string     `json:"payload_off,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// AutoDiscovery builds Home Assistant discovery messages for the ECU and
// its inverters.
type AutoDiscovery struct {
	config    Config
	catalog   *Catalog
	baseTopic string
}

// New creates a new Home Assistant auto-discovery instance. baseTopic is the
// topic below which state values are published.
func New(config Config, baseTopic string) (*AutoDiscovery, error) {
	catalog, err := LoadCatalog()
	if err != nil {
		return nil, fmt.Errorf("failed to load state catalog: %w", err)
	}
	if config.DiscoveryPrefix == "" {
		config.DiscoveryPrefix = "homeassistant"
	}

	log.Info().
		Str("component", "homeassistant").
		Str("version", catalog.Version).
		Int("ecu_states", len(catalog.ECU)).
		Int("inverter_states", len(catalog.Inverter)).
		Msg("Home Assistant state catalog loaded")

	return &AutoDiscovery{
		config:    config,
		catalog:   catalog,
		baseTopic: strings.TrimSuffix(baseTopic, "/"),
	}, nil
}

// Catalog returns the loaded state catalog.
func (ad *AutoDiscovery) Catalog() *Catalog {
	return ad.catalog
}

// StateTopic maps a dotted state path to its MQTT topic.
func (ad *AutoDiscovery) StateTopic(path string) string {
	return StateTopic(ad.baseTopic, path)
}

// StateTopic maps a dotted state path below baseTopic.
func StateTopic(baseTopic, path string) string {
	return baseTopic + "/" + strings.ReplaceAll(path, ".", "/")
}

// GetAvailabilityTopic returns the availability topic of the bridge.
func (ad *AutoDiscovery) GetAvailabilityTopic() string {
	return ad.baseTopic + "/availability"
}

// CreateAvailabilityMessage returns the availability payload.
func (ad *AutoDiscovery) CreateAvailabilityMessage(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// EcuMessages returns the discovery messages of the ECU device keyed by topic.
func (ad *AutoDiscovery) EcuMessages(identity *domain.EcuIdentity) map[string]DiscoveryMessage {
	device := DeviceInfo{
		Identifiers:  []string{deviceIdentifier(identity.ID)},
		Name:         ad.config.DeviceName,
		Manufacturer: ad.config.DeviceManufacturer,
		Model:        "ECU " + identity.Model,
		SwVersion:    identity.Version,
	}

	messages := make(map[string]DiscoveryMessage, len(ad.catalog.ECU))
	for path, state := range ad.catalog.ECU {
		if !ad.include(state) {
			continue
		}
		objectID := strings.ReplaceAll(path, ".", "_")
		topic, message := ad.createDiscoveryMessage(identity.ID, objectID, path, state, device)
		messages[topic] = message
	}
	return messages
}

// InverterMessages returns the discovery messages of one inverter keyed by
// topic. The inverter device is linked to the ECU device.
func (ad *AutoDiscovery) InverterMessages(ecuID string, entry domain.InverterEntry) map[string]DiscoveryMessage {
	model := strings.ToUpper(entry.VariantName)
	if layout, ok := ad.catalog.Variants[entry.VariantName]; ok {
		model = layout.Model
	}
	device := DeviceInfo{
		Identifiers:  []string{deviceIdentifier(entry.ID)},
		Name:         fmt.Sprintf("%s %s", model, entry.ID),
		Manufacturer: ad.config.DeviceManufacturer,
		Model:        model,
	}
	if ecuID != "" {
		device.ViaDevice = deviceIdentifier(ecuID)
	}

	states := ad.catalog.InverterStates(entry.Variant)
	messages := make(map[string]DiscoveryMessage, len(states))
	for suffix, state := range states {
		if !ad.include(state) {
			continue
		}
		topic, message := ad.createDiscoveryMessage(entry.ID, suffix, entry.Prefix+"."+suffix, state, device)
		messages[topic] = message
	}
	return messages
}

func (ad *AutoDiscovery) include(state StateConfig) bool {
	return ad.config.IncludeDiagnostic || state.Category != categoryDiagnostic
}

func (ad *AutoDiscovery) createDiscoveryMessage(deviceID, objectID, path string, state StateConfig, device DeviceInfo) (string, DiscoveryMessage) {
	component := state.Component
	if component == "" {
		component = componentSensor
	}

	message := DiscoveryMessage{
		Name:                state.Name,
		UniqueID:            fmt.Sprintf("%s_%s_%s", uniquePrefix, deviceID, objectID),
		StateTopic:          ad.StateTopic(path),
		DeviceClass:         state.DeviceClass,
		UnitOfMeasurement:   state.UnitOfMeasurement,
		StateClass:          state.StateClass,
		Icon:                state.Icon,
		Device:              device,
		AvailabilityTopic:   ad.GetAvailabilityTopic(),
		PayloadAvailable:    ad.CreateAvailabilityMessage(true),
		PayloadNotAvailable: ad.CreateAvailabilityMessage(false),
	}
	if state.Category == categoryDiagnostic {
		message.EntityCategory = categoryDiagnostic
	}
	if component == componentBinarySensor {
		message.PayloadOn = "true"
		message.PayloadOff = "false"
	} else {
		message.ValueTemplate = "{{ value_json }}"
	}

	nodeID := deviceIdentifier(deviceID)
	topic := fmt.Sprintf("%s/%s/%s/%s/config", ad.config.DiscoveryPrefix, component, nodeID, strings.ToLower(objectID))
	return topic, message
}

func deviceIdentifier(id string) string {
	return strings.ToLower(uniquePrefix + "_" + id)
}

// SortedTopics returns the topics of messages in lexical order.
func SortedTopics(messages map[string]DiscoveryMessage) []string {
	topics := make([]string, 0, len(messages))
	for topic := range messages {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
