package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/resident-x/go-apsecu/internal/config"
	"github.com/resident-x/go-apsecu/internal/domain"
	"github.com/resident-x/go-apsecu/internal/homeassistant"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// CommandHandler receives commands published to <topic>/cmd/<name>.
type CommandHandler interface {
	OnExternalCommand(name, value string) error
}

// MQTTSink publishes every state value to <topic>/<path with dots as slashes>
// and keeps the last value of each path for GetValue.
type MQTTSink struct {
	config        *config.Config
	client        mqtt.Client
	clientFactory func(*mqtt.ClientOptions) mqtt.Client
	logger        zerolog.Logger
	haDiscovery   *homeassistant.AutoDiscovery

	// declareMutex serialises discovery publishing
	declareMutex sync.Mutex

	mutex      sync.RWMutex
	connected  bool
	values     map[string]interface{}
	handler    CommandHandler
	discovered map[string]bool
	identity   *domain.EcuIdentity
	inverters  map[string]domain.InverterEntry
}

// NewMQTTSink creates a new MQTT sink. Home Assistant discovery is set up
// when enabled in cfg.
func NewMQTTSink(cfg *config.Config) (*MQTTSink, error) {
	s := &MQTTSink{
		config:        cfg,
		clientFactory: mqtt.NewClient,
		logger:        log.With().Str("component", "mqtt").Logger(),
		values:        make(map[string]interface{}),
		discovered:    make(map[string]bool),
		inverters:     make(map[string]domain.InverterEntry),
	}

	ha := cfg.MQTT.HomeAssistantAutoDiscovery
	if ha.Enabled {
		discovery, err := homeassistant.New(homeassistant.Config{
			DiscoveryPrefix:    ha.DiscoveryPrefix,
			DeviceName:         ha.DeviceName,
			DeviceManufacturer: ha.DeviceManufacturer,
			RetainDiscovery:    ha.RetainDiscovery,
			IncludeDiagnostic:  ha.IncludeDiagnostic,
		}, cfg.MQTT.Topic)
		if err != nil {
			return nil, fmt.Errorf("failed to setup Home Assistant discovery: %w", err)
		}
		s.haDiscovery = discovery
	}
	return s, nil
}

// SetCommandHandler sets the receiver of <topic>/cmd/<name> messages.
// Commands arriving without a handler are dropped.
func (s *MQTTSink) SetCommandHandler(handler CommandHandler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.handler = handler
}

func (s *MQTTSink) clientOptions() *mqtt.ClientOptions {
	cfg := s.config.MQTT
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("go-apsecu-%d", time.Now().Unix())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWriteTimeout(publishTimeout).
		SetKeepAlive(30*time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetWill(s.availabilityTopic(), "offline", 0, true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return opts
}

// Connect establishes a connection to the MQTT broker.
func (s *MQTTSink) Connect(ctx context.Context) error {
	if !s.config.MQTT.Enabled {
		return nil
	}

	if s.client == nil {
		s.client = s.clientFactory(s.clientOptions())
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	token := s.client.Connect()
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: %w", connectCtx.Err())
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
		}
	}
	return nil
}

// onConnect runs on every (re)connect. Subscriptions are renewed and retained
// state is published again.
func (s *MQTTSink) onConnect(client mqtt.Client) {
	s.logger.Info().Msg("MQTT connection established")

	s.mutex.Lock()
	s.connected = true
	s.discovered = make(map[string]bool)
	s.mutex.Unlock()

	s.publishRaw(client, s.availabilityTopic(), "online", true)
	s.republishValues()

	if s.config.MQTT.AcceptCommands {
		topic := s.config.MQTT.Topic + "/cmd/+"
		token := client.Subscribe(topic, 0, s.handleCommand)
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			s.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe to commands")
		} else {
			s.logger.Info().Str("topic", topic).Msg("Subscribed to commands")
		}
	}

	if s.haDiscovery != nil {
		birthTopic := s.config.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix + "/status"
		token := client.Subscribe(birthTopic, 0, s.handleBirthMessage)
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			s.logger.Warn().Err(token.Error()).Str("topic", birthTopic).Msg("Failed to subscribe to birth message")
		}
		s.redeclare()
	}
}

// Connected reports whether the broker connection is up.
func (s *MQTTSink) Connected() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.connected
}

func (s *MQTTSink) republishValues() {
	for path, value := range s.Values() {
		if err := s.SetValue(path, value, true); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to republish value")
		}
	}
}

func (s *MQTTSink) onConnectionLost(_ mqtt.Client, err error) {
	s.mutex.Lock()
	s.connected = false
	s.mutex.Unlock()
	s.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// handleCommand forwards <topic>/cmd/<name> messages to the command handler.
func (s *MQTTSink) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	name := msg.Topic()[strings.LastIndex(msg.Topic(), "/")+1:]
	value := strings.TrimSpace(string(msg.Payload()))

	s.mutex.RLock()
	handler := s.handler
	s.mutex.RUnlock()
	if handler == nil {
		return
	}

	logger := s.logger.With().Str("command", name).Str("value", value).Logger()
	if err := handler.OnExternalCommand(name, value); err != nil {
		logger.Warn().Err(err).Msg("Command rejected")
		return
	}
	logger.Info().Msg("Command accepted")
}

// handleBirthMessage handles Home Assistant birth messages.
func (s *MQTTSink) handleBirthMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := string(msg.Payload())
	s.logger.Debug().Str("topic", msg.Topic()).Str("payload", payload).Msg("Received Home Assistant birth message")

	if payload != "online" {
		return
	}
	s.logger.Info().Msg("Home Assistant came online, triggering auto-discovery refresh")
	s.mutex.Lock()
	s.discovered = make(map[string]bool)
	s.mutex.Unlock()
	s.redeclare()
}

// redeclare publishes discovery for everything declared so far.
func (s *MQTTSink) redeclare() {
	s.mutex.RLock()
	identity := s.identity
	entries := make([]domain.InverterEntry, 0, len(s.inverters))
	for _, entry := range s.inverters {
		entries = append(entries, entry)
	}
	s.mutex.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if identity != nil {
		if err := s.DeclareEcu(ctx, identity); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to redeclare ECU")
		}
	}
	for _, entry := range entries {
		if err := s.DeclareInverter(ctx, entry); err != nil {
			s.logger.Warn().Err(err).Str("inverter", entry.ID).Msg("Failed to redeclare inverter")
		}
	}
}

// SetValue caches value and publishes it as JSON. Values set while the broker
// is unreachable are only cached.
func (s *MQTTSink) SetValue(path string, value interface{}, _ bool) error {
	s.mutex.Lock()
	s.values[path] = value
	connected := s.connected
	s.mutex.Unlock()

	if !s.config.MQTT.Enabled || !connected {
		return nil
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	return s.publish(context.Background(), homeassistant.StateTopic(s.config.MQTT.Topic, path), payload, s.config.MQTT.Retain)
}

// GetValue returns the last value set for path.
func (s *MQTTSink) GetValue(path string) (interface{}, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	value, ok := s.values[path]
	return value, ok
}

// Values returns a copy of all cached values.
func (s *MQTTSink) Values() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	values := make(map[string]interface{}, len(s.values))
	for path, value := range s.values {
		values[path] = value
	}
	return values
}

// DeclareEcu publishes the Home Assistant discovery messages of the ECU.
func (s *MQTTSink) DeclareEcu(ctx context.Context, identity *domain.EcuIdentity) error {
	snapshot := *identity
	s.mutex.Lock()
	s.identity = &snapshot
	s.mutex.Unlock()

	if s.haDiscovery == nil {
		return nil
	}
	return s.publishDiscovery(ctx, s.haDiscovery.EcuMessages(&snapshot))
}

// DeclareInverter publishes the Home Assistant discovery messages of one inverter.
func (s *MQTTSink) DeclareInverter(ctx context.Context, entry domain.InverterEntry) error {
	s.mutex.Lock()
	s.inverters[entry.ID] = entry
	ecuID := ""
	if s.identity != nil {
		ecuID = s.identity.ID
	}
	s.mutex.Unlock()

	if s.haDiscovery == nil {
		return nil
	}
	return s.publishDiscovery(ctx, s.haDiscovery.InverterMessages(ecuID, entry))
}

func (s *MQTTSink) publishDiscovery(ctx context.Context, messages map[string]homeassistant.DiscoveryMessage) error {
	s.mutex.RLock()
	connected := s.connected
	s.mutex.RUnlock()
	if !connected {
		return nil
	}

	s.declareMutex.Lock()
	defer s.declareMutex.Unlock()

	retain := s.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery
	published := 0
	for _, topic := range homeassistant.SortedTopics(messages) {
		s.mutex.RLock()
		done := s.discovered[topic]
		s.mutex.RUnlock()
		if done {
			continue
		}

		payload, err := json.Marshal(messages[topic])
		if err != nil {
			return fmt.Errorf("failed to marshal discovery message: %w", err)
		}
		if err := s.publish(ctx, topic, payload, retain); err != nil {
			return fmt.Errorf("failed to publish discovery message to %s: %w", topic, err)
		}

		s.mutex.Lock()
		s.discovered[topic] = true
		s.mutex.Unlock()
		published++
	}

	if published > 0 {
		s.logger.Debug().Int("messages", published).Msg("Published Home Assistant discovery")
	}
	return nil
}

func (s *MQTTSink) publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	token := s.client.Publish(topic, 0, retain, payload)
	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish to %s: %w", topic, publishCtx.Err())
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}
	return nil
}

func (s *MQTTSink) publishRaw(client mqtt.Client, topic, payload string, retain bool) {
	token := client.Publish(topic, 0, retain, payload)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		s.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("Publish failed")
	}
}

func (s *MQTTSink) availabilityTopic() string {
	if s.haDiscovery != nil {
		return s.haDiscovery.GetAvailabilityTopic()
	}
	return s.config.MQTT.Topic + "/availability"
}

// Close marks the bridge offline and terminates the connection to the broker.
func (s *MQTTSink) Close() error {
	s.mutex.Lock()
	connected := s.connected
	s.connected = false
	s.mutex.Unlock()

	if s.client != nil && connected {
		s.publishRaw(s.client, s.availabilityTopic(), "offline", true)
		s.client.Disconnect(250)
	}
	return nil
}
