// Package config provides configuration management for the go-apsecu application.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// MinPollInterval is the lower bound for the delay between two polling cycles.
const MinPollInterval = 10 * time.Second

const clockLayout = "15:04"

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`
	TimeZone string `mapstructure:"timezone"`

	// ECU connection settings
	ECU struct {
		Host                 string `mapstructure:"host"`
		Port                 int    `mapstructure:"port"`
		PollIntervalSeconds  int    `mapstructure:"poll_interval_seconds"`
		ResponseTimeoutMs    int    `mapstructure:"response_timeout_ms"`
		SocketTimeoutSeconds int    `mapstructure:"socket_timeout_seconds"`
		MaxStepRetries       int    `mapstructure:"max_step_retries"`
		MaxIdentityAttempts  int    `mapstructure:"max_identity_attempts"`
		Terminator           string `mapstructure:"terminator"`
		MaskEcuID            bool   `mapstructure:"mask_ecu_id"`
		Autostart            bool   `mapstructure:"autostart"`
		ConnectRatePerMinute int    `mapstructure:"connect_rate_per_minute"`
		ConnectBurst         int    `mapstructure:"connect_burst"`
		ValidationLevel      string `mapstructure:"validation_level"`
	} `mapstructure:"ecu"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		ClientID string `mapstructure:"client_id"`
		Topic    string `mapstructure:"topic"`
		Retain   bool   `mapstructure:"retain"`
		// Subscribe to <topic>/cmd/+ and forward to the engine.
		AcceptCommands bool `mapstructure:"accept_commands"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled            bool   `mapstructure:"enabled"`
			DiscoveryPrefix    string `mapstructure:"discovery_prefix"`
			DeviceName         string `mapstructure:"device_name"`
			DeviceManufacturer string `mapstructure:"device_manufacturer"`
			RetainDiscovery    bool   `mapstructure:"retain_discovery"`
			IncludeDiagnostic  bool   `mapstructure:"include_diagnostic"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// PVOutput settings
	PVOutput struct {
		Enabled            bool   `mapstructure:"enabled"`
		URL                string `mapstructure:"url"`
		APIKey             string `mapstructure:"api_key"`
		SystemID           string `mapstructure:"system_id"`
		DisableEnergyToday bool   `mapstructure:"disable_energy_today"`
		UpdateLimitMinutes int    `mapstructure:"update_limit_minutes"`
	} `mapstructure:"pvoutput"`

	// Daily polling window
	Schedule struct {
		Enabled             bool   `mapstructure:"enabled"`
		Start               string `mapstructure:"start"`
		Stop                string `mapstructure:"stop"`
		CheckIntervalSecond int    `mapstructure:"check_interval_seconds"`
	} `mapstructure:"schedule"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
		TimeZone: "UTC",
	}

	// Default ECU settings
	cfg.ECU.Host = ""
	cfg.ECU.Port = 8899
	cfg.ECU.PollIntervalSeconds = 75
	cfg.ECU.ResponseTimeoutMs = 3000
	cfg.ECU.SocketTimeoutSeconds = 30
	cfg.ECU.MaxStepRetries = 1
	cfg.ECU.MaxIdentityAttempts = 3
	cfg.ECU.Terminator = "lf"
	cfg.ECU.MaskEcuID = false
	cfg.ECU.Autostart = true
	cfg.ECU.ConnectRatePerMinute = 6
	cfg.ECU.ConnectBurst = 2
	cfg.ECU.ValidationLevel = "standard"

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default MQTT settings
	cfg.MQTT.Enabled = false
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.ClientID = "go-apsecu"
	cfg.MQTT.Topic = "energy/apsystems"
	cfg.MQTT.Retain = false
	cfg.MQTT.AcceptCommands = true

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName = "APsystems ECU"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "APsystems"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true
	cfg.MQTT.HomeAssistantAutoDiscovery.IncludeDiagnostic = true

	// Default PVOutput settings
	cfg.PVOutput.Enabled = false
	cfg.PVOutput.URL = "https://pvoutput.org/service/r2/addstatus.jsp"
	cfg.PVOutput.UpdateLimitMinutes = 5

	// Default schedule: poll around the clock
	cfg.Schedule.Enabled = false
	cfg.Schedule.Start = "05:00"
	cfg.Schedule.Stop = "22:30"
	cfg.Schedule.CheckIntervalSecond = 30

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// APSECU_ECU_HOST etc.
	v.SetEnvPrefix("APSECU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.ECU.Port <= 0 || c.ECU.Port > 65535 {
		return fmt.Errorf("ecu.port out of range: %d", c.ECU.Port)
	}
	if c.ECU.ResponseTimeoutMs <= 0 {
		return fmt.Errorf("ecu.response_timeout_ms must be positive")
	}
	if c.ECU.MaxStepRetries < 0 {
		return fmt.Errorf("ecu.max_step_retries must not be negative")
	}
	if c.ECU.MaxIdentityAttempts < 1 {
		return fmt.Errorf("ecu.max_identity_attempts must be at least 1")
	}
	if _, err := ParseTerminator(c.ECU.Terminator); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.TimeZone, err)
	}
	if c.Schedule.Enabled {
		_, startErr := time.Parse(clockLayout, c.Schedule.Start)
		_, stopErr := time.Parse(clockLayout, c.Schedule.Stop)
		if startErr != nil || stopErr != nil {
			return fmt.Errorf("schedule window must be HH:MM, got %q-%q", c.Schedule.Start, c.Schedule.Stop)
		}
	}
	return nil
}

// PollInterval returns the configured cycle interval, never below MinPollInterval.
func (c *Config) PollInterval() time.Duration {
	d := time.Duration(c.ECU.PollIntervalSeconds) * time.Second
	if d < MinPollInterval {
		return MinPollInterval
	}
	return d
}

// ResponseTimeout returns the watchdog timeout.
func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.ECU.ResponseTimeoutMs) * time.Millisecond
}

// SocketTimeout returns the idle read timeout of the ECU connection.
func (c *Config) SocketTimeout() time.Duration {
	if c.ECU.SocketTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ECU.SocketTimeoutSeconds) * time.Second
}

// Location returns the configured time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseTerminator maps a terminator name to the bytes appended to each request.
func ParseTerminator(name string) (string, error) {
	switch strings.ToLower(name) {
	case "", "lf":
		return "\n", nil
	case "crlf":
		return "\r\n", nil
	case "cr":
		return "\r", nil
	default:
		return "", fmt.Errorf("unknown ecu.terminator %q (want lf, crlf or cr)", name)
	}
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-apsecu Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Str("timezone", c.TimeZone).Msg("Timezone")

	logger.Info().
		Str("host", c.ECU.Host).
		Int("port", c.ECU.Port).
		Dur("poll_interval", c.PollInterval()).
		Dur("response_timeout", c.ResponseTimeout()).
		Str("terminator", c.ECU.Terminator).
		Bool("autostart", c.ECU.Autostart).
		Msg("ECU")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Bool("accept_commands", c.MQTT.AcceptCommands).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.PVOutput.Enabled).Msg("PVOutput Enabled")
	if c.PVOutput.Enabled {
		logger.Info().
			Str("system_id", c.PVOutput.SystemID).
			Int("update_limit_minutes", c.PVOutput.UpdateLimitMinutes).
			Msg("PVOutput Configuration")
	}

	logger.Info().Bool("enabled", c.Schedule.Enabled).
		Str("start", c.Schedule.Start).
		Str("stop", c.Schedule.Stop).
		Msg("Schedule")

	logger.Info().Msg("-----------------------------")
}
