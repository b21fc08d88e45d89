// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ffutop/modbus-master/internal/fault"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

// EnvPrefix is prepended to environment overrides, e.g. MODBUSMASTER_LOG_LEVEL.
const EnvPrefix = "MODBUSMASTER"

// Config defines the global configuration structure
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Ports  []PortConfig `mapstructure:"ports"`
	Faults FaultsConfig `mapstructure:"faults"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	File   string `mapstructure:"file"`   // Log file path, empty or "-" for stderr
	Format string `mapstructure:"format"` // console, json
}

// PortConfig defines one master port
type PortConfig struct {
	ID     int    `mapstructure:"id"`
	Device string `mapstructure:"device"`
	Driver string `mapstructure:"driver"` // "serial", "loopback", "rtu-over-tcp"

	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	Parity   string `mapstructure:"parity"`
	StopBits int    `mapstructure:"stop_bits"`

	Timeout      time.Duration `mapstructure:"timeout"` // Per attempt
	MaxRetries   *int          `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`

	RxBuffer int `mapstructure:"rx_buffer"`
	TxBuffer int `mapstructure:"tx_buffer"`

	Direction DirectionConfig `mapstructure:"direction"`

	// Simulate lists the slave IDs answering on a loopback port, e.g. "1,5-7".
	Simulate string `mapstructure:"simulate"`
}

// DirectionConfig selects how the half-duplex transceiver is switched
type DirectionConfig struct {
	Mode string `mapstructure:"mode"` // "none", "rs485", "gpio"

	// rs485
	DelayBeforeSend time.Duration `mapstructure:"delay_before_send"`
	DelayAfterSend  time.Duration `mapstructure:"delay_after_send"`
	RxDuringTx      bool          `mapstructure:"rx_during_tx"`

	// gpio
	Chip      string `mapstructure:"chip"`
	Line      int    `mapstructure:"line"`
	ActiveLow bool   `mapstructure:"active_low"`
}

// FaultsConfig defines where failed transactions are recorded
type FaultsConfig struct {
	Storage string           `mapstructure:"storage"` // "memory", "file", "mmap"
	Path    string           `mapstructure:"path"`    // File path for "file/mmap" type
	MQTT    fault.MQTTConfig `mapstructure:"mqtt"`
}

// LoadConfig loads configuration from file. With no explicit file, a missing
// config.yaml is not an error and an empty configuration is returned.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbusmaster/")
		v.AddConfigPath("$HOME/.modbusmaster")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("faults.storage", "memory")
	v.SetDefault("faults.path", "")
	v.SetDefault("faults.mqtt.broker", "")
	v.SetDefault("faults.mqtt.topic", "modbus-master/faults")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.Log.Level = strings.ToLower(config.Log.Level)
	config.Faults.Storage = strings.ToLower(config.Faults.Storage)
	for i := range config.Ports {
		fixupPort(&config.Ports[i])
	}
	return &config, nil
}

func fixupPort(p *PortConfig) {
	switch p.Parity = strings.ToUpper(p.Parity); p.Parity {
	case "NONE", "EVEN", "ODD":
		p.Parity = p.Parity[:1]
	}
	p.Driver = strings.ToLower(p.Driver)
	p.Direction.Mode = strings.ToLower(p.Direction.Mode)
	if p.Timeout == 0 {
		p.Timeout = transport.DefaultResponseTimeout
	}
	if p.MaxRetries == nil {
		n := transport.DefaultMaxRetries
		p.MaxRetries = &n
	}
}

// PortConfigs converts the ports section into validated transport configurations.
func (c *Config) PortConfigs() ([]transport.PortConfig, error) {
	out := make([]transport.PortConfig, 0, len(c.Ports))
	seen := make(map[int]bool)
	for i, p := range c.Ports {
		if seen[p.ID] {
			return nil, fmt.Errorf("ports[%d]: %w: port %d configured twice", i, modbus.StatusInvalidParameter, p.ID)
		}
		seen[p.ID] = true
		pc, err := p.Transport()
		if err != nil {
			return nil, fmt.Errorf("ports[%d]: %w", i, err)
		}
		out = append(out, pc)
	}
	return out, nil
}

// Transport converts p into a transport.PortConfig with defaults applied and validates it.
func (p PortConfig) Transport() (transport.PortConfig, error) {
	if p.ID < 0 || p.ID >= int(transport.MaxPorts) {
		return transport.PortConfig{}, fmt.Errorf("%w: port id %d out of range [0, %d)", modbus.StatusInvalidParameter, p.ID, transport.MaxPorts)
	}
	dir, err := p.Direction.decode()
	if err != nil {
		return transport.PortConfig{}, err
	}
	maxRetries := transport.DefaultMaxRetries
	if p.MaxRetries != nil {
		maxRetries = *p.MaxRetries
	}
	pc := transport.PortConfig{
		ID:              transport.PortID(p.ID),
		Device:          p.Device,
		Driver:          transport.DriverKind(p.Driver),
		Direction:       dir,
		BaudRate:        p.BaudRate,
		DataBits:        p.DataBits,
		StopBits:        p.StopBits,
		Parity:          transport.Parity(p.Parity),
		ResponseTimeout: p.Timeout,
		MaxRetries:      maxRetries,
		RetryBackoff:    p.RetryBackoff,
		PollInterval:    p.PollInterval,
		LockTimeout:     p.LockTimeout,
		RxBufferSize:    p.RxBuffer,
		TxBufferSize:    p.TxBuffer,
	}.WithDefaults()
	if err := pc.Validate(); err != nil {
		return transport.PortConfig{}, err
	}
	if p.Simulate != "" && pc.Driver != transport.DriverLoopback {
		return transport.PortConfig{}, fmt.Errorf("%w: %s: simulate requires the loopback driver", modbus.StatusInvalidParameter, pc.ID)
	}
	return pc, nil
}

// decode maps the direction section onto the tagged variants. Fields that
// belong to another mode are rejected rather than ignored.
func (d DirectionConfig) decode() (transport.Direction, error) {
	gpioSet := d.Chip != "" || d.Line != 0 || d.ActiveLow
	rs485Set := d.DelayBeforeSend != 0 || d.DelayAfterSend != 0 || d.RxDuringTx

	switch d.Mode {
	case "", "none":
		if gpioSet || rs485Set {
			return nil, fmt.Errorf("%w: direction mode none takes no settings", modbus.StatusInvalidParameter)
		}
		return transport.NoDirection{}, nil
	case "rs485":
		if gpioSet {
			return nil, fmt.Errorf("%w: gpio settings given for direction mode rs485", modbus.StatusInvalidParameter)
		}
		return transport.KernelRS485{
			DelayBeforeSend: d.DelayBeforeSend,
			DelayAfterSend:  d.DelayAfterSend,
			RxDuringTx:      d.RxDuringTx,
		}, nil
	case "gpio":
		if rs485Set {
			return nil, fmt.Errorf("%w: rs485 settings given for direction mode gpio", modbus.StatusInvalidParameter)
		}
		if d.Line < 0 {
			return nil, fmt.Errorf("%w: gpio line %d", modbus.StatusInvalidParameter, d.Line)
		}
		return transport.GPIODirection{
			Chip:      d.Chip,
			Line:      d.Line,
			ActiveLow: d.ActiveLow,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown direction mode %q", modbus.StatusInvalidParameter, d.Mode)
	}
}

// Simulated returns the slave IDs to attach to each loopback port.
func (c *Config) Simulated() (map[transport.PortID][]byte, error) {
	out := make(map[transport.PortID][]byte)
	for _, p := range c.Ports {
		if p.Simulate == "" {
			continue
		}
		ids, err := ParseSlaveIDs(p.Simulate)
		if err != nil {
			return nil, fmt.Errorf("port %d: simulate: %w", p.ID, err)
		}
		out[transport.PortID(p.ID)] = ids
	}
	return out, nil
}

// ParseSlaveIDs parses a string of slave IDs (e.g. "1,2,5-10") into a slice of bytes.
// Only unicast addresses (1-247) are accepted.
func ParseSlaveIDs(input string) ([]byte, error) {
	var ids []byte
	parts := strings.Split(input, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			// Range
			ranges := strings.Split(part, "-")
			if len(ranges) != 2 {
				return nil, fmt.Errorf("invalid range: %s", part)
			}
			start, err := strconv.Atoi(strings.TrimSpace(ranges[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid start of range: %w", err)
			}
			end, err := strconv.Atoi(strings.TrimSpace(ranges[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid end of range: %w", err)
			}
			if start > end {
				return nil, fmt.Errorf("start of range %d is greater than end %d", start, end)
			}
			if err := checkSlaveID(start); err != nil {
				return nil, err
			}
			if err := checkSlaveID(end); err != nil {
				return nil, err
			}
			for i := start; i <= end; i++ {
				ids = append(ids, byte(i))
			}
		} else {
			// Single
			id, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid id: %w", err)
			}
			if err := checkSlaveID(id); err != nil {
				return nil, err
			}
			ids = append(ids, byte(id))
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no slave ids in %q", input)
	}
	return ids, nil
}

func checkSlaveID(id int) error {
	if id < modbus.MinSlaveID || id > modbus.MaxSlaveID {
		return fmt.Errorf("id out of range: %d", id)
	}
	return nil
}
