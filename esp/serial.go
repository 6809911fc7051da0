package esp

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.bug.st/serial"
	"gopkg.in/yaml.v3"
)

// SerialConfig holds the UART settings for a module wired to a serial port.
type SerialConfig struct {
	Port     string `yaml:"port" json:"port"`
	Baud     int    `yaml:"baud" json:"baud"`
	DataBits int    `yaml:"data_bits" json:"dataBits"`
	StopBits int    `yaml:"stop_bits" json:"stopBits"`
	Parity   string `yaml:"parity" json:"parity"` // "none", "odd", "even"
}

func (c *SerialConfig) setDefaults() {
	if c.Baud == 0 {
		c.Baud = 115200
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.Parity == "" {
		c.Parity = "none"
	}
}

// LoadSerialConfig reads a YAML serial configuration file and applies the
// 115200-8N1 defaults to any unset field.
func LoadSerialConfig(path string) (SerialConfig, error) {
	var cfg SerialConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read serial config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse serial config %s: %w", path, err)
	}
	cfg.setDefaults()
	return cfg, nil
}

func (c *SerialConfig) mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.Baud,
		DataBits: c.DataBits,
	}
	switch c.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("esp: unsupported stop bits %d", c.StopBits)
	}
	switch c.Parity {
	case "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		return nil, fmt.Errorf("esp: unsupported parity %q", c.Parity)
	}
	return mode, nil
}

// SerialDialer opens an ESP8266 module over a serial port using
// go.bug.st/serial and adapts it to the byte-primitive Transport.
type SerialDialer struct {
	PortName string
	Mode     *serial.Mode
}

// NewSerialDialer builds a dialer from a SerialConfig, typically one loaded
// with LoadSerialConfig.
func NewSerialDialer(cfg SerialConfig) (*SerialDialer, error) {
	cfg.setDefaults()
	mode, err := cfg.mode()
	if err != nil {
		return nil, err
	}
	return &SerialDialer{PortName: cfg.Port, Mode: mode}, nil
}

// Dial opens the port. The context is consulted before the blocking open;
// in-flight opens are not interruptible on all platforms.
func (d *SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if d.PortName == "" {
		return nil, errors.New("esp: serial port name is required")
	}
	if ctx == nil {
		return nil, errors.New("esp: context is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		mode = &serial.Mode{
			BaudRate: 115200,
			DataBits: 8,
			StopBits: serial.OneStopBit,
			Parity:   serial.NoParity,
		}
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("open serial port %s: %w", d.PortName, err)
	}

	return NewIOTransport(port), nil
}
