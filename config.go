package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string `yaml:"bind_address"`
	// SerialPort is the path to the module's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string `yaml:"serial_port"`
	// BaudRate is the baud rate for serial communication with the module (e.g. 9600)
	BaudRate int `yaml:"baud_rate"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `yaml:"log_level"`
	// Region is the LoRaWAN regional plan ("EU868" or "US915")
	Region string `yaml:"region"`
	// DevEui is the device EUI as 16 hex digits
	DevEui string `yaml:"dev_eui"`
	// AppEui is the application EUI as 16 hex digits
	AppEui string `yaml:"app_eui"`
	// AppKey is the OTAA application key as 32 hex digits
	AppKey string `yaml:"app_key"`
	// MaxRetries is the number of timeout retries per command
	MaxRetries int `yaml:"max_retries"`
	// MQTTBroker is the broker URL for the uplink/downlink bridge,
	// empty to disable the bridge (e.g. "tcp://localhost:1883")
	MQTTBroker string `yaml:"mqtt_broker"`
	// MQTTClientID identifies this gateway on the broker
	MQTTClientID string `yaml:"mqtt_client_id"`
	// MQTTTopic is the topic prefix for the bridge
	MQTTTopic string `yaml:"mqtt_topic"`
	// MQTTUsername is the broker username, empty for anonymous access
	MQTTUsername string `yaml:"mqtt_username"`
	// MQTTPassword is the broker password
	MQTTPassword string `yaml:"mqtt_password"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 9600
		c.LogLevel = "info"
		c.Region = "EU868"
		c.MaxRetries = 2
		c.MQTTClientID = "loragw"
		c.MQTTTopic = "loragw"
		return nil
	}
}

// WithFile loads configuration from a YAML file. A missing path is not an
// error, so a default location can be probed.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if region := os.Getenv("REGION"); region != "" {
			c.Region = region
		}

		if devEui := os.Getenv("DEV_EUI"); devEui != "" {
			c.DevEui = devEui
		}

		if appEui := os.Getenv("APP_EUI"); appEui != "" {
			c.AppEui = appEui
		}

		if appKey := os.Getenv("APP_KEY"); appKey != "" {
			c.AppKey = appKey
		}

		if retries := os.Getenv("MAX_RETRIES"); retries != "" {
			if r, err := strconv.Atoi(retries); err == nil {
				c.MaxRetries = r
			}
		}

		if broker := os.Getenv("MQTT_BROKER"); broker != "" {
			c.MQTTBroker = broker
		}

		if clientID := os.Getenv("MQTT_CLIENT_ID"); clientID != "" {
			c.MQTTClientID = clientID
		}

		if topic := os.Getenv("MQTT_TOPIC"); topic != "" {
			c.MQTTTopic = topic
		}

		if username := os.Getenv("MQTT_USERNAME"); username != "" {
			c.MQTTUsername = username
		}

		if password := os.Getenv("MQTT_PASSWORD"); password != "" {
			c.MQTTPassword = password
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "log-level":
				c.LogLevel = f.Value.String()
			case "region":
				c.Region = f.Value.String()
			case "dev-eui":
				c.DevEui = f.Value.String()
			case "app-eui":
				c.AppEui = f.Value.String()
			case "app-key":
				c.AppKey = f.Value.String()
			case "max-retries":
				if r, err := strconv.Atoi(f.Value.String()); err == nil {
					c.MaxRetries = r
				}
			case "mqtt-broker":
				c.MQTTBroker = f.Value.String()
			case "mqtt-topic":
				c.MQTTTopic = f.Value.String()
			}
		})
		return nil
	}
}
