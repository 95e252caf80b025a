package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Device DeviceConfig `yaml:"device"`
	Ntrip  NtripConfig  `yaml:"ntrip"`
	Web    WebConfig    `yaml:"web"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	UDP    UDPConfig    `yaml:"udp"`
}

type DeviceConfig struct {
	Transport string       `yaml:"transport"` // tcp, ble or serial
	TCP       TCPConfig    `yaml:"tcp"`
	BLE       BLEConfig    `yaml:"ble"`
	Serial    SerialConfig `yaml:"serial"`
}

type TCPConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type BLEConfig struct {
	DeviceID    string        `yaml:"device_id"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`
}

type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

type NtripConfig struct {
	Enable         bool          `yaml:"enable"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Mountpoint     string        `yaml:"mountpoint"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

type UDPConfig struct {
	Enable   bool          `yaml:"enable"`
	Dest     string        `yaml:"dest"`
	Interval time.Duration `yaml:"interval"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	switch cfg.Device.Transport {
	case "tcp":
		if cfg.Device.TCP.Host == "" {
			return Config{}, fmt.Errorf("device.tcp.host is required for transport=tcp")
		}
		if cfg.Device.TCP.Port <= 0 || cfg.Device.TCP.Port > 65535 {
			return Config{}, fmt.Errorf("device.tcp.port %d out of range", cfg.Device.TCP.Port)
		}
		if cfg.Device.TCP.DialTimeout <= 0 {
			cfg.Device.TCP.DialTimeout = 5 * time.Second
		}
	case "ble":
		if cfg.Device.BLE.DeviceID == "" {
			return Config{}, fmt.Errorf("device.ble.device_id is required for transport=ble")
		}
		if cfg.Device.BLE.ScanTimeout <= 0 {
			cfg.Device.BLE.ScanTimeout = 30 * time.Second
		}
	case "serial":
		if cfg.Device.Serial.Port == "" {
			return Config{}, fmt.Errorf("device.serial.port is required for transport=serial")
		}
		if cfg.Device.Serial.Baud <= 0 {
			cfg.Device.Serial.Baud = 9600
		}
	case "":
		return Config{}, fmt.Errorf("device.transport is required")
	default:
		return Config{}, fmt.Errorf("device.transport %q is not one of tcp, ble, serial", cfg.Device.Transport)
	}

	if cfg.Ntrip.Enable {
		if cfg.Ntrip.Host == "" {
			return Config{}, fmt.Errorf("ntrip.host is required when ntrip.enable is true")
		}
		if cfg.Ntrip.Mountpoint == "" {
			return Config{}, fmt.Errorf("ntrip.mountpoint is required when ntrip.enable is true")
		}
		if cfg.Ntrip.Port == 0 {
			cfg.Ntrip.Port = 2101
		}
		if cfg.Ntrip.Port < 0 || cfg.Ntrip.Port > 65535 {
			return Config{}, fmt.Errorf("ntrip.port %d out of range", cfg.Ntrip.Port)
		}
		if cfg.Ntrip.ReportInterval <= 0 {
			cfg.Ntrip.ReportInterval = 10 * time.Second
		}
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	if cfg.MQTT.Enable {
		if cfg.MQTT.Broker == "" {
			return Config{}, fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "rtkbridge"
		}
		if cfg.MQTT.Topic == "" {
			cfg.MQTT.Topic = "rtkbridge/position"
		}
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			return Config{}, fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	if cfg.UDP.Enable {
		if cfg.UDP.Dest == "" {
			return Config{}, fmt.Errorf("udp.dest is required when udp.enable is true")
		}
		if cfg.UDP.Interval <= 0 {
			cfg.UDP.Interval = 1 * time.Second
		}
	}

	return cfg, nil
}
