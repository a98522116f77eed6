package types

// Configuration supplied on config/<key> topics.

// FWUpdateConfig is published on config/fwupdate.
type FWUpdateConfig struct {
	MaxImageSize   uint32 `yaml:"max_image_size" json:"max_image_size"`
	Overrun        string `yaml:"overrun" json:"overrun"` // "clamp" | "reject"
	DefaultImageID uint16 `yaml:"default_image_id" json:"default_image_id"`
	FirmwareID     uint16 `yaml:"firmware_id" json:"firmware_id"`
	BoardName      string `yaml:"board_name" json:"board_name"`
	PackageName    string `yaml:"package_name" json:"package_name"`
	Version        string `yaml:"version" json:"version"`
	Platform       string `yaml:"platform" json:"platform"`
}

// SystemConfig is published on config/system.
type SystemConfig struct {
	HeartbeatMs uint32 `yaml:"heartbeat_ms" json:"heartbeat_ms"`
}

// LinkConfig is published on config/link.
type LinkConfig struct {
	Transport string        `yaml:"transport" json:"transport"` // "uart", "serial", "mqtt"
	MTU       int           `yaml:"mtu" json:"mtu"`
	UART      *UARTConfig   `yaml:"uart,omitempty" json:"uart,omitempty"`
	Serial    *SerialConfig `yaml:"serial,omitempty" json:"serial,omitempty"`
	MQTT      *MQTTConfig   `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
}

// UARTConfig carries enough for an injected platform dialler to open a UART.
type UARTConfig struct {
	ID    string `yaml:"id" json:"id"` // "uart0", "uart1"
	Baud  uint32 `yaml:"baud" json:"baud"`
	TXPin int    `yaml:"tx_pin" json:"tx_pin"`
	RXPin int    `yaml:"rx_pin" json:"rx_pin"`
}

// SerialConfig names a host serial port.
type SerialConfig struct {
	Port          string `yaml:"port" json:"port"`
	Baud          int    `yaml:"baud" json:"baud"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms" json:"read_timeout_ms"`
}

// MQTTConfig selects a broker URL; topics are <prefix>/rx and <prefix>/tx.
type MQTTConfig struct {
	URL   string `yaml:"url" json:"url"`
	Topic string `yaml:"topic" json:"topic"`
}
