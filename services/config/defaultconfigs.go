package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Key: device ID (same value placed in ctx under CtxDeviceKey)
// Val: raw YAML for that device
// -----------------------------------------------------------------------------

const cfgSim = `
fwupdate:
  max_image_size: 491520
  overrun: clamp
  default_image_id: 0x30
  firmware_id: 0x30
  board_name: BLEDualBank
  package_name: BLEDualBank
  version: 2.0.0
  platform: SIM
system:
  heartbeat_ms: 1000
link:
  transport: serial
  mtu: 20
  serial:
    port: /dev/ttyACM0
    baud: 115200
    read_timeout_ms: 100
`

const cfgPico = `
fwupdate:
  max_image_size: 983040
  overrun: clamp
  default_image_id: 0x10
  firmware_id: 0x10
  board_name: PicoDualBank
  package_name: PicoDualBank
  version: 2.0.0
  platform: RP2040
system:
  heartbeat_ms: 1000
link:
  transport: uart
  mtu: 20
  uart:
    id: uart0
    baud: 115200
    tx_pin: 0
    rx_pin: 1
`

var embeddedConfigs = map[string][]byte{
	"sim":  []byte(cfgSim),
	"pico": []byte(cfgPico),
}
