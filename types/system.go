package types

// SystemAction is released once per disconnect on system/action.
type SystemAction struct {
	Swap   bool `json:"swap"`
	Reboot bool `json:"reboot"`
}

// FatalReport is published on system/fatal before the supervisor halts.
type FatalReport struct {
	Source string `json:"source"`
	Op     string `json:"op"`
	Error  string `json:"error"`
	TSms   int64  `json:"ts_ms"`
}

// Heartbeat is published on system/heartbeat at the configured interval.
type Heartbeat struct {
	Seq        uint32 `json:"seq"`
	ActiveBank int    `json:"active_bank"`
	TSms       int64  `json:"ts_ms"`
}
