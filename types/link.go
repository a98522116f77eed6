package types

// LinkEventKind tags events delivered by a link transport.
type LinkEventKind uint8

const (
	LinkConnected LinkEventKind = iota + 1
	LinkWrite
	LinkDisconnected
)

func (k LinkEventKind) String() string {
	switch k {
	case LinkConnected:
		return "connected"
	case LinkWrite:
		return "write"
	case LinkDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// LinkEvent is one ordered event from the peer-facing link.
// Data is only set for LinkWrite and is owned by the receiver.
type LinkEvent struct {
	Kind LinkEventKind
	Data []byte
	TSms int64
}

// LinkState is the retained state published by link services on link/state.
type LinkState struct {
	Level     string `json:"level"`  // "idle", "up", "degraded", "error"
	Status    string `json:"status"` // short machine string
	Transport string `json:"transport,omitempty"`
	Error     string `json:"error,omitempty"`
	TSms      int64  `json:"ts_ms"`
}
