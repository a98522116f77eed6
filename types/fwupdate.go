package types

// UpdateStatus is the retained snapshot on fwupdate/state.
type UpdateStatus struct {
	State         string    `json:"state"` // idle, receiving, validated, rejected
	Connected     bool      `json:"connected"`
	ExpectedSize  uint32    `json:"expected_size"`
	BytesReceived uint32    `json:"bytes_received"`
	ActiveBank    int       `json:"active_bank"`
	BankIDs       [2]uint16 `json:"bank_ids"`
	SwapPending   bool      `json:"swap_pending"`
	RebootPending bool      `json:"reboot_pending"`
	LastError     string    `json:"last_error,omitempty"`
	TSms          int64     `json:"ts_ms"`
}

// BankInfo answers readBanks and is published on fwupdate/banks.
type BankInfo struct {
	Active int       `json:"active"`
	IDs    [2]uint16 `json:"ids"`
	Names  [2]string `json:"names"`
}
