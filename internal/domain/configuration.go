package domain

import (
	"encoding/json"
	"time"
)

// Config type tags stored in the configurations table.
const (
	ConfigTypeCouncil = "council"
	ConfigTypeTools   = "tools"
)

// ConfigRecord is one versioned configuration row. The effective config for a
// type is the active row with the highest version.
type ConfigRecord struct {
	ID         int64           `json:"id"`
	ConfigType string          `json:"config_type"`
	Version    int             `json:"version"`
	Data       json.RawMessage `json:"data"`
	Active     bool            `json:"active"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
