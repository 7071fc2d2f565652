// Package model holds the gateway's core data types — the shapes every
// other package (store, polling, uploader, portal, configsync) shares
// rather than redefining locally.
package model

import "time"

// GatewayIdentity is the gateway's own identity record: who it is to the
// portal, and the settings the portal pushes down during config sync.
type GatewayIdentity struct {
	GatewayID     string    `json:"gateway_id"`
	HardwareID    string    `json:"hardware_id"`
	ActivatedAt   time.Time `json:"activated_at"`
	ConfigVersion int64     `json:"config_version"`
	Settings      Settings  `json:"settings"`
}

// Settings is the portal-controlled, and partly operator-controlled,
// settings bag. configsync decodes it from the portal payload, but its
// reconcile applies only PLC and tag entries: portal-proposed
// MQTT/Valkey/Kafka/Rules/TagPacks entries are not merged locally.
type Settings struct {
	UploadIntervalSeconds int             `json:"upload_interval_seconds"`
	CompressionEnabled    bool            `json:"compression_enabled"`
	HeartbeatIntervalSecs int             `json:"heartbeat_interval_seconds"`
	LocalOnly             LocalOnlySettings `json:"local_only"`
}

// LocalOnlySettings carries the Local Republish/Automation configuration
// the portal may propose (see SPEC_FULL.md §4.4).
type LocalOnlySettings struct {
	MQTT     []map[string]interface{} `json:"mqtt,omitempty"`
	Valkey   []map[string]interface{} `json:"valkey,omitempty"`
	Kafka    []map[string]interface{} `json:"kafka,omitempty"`
	Rules    []map[string]interface{} `json:"rules,omitempty"`
	TagPacks []map[string]interface{} `json:"tag_packs,omitempty"`
}

// PlcDevice is a single PLC the gateway is configured to poll.
type PlcDevice struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Protocol   string    `json:"protocol"`
	Address    string    `json:"address"`
	Slot       byte      `json:"slot,omitempty"`
	Unit       byte      `json:"unit,omitempty"`
	Enabled    bool      `json:"enabled"`
	Status     string    `json:"status"` // disconnected | connecting | connected | error
	LastError  string    `json:"last_error,omitempty"`
	LastPollAt time.Time `json:"last_poll_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`

	// LocalOnly marks a device as operator-owned: configsync's
	// reconciliation must never overwrite or remove it, even if the
	// portal proposes a PLC with the same name.
	LocalOnly bool `json:"local_only,omitempty"`
}

// TagDefinition is a single polled point on a PlcDevice.
type TagDefinition struct {
	ID            int64     `json:"id"`
	PlcID         int64     `json:"plc_id"`
	Name          string    `json:"name"`
	Alias         string    `json:"alias,omitempty"`
	DataType      string    `json:"data_type,omitempty"`
	Enabled       bool      `json:"enabled"`
	Writable      bool      `json:"writable,omitempty"`
	Factor        float64   `json:"factor,omitempty"`
	Offset        float64   `json:"offset,omitempty"`
	LastValue     float64   `json:"last_value"`
	LastQuality   int       `json:"last_quality"` // OPC-style; 192 = Good
	LastUpdatedAt time.Time `json:"last_updated_at"`

	// LocalOnly marks a tag as operator-owned; see PlcDevice.LocalOnly.
	LocalOnly bool `json:"local_only,omitempty"`
}

// QualityGood is the OPC-style quality code for a clean reading.
const QualityGood = 192

// Sample is one buffered tag reading awaiting upload.
type Sample struct {
	ID        int64     `json:"id,omitempty"`
	GatewayID string    `json:"-"`
	TagID     int64     `json:"tag_id"`
	Value     float64   `json:"value"`
	Quality   int       `json:"quality"`
	Timestamp int64     `json:"timestamp"` // unix millis
	Uploaded  bool      `json:"-"`
	RetryCount int      `json:"-"`
	CreatedAt time.Time `json:"-"`
}

// AuditRecord captures one config-reconciliation event for operator
// review — what changed, and why.
type AuditRecord struct {
	ID        int64     `json:"id"`
	Entity    string    `json:"entity"` // "plc" | "tag" | "settings"
	EntityID  string    `json:"entity_id"`
	Action    string    `json:"action"` // "created" | "updated" | "skipped"
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AlarmEvent is a reserved schema for a future portal-driven alarm
// engine. No component in this repo writes rows here; see SPEC_FULL.md's
// alarm/event Non-goal.
type AlarmEvent struct {
	ID        int64     `json:"id"`
	GatewayID string    `json:"gateway_id"`
	TagID     int64     `json:"tag_id"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	RaisedAt  time.Time `json:"raised_at"`
	ClearedAt time.Time `json:"cleared_at,omitempty"`
}
