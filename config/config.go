// Package config handles local, operator-editable configuration for the
// gateway: PLC device definitions and the local republish/automation
// settings. Portal-sourced PLC and tag catalogs are reconciled into this
// file by the configsync package; gateway identity is not stored here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Protocol identifies the wire protocol a PLC is polled over. This is a
// closed set; driver.Create has no case outside it.
type Protocol string

const (
	ProtocolModbusTCP  Protocol = "modbus-tcp"
	ProtocolModbusRTU  Protocol = "modbus-rtu"
	ProtocolS7         Protocol = "s7"
	ProtocolEtherNetIP Protocol = "ethernet-ip"
	ProtocolOPCUA      Protocol = "opcua"
)

// SupportsDiscovery returns true if the protocol supports tag/program
// discovery on connect.
func (p Protocol) SupportsDiscovery() bool {
	return p == ProtocolEtherNetIP
}

// IsAddressBased returns true if tag names for this protocol are raw
// memory addresses (S7 "DB1.DBX0.0", Modbus "40001") rather than a
// hierarchical tag namespace.
func (p Protocol) IsAddressBased() bool {
	return p == ProtocolS7 || p == ProtocolModbusTCP || p == ProtocolModbusRTU
}

// Config holds the complete local gateway configuration: PLC devices plus
// the optional local republish/automation layers. Gateway identity and
// portal connection settings live in bootstrap.Config, not here — this
// file only ever describes the device/tag/rule surface that configsync
// reconciles against the portal and an operator may hand-edit.
type Config struct {
	PLCs     []PLCConfig     `yaml:"plcs"`
	MQTT     []MQTTConfig    `yaml:"mqtt,omitempty"`
	Valkey   []ValkeyConfig  `yaml:"valkey,omitempty"`
	Kafka    []KafkaConfig   `yaml:"kafka,omitempty"`
	Rules    []RuleConfig    `yaml:"rules,omitempty"`
	TagPacks []TagPackConfig `yaml:"tag_packs,omitempty"`
	PollRate time.Duration   `yaml:"poll_rate"`

	// ConfigVersion tracks the last portal-applied config generation;
	// bumped by configsync on every successful reconciliation.
	ConfigVersion int64 `yaml:"config_version"`

	dataMu          sync.Mutex                  `yaml:"-"`
	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// TagPackConfig holds configuration for a Tag Pack: a named bundle of
// tags across PLCs republished together.
type TagPackConfig struct {
	Name          string          `yaml:"name"`
	Enabled       bool            `yaml:"enabled"`
	MQTTEnabled   bool            `yaml:"mqtt_enabled"`
	KafkaEnabled  bool            `yaml:"kafka_enabled"`
	ValkeyEnabled bool            `yaml:"valkey_enabled"`
	Members       []TagPackMember `yaml:"members"`
}

// TagPackMember represents a single tag in a TagPack.
type TagPackMember struct {
	PLC           string `yaml:"plc"`
	Tag           string `yaml:"tag"`
	IgnoreChanges bool   `yaml:"ignore_changes"`
}

// PLCConfig stores configuration for a single PLC connection.
type PLCConfig struct {
	Name               string         `yaml:"name"`
	Address            string         `yaml:"address"`
	Slot               byte           `yaml:"slot,omitempty"`   // rack/slot, S7 and Logix
	Unit               byte           `yaml:"unit,omitempty"`   // Modbus unit/slave id
	Protocol           Protocol       `yaml:"protocol"`
	Enabled            bool           `yaml:"enabled"`
	DiscoverTags       *bool          `yaml:"discover_tags,omitempty"`
	HealthCheckEnabled *bool          `yaml:"health_check_enabled,omitempty"`
	PollRate           time.Duration  `yaml:"poll_rate,omitempty"` // 0 = use global
	Timeout            time.Duration  `yaml:"timeout,omitempty"`  // 0 = driver default
	Tags               []TagSelection `yaml:"tags,omitempty"`

	// LocalOnly marks this PLC as ignored by config reconciliation: the
	// portal may propose a device of the same name, but configsync must
	// leave this entry untouched rather than overwrite or duplicate it.
	LocalOnly bool `yaml:"local_only,omitempty"`
}

// GetProtocol returns the PLC's protocol, defaulting to EtherNet/IP —
// the teacher's driver registry likewise falls back to its richest,
// discovery-capable family when nothing else is configured.
func (p *PLCConfig) GetProtocol() Protocol {
	if p.Protocol == "" {
		return ProtocolEtherNetIP
	}
	return p.Protocol
}

// SupportsDiscovery returns true if this PLC configuration supports tag
// discovery. If DiscoverTags is explicitly set, that value wins.
func (p *PLCConfig) SupportsDiscovery() bool {
	if p.DiscoverTags != nil {
		return *p.DiscoverTags
	}
	return p.GetProtocol().SupportsDiscovery()
}

// IsAddressBased reports whether tag names are raw memory addresses.
func (p *PLCConfig) IsAddressBased() bool {
	return p.GetProtocol().IsAddressBased()
}

// IsHealthCheckEnabled returns whether health check publishing is enabled
// (defaults to true).
func (p *PLCConfig) IsHealthCheckEnabled() bool {
	if p.HealthCheckEnabled == nil {
		return true
	}
	return *p.HealthCheckEnabled
}

// TagSelection represents one tag polled on a PLC and, optionally,
// republished locally.
type TagSelection struct {
	Name          string   `yaml:"name"`
	Alias         string   `yaml:"alias,omitempty"`
	DataType      string   `yaml:"data_type,omitempty"`
	Enabled       bool     `yaml:"enabled"`
	Writable      bool     `yaml:"writable,omitempty"`
	Factor        float64  `yaml:"factor,omitempty"` // scaling: (raw*factor)+offset
	Offset        float64  `yaml:"offset,omitempty"`
	IgnoreChanges []string `yaml:"ignore_changes,omitempty"`
	// Local republish inhibit flags — when true, tag is not fanned out
	// to that target even if the target itself is enabled.
	NoMQTT   bool `yaml:"no_mqtt,omitempty"`
	NoKafka  bool `yaml:"no_kafka,omitempty"`
	NoValkey bool `yaml:"no_valkey,omitempty"`

	// LocalOnly marks this tag as ignored by config reconciliation; see
	// PLCConfig.LocalOnly.
	LocalOnly bool `yaml:"local_only,omitempty"`
}

// PublishesToAny returns true if the tag republishes to at least one
// local target.
func (t *TagSelection) PublishesToAny() bool {
	return !t.NoMQTT || !t.NoKafka || !t.NoValkey
}

// GetEnabledServices returns the names of local targets this tag
// republishes to.
func (t *TagSelection) GetEnabledServices() []string {
	var services []string
	if !t.NoMQTT {
		services = append(services, "MQTT")
	}
	if !t.NoKafka {
		services = append(services, "Kafka")
	}
	if !t.NoValkey {
		services = append(services, "Valkey")
	}
	return services
}

// ShouldIgnoreMember returns true if the given member name is ignored for
// change detection.
func (t *TagSelection) ShouldIgnoreMember(memberName string) bool {
	for _, ignored := range t.IgnoreChanges {
		if ignored == memberName {
			return true
		}
	}
	return false
}

// MQTTConfig holds local MQTT republish configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"`
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds local Valkey/Redis republish configuration.
type ValkeyConfig struct {
	Name            string        `yaml:"name"`
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	Password        string        `yaml:"password,omitempty"`
	Database        int           `yaml:"database"`
	Selector        string        `yaml:"selector,omitempty"`
	UseTLS          bool          `yaml:"use_tls,omitempty"`
	KeyTTL          time.Duration `yaml:"key_ttl,omitempty"`
	PublishChanges  bool          `yaml:"publish_changes,omitempty"`
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"`
}

// KafkaConfig holds local Kafka republish configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"`
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"`
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`

	PublishChanges   bool   `yaml:"publish_changes,omitempty"`
	Selector         string `yaml:"selector,omitempty"`
	AutoCreateTopics *bool  `yaml:"auto_create_topics,omitempty"`

	EnableWriteback bool          `yaml:"enable_writeback,omitempty"`
	ConsumerGroup   string        `yaml:"consumer_group,omitempty"`
	WriteMaxAge     time.Duration `yaml:"write_max_age,omitempty"`
}

// RuleLogicMode determines how multiple conditions are combined.
type RuleLogicMode string

const (
	RuleLogicAND RuleLogicMode = "and"
	RuleLogicOR  RuleLogicMode = "or"
)

// RuleCondition defines a single condition for a local automation rule.
type RuleCondition struct {
	PLC      string      `yaml:"plc" json:"plc"`
	Tag      string      `yaml:"tag" json:"tag"`
	Operator string      `yaml:"operator" json:"operator"`
	Value    interface{} `yaml:"value" json:"value"`
	Not      bool        `yaml:"not,omitempty" json:"not,omitempty"`
}

// RuleActionType identifies the kind of action a rule performs.
type RuleActionType string

const (
	ActionPublish   RuleActionType = "publish"
	ActionWebhook   RuleActionType = "webhook"
	ActionWriteback RuleActionType = "writeback"
)

// RuleAction defines a single action to execute when a rule fires or clears.
type RuleAction struct {
	Type RuleActionType `yaml:"type" json:"type"`
	Name string         `yaml:"name,omitempty" json:"name,omitempty"`

	TagOrPack      string `yaml:"tag_or_pack,omitempty" json:"tag_or_pack,omitempty"`
	IncludeTrigger bool   `yaml:"include_trigger,omitempty" json:"include_trigger,omitempty"`
	MQTTBroker     string `yaml:"mqtt_broker,omitempty" json:"mqtt_broker,omitempty"`
	MQTTTopic      string `yaml:"mqtt_topic,omitempty" json:"mqtt_topic,omitempty"`
	KafkaCluster   string `yaml:"kafka_cluster,omitempty" json:"kafka_cluster,omitempty"`
	KafkaTopic     string `yaml:"kafka_topic,omitempty" json:"kafka_topic,omitempty"`

	URL         string            `yaml:"url,omitempty" json:"url,omitempty"`
	Method      string            `yaml:"method,omitempty" json:"method,omitempty"`
	ContentType string            `yaml:"content_type,omitempty" json:"content_type,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body        string            `yaml:"body,omitempty" json:"body,omitempty"`
	Auth        RuleAuthConfig    `yaml:"auth,omitempty" json:"auth,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	WritePLC   string      `yaml:"write_plc,omitempty" json:"write_plc,omitempty"`
	WriteTag   string      `yaml:"write_tag,omitempty" json:"write_tag,omitempty"`
	WriteValue interface{} `yaml:"write_value,omitempty" json:"write_value,omitempty"`
}

// RuleAuthType represents the authentication method for a webhook action.
type RuleAuthType string

const (
	RuleAuthNone         RuleAuthType = ""
	RuleAuthBearer       RuleAuthType = "bearer"
	RuleAuthBasic        RuleAuthType = "basic"
	RuleAuthCustomHeader RuleAuthType = "custom_header"
)

// RuleAuthConfig holds authentication configuration for a webhook action.
type RuleAuthConfig struct {
	Type        RuleAuthType `yaml:"type,omitempty" json:"type,omitempty"`
	Token       string       `yaml:"token,omitempty" json:"token,omitempty"`
	Username    string       `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string       `yaml:"password,omitempty" json:"password,omitempty"`
	HeaderName  string       `yaml:"header_name,omitempty" json:"header_name,omitempty"`
	HeaderValue string       `yaml:"header_value,omitempty" json:"header_value,omitempty"`
}

// RuleConfig holds configuration for a local automation rule.
type RuleConfig struct {
	Name           string          `yaml:"name"`
	Enabled        bool            `yaml:"enabled"`
	Conditions     []RuleCondition `yaml:"conditions"`
	LogicMode      RuleLogicMode   `yaml:"logic_mode,omitempty"`
	DebounceMS     int             `yaml:"debounce_ms,omitempty"`
	CooldownMS     int             `yaml:"cooldown_ms,omitempty"`
	Actions        []RuleAction    `yaml:"actions"`
	ClearedActions []RuleAction    `yaml:"cleared_actions,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PLCs:     []PLCConfig{},
		PollRate: time.Second,
		MQTT:     []MQTTConfig{},
		Valkey:   []ValkeyConfig{},
		Kafka:    []KafkaConfig{},
		Rules:    []RuleConfig{},
		TagPacks: []TagPackConfig{},
	}
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT configuration.
func (c *Config) AddMQTT(m MQTTConfig) { c.MQTT = append(c.MQTT, m) }

// RemoveMQTT removes an MQTT config by name.
func (c *Config) RemoveMQTT(name string) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT = append(c.MQTT[:i], c.MQTT[i+1:]...)
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// AddValkey adds a new Valkey configuration.
func (c *Config) AddValkey(v ValkeyConfig) { c.Valkey = append(c.Valkey, v) }

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// AddKafka adds a new Kafka configuration.
func (c *Config) AddKafka(k KafkaConfig) { c.Kafka = append(c.Kafka, k) }

// FindRule returns the Rule config with the given name, or nil if not found.
func (c *Config) FindRule(name string) *RuleConfig {
	for i := range c.Rules {
		if c.Rules[i].Name == name {
			return &c.Rules[i]
		}
	}
	return nil
}

// AddRule adds a new Rule configuration.
func (c *Config) AddRule(r RuleConfig) { c.Rules = append(c.Rules, r) }

// FindTagPack returns the TagPack config with the given name, or nil if
// not found.
func (c *Config) FindTagPack(name string) *TagPackConfig {
	for i := range c.TagPacks {
		if c.TagPacks[i].Name == name {
			return &c.TagPacks[i]
		}
	}
	return nil
}

// AddTagPack adds a new TagPack configuration.
func (c *Config) AddTagPack(p TagPackConfig) { c.TagPacks = append(c.TagPacks, p) }

// FindPLC returns the PLC config with the given name, or nil if not found.
func (c *Config) FindPLC(name string) *PLCConfig {
	for i := range c.PLCs {
		if c.PLCs[i].Name == name {
			return &c.PLCs[i]
		}
	}
	return nil
}

// AddPLC adds a new PLC configuration.
func (c *Config) AddPLC(plc PLCConfig) { c.PLCs = append(c.PLCs, plc) }

// RemovePLC removes a PLC by name.
func (c *Config) RemovePLC(name string) bool {
	for i, plc := range c.PLCs {
		if plc.Name == name {
			c.PLCs = append(c.PLCs[:i], c.PLCs[i+1:]...)
			return true
		}
	}
	return false
}

// UpdatePLC updates an existing PLC configuration, or adds it if absent —
// the upsert semantics configsync's reconciliation relies on.
func (c *Config) UpdatePLC(name string, updated PLCConfig) bool {
	for i, plc := range c.PLCs {
		if plc.Name == name {
			c.PLCs[i] = updated
			return true
		}
	}
	c.AddPLC(updated)
	return false
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".hercules", "config.yaml")
}

// Load reads configuration from a YAML file, creating a default in
// memory (not yet persisted) if the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AddOnChangeListener registers a callback invoked whenever the config is
// saved or reloaded (the Polling Engine's reconfigure hook attaches here).
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access. Use before
// modifying config fields directly, then call UnlockAndSave.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies listeners.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies. The
// caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.PLCs))
	for _, p := range c.PLCs {
		if p.Name == "" {
			return fmt.Errorf("plc entry missing name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate plc name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
