package driver

import "hercules/config"

// Driver is the uniform contract every protocol adapter satisfies. The
// Polling Engine, Config Synchronizer, and registry all depend only on
// this interface — never on a concrete adapter type.
type Driver interface {
	// Connection management
	Connect() error
	Close() error
	IsConnected() bool

	// Identification
	Protocol() config.Protocol
	ConnectionMode() string
	GetDeviceInfo() (*DeviceInfo, error)

	// Tag discovery (not all protocols support this)
	SupportsDiscovery() bool
	AllTags() ([]TagInfo, error)
	Programs() ([]string, error)

	// Read/Write operations. Both work in raw protocol values; the tag's
	// scale factor/offset is not applied here (the Polling Engine applies
	// Scale/Unscale around these calls).
	Read(requests []TagRequest) ([]*TagValue, error)
	Write(tag string, value interface{}) error

	// Maintenance
	Keepalive() error
	IsConnectionError(err error) bool

	// Diagnostics reports this adapter's cumulative read/write/error/
	// reconnect counters, average response latency, and last error,
	// alongside the connection fields an operator needs to read them in
	// context.
	Diagnostics() Diagnostics
}
