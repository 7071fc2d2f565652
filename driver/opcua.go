package driver

import "hercules/config"

// OPCUAAdapter is a contract-level stub. OPC-UA's security negotiation
// (certificates, secure channels) and binary encoding (ExtensionObjects,
// the full builtin type tree) are large enough that hand-rolling them
// has no precedent anywhere in this codebase's protocol work — unlike
// Modbus, which is a small framing problem. The spec treats OPC-UA as an
// out-of-scope external collaborator; this adapter exists so the
// registry's switch stays exhaustive and documents the boundary instead
// of silently omitting the protocol.
type OPCUAAdapter struct {
	config *config.PLCConfig
}

// NewOPCUAAdapter creates a new OPCUAAdapter from configuration.
func NewOPCUAAdapter(cfg *config.PLCConfig) (*OPCUAAdapter, error) {
	return &OPCUAAdapter{config: cfg}, nil
}

// Connect always fails: no in-repo OPC-UA client exists to delegate to.
func (a *OPCUAAdapter) Connect() error { return ErrExternalDriverRequired }

// Close is a no-op.
func (a *OPCUAAdapter) Close() error { return nil }

// IsConnected always reports false.
func (a *OPCUAAdapter) IsConnected() bool { return false }

// Protocol returns the wire protocol this adapter speaks.
func (a *OPCUAAdapter) Protocol() config.Protocol { return config.ProtocolOPCUA }

// ConnectionMode reports the adapter's stub status.
func (a *OPCUAAdapter) ConnectionMode() string { return "unsupported (external client required)" }

// GetDeviceInfo always fails.
func (a *OPCUAAdapter) GetDeviceInfo() (*DeviceInfo, error) { return nil, ErrExternalDriverRequired }

// SupportsDiscovery returns false.
func (a *OPCUAAdapter) SupportsDiscovery() bool { return false }

// AllTags always fails.
func (a *OPCUAAdapter) AllTags() ([]TagInfo, error) { return nil, ErrExternalDriverRequired }

// Programs always fails.
func (a *OPCUAAdapter) Programs() ([]string, error) { return nil, ErrExternalDriverRequired }

// Read always fails.
func (a *OPCUAAdapter) Read(requests []TagRequest) ([]*TagValue, error) {
	return nil, ErrExternalDriverRequired
}

// Write always fails.
func (a *OPCUAAdapter) Write(tag string, value interface{}) error {
	return ErrExternalDriverRequired
}

// Keepalive is a no-op.
func (a *OPCUAAdapter) Keepalive() error { return nil }

// IsConnectionError always reports false; the adapter never connects in
// the first place.
func (a *OPCUAAdapter) IsConnectionError(err error) bool { return false }

// Diagnostics reports zero counters; the adapter never does any I/O to
// count, so every Connect attempt surfaces as the same last error.
func (a *OPCUAAdapter) Diagnostics() Diagnostics {
	return Diagnostics{
		LastError: ErrExternalDriverRequired.Error(),
		Address:   a.config.Address,
		Protocol:  config.ProtocolOPCUA,
	}
}
