package driver

import (
	"fmt"

	"hercules/config"
)

// ErrExternalDriverRequired is returned by OPC-UA adapter connects. The
// protocol's security/binary-encoding stack has no precedent anywhere in
// this codebase to hand-roll against, unlike Modbus; a real client is an
// external collaborator this repo does not ship.
var ErrExternalDriverRequired = fmt.Errorf("driver: protocol requires an external client implementation")

// Create builds a Driver for the given PLC configuration. The connection
// is not established until Connect() is called on the returned driver.
func Create(cfg *config.PLCConfig) (Driver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	switch cfg.GetProtocol() {
	case config.ProtocolS7:
		return NewS7Adapter(cfg)
	case config.ProtocolEtherNetIP:
		return NewEtherNetIPAdapter(cfg)
	case config.ProtocolModbusTCP, config.ProtocolModbusRTU:
		return NewModbusAdapter(cfg)
	case config.ProtocolOPCUA:
		return NewOPCUAAdapter(cfg)
	default:
		return nil, fmt.Errorf("driver: unsupported protocol %q", cfg.GetProtocol())
	}
}
