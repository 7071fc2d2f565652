package driver

import (
	"fmt"
	"time"

	"hercules/config"
	"hercules/logix"
)

// EtherNetIPAdapter wraps logix.Client (Allen-Bradley Logix tag service
// over CIP/EtherNet-IP) to implement the Driver interface. This is the
// backing implementation for the "ethernet-ip" protocol: Logix PLCs
// speak CIP encapsulated in EtherNet/IP, so the wire client and the
// spec's protocol name are the same thing.
type EtherNetIPAdapter struct {
	client   *logix.Client
	config   *config.PLCConfig
	micro800 bool
	diag     counters
}

// NewEtherNetIPAdapter creates a new EtherNetIPAdapter from configuration.
// The connection is not established until Connect() is called.
func NewEtherNetIPAdapter(cfg *config.PLCConfig) (*EtherNetIPAdapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return &EtherNetIPAdapter{config: cfg}, nil
}

// Connect establishes connection to the PLC.
func (a *EtherNetIPAdapter) Connect() error {
	opts := []logix.Option{}

	if a.micro800 {
		opts = append(opts, logix.WithMicro800())
	} else if a.config.Slot > 0 {
		opts = append(opts, logix.WithSlot(a.config.Slot))
	}

	client, err := logix.Connect(a.config.Address, opts...)
	if err != nil {
		return fmt.Errorf("ethernet-ip connect: %w", err)
	}

	a.client = client
	a.diag.recordReconnect()
	return nil
}

// Close releases the connection.
func (a *EtherNetIPAdapter) Close() error {
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
	return nil
}

// IsConnected returns true if connected to the PLC.
func (a *EtherNetIPAdapter) IsConnected() bool {
	return a.client != nil && a.client.IsConnected()
}

// Protocol returns the wire protocol this adapter speaks.
func (a *EtherNetIPAdapter) Protocol() config.Protocol {
	return config.ProtocolEtherNetIP
}

// ConnectionMode returns a description of the connection mode.
func (a *EtherNetIPAdapter) ConnectionMode() string {
	if a.client == nil {
		return "Not connected"
	}
	return a.client.ConnectionMode()
}

// GetDeviceInfo returns information about the connected PLC.
func (a *EtherNetIPAdapter) GetDeviceInfo() (*DeviceInfo, error) {
	if a.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	identity, err := a.client.Identity()
	if err != nil {
		return nil, err
	}

	return &DeviceInfo{
		Protocol:     config.ProtocolEtherNetIP,
		Vendor:       identity.VendorName(),
		Model:        identity.ProductName,
		Version:      identity.Revision,
		SerialNumber: fmt.Sprintf("%08X", identity.Serial),
		Description:  identity.DeviceTypeName(),
	}, nil
}

// SupportsDiscovery returns true since EtherNet/IP PLCs support tag browsing.
func (a *EtherNetIPAdapter) SupportsDiscovery() bool {
	return true
}

// AllTags returns all readable tags from the PLC.
func (a *EtherNetIPAdapter) AllTags() ([]TagInfo, error) {
	if a.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	tags, err := a.client.AllTags()
	if err != nil {
		return nil, err
	}

	result := make([]TagInfo, len(tags))
	for i, t := range tags {
		dims := make([]uint32, len(t.Dimensions))
		for j, d := range t.Dimensions {
			dims[j] = uint32(d)
		}
		result[i] = TagInfo{
			Name:       t.Name,
			TypeCode:   t.TypeCode,
			Instance:   t.Instance,
			Dimensions: dims,
			TypeName:   t.TypeName(),
			Writable:   t.IsReadable(),
		}
	}

	return result, nil
}

// Programs returns the list of program names.
func (a *EtherNetIPAdapter) Programs() ([]string, error) {
	if a.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	return a.client.Programs()
}

// Read reads tag values from the PLC.
func (a *EtherNetIPAdapter) Read(requests []TagRequest) ([]*TagValue, error) {
	if a.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	start := time.Now()

	names := make([]string, len(requests))
	for i, req := range requests {
		names[i] = req.Name
	}

	values, err := a.client.Read(names...)
	a.diag.recordRead(time.Since(start), err)
	if err != nil {
		return nil, err
	}

	result := make([]*TagValue, len(values))
	for i, v := range values {
		if v == nil {
			result[i] = &TagValue{
				Name:     names[i],
				Protocol: config.ProtocolEtherNetIP,
				Error:    fmt.Errorf("nil response"),
			}
			continue
		}

		goValue := v.GoValueDecoded(a.client)

		result[i] = &TagValue{
			Name:        v.Name,
			DataType:    v.DataType,
			Protocol:    config.ProtocolEtherNetIP,
			Value:       goValue,
			StableValue: goValue,
			Bytes:       v.Bytes,
			Count:       v.Count,
			Error:       v.Error,
		}
	}

	return result, nil
}

// Write writes a value to a tag.
func (a *EtherNetIPAdapter) Write(tag string, value interface{}) error {
	if a.client == nil {
		return fmt.Errorf("not connected")
	}
	start := time.Now()
	err := a.client.Write(tag, value)
	a.diag.recordWrite(time.Since(start), err)
	return err
}

// Keepalive sends a keepalive message to maintain the connection.
func (a *EtherNetIPAdapter) Keepalive() error {
	if a.client == nil {
		return nil
	}
	return a.client.Keepalive()
}

// IsConnectionError returns true if the error indicates a connection problem.
func (a *EtherNetIPAdapter) IsConnectionError(err error) bool {
	return IsLikelyConnectionError(err)
}

// Client returns the underlying logix.Client for advanced operations.
func (a *EtherNetIPAdapter) Client() *logix.Client {
	return a.client
}

// Diagnostics reports this adapter's cumulative counters.
func (a *EtherNetIPAdapter) Diagnostics() Diagnostics {
	return a.diag.snapshot(config.ProtocolEtherNetIP, a.config.Address)
}

// SetTags stores discovered tag information for optimized reads.
func (a *EtherNetIPAdapter) SetTags(tags []TagInfo) []TagInfo {
	if a.client == nil {
		return tags
	}

	logixTags := make([]logix.TagInfo, len(tags))
	for i, t := range tags {
		dims := make([]int, len(t.Dimensions))
		for j, d := range t.Dimensions {
			dims[j] = int(d)
		}
		logixTags[i] = logix.TagInfo{
			Name:       t.Name,
			TypeCode:   t.TypeCode,
			Instance:   t.Instance,
			Dimensions: dims,
		}
	}

	updated := a.client.SetTags(logixTags)

	result := make([]TagInfo, len(updated))
	for i, t := range updated {
		dims := make([]uint32, len(t.Dimensions))
		for j, d := range t.Dimensions {
			dims[j] = uint32(d)
		}
		result[i] = TagInfo{
			Name:       t.Name,
			TypeCode:   t.TypeCode,
			Instance:   t.Instance,
			Dimensions: dims,
			TypeName:   t.TypeName(),
			Writable:   t.IsReadable(),
		}
	}

	return result
}
