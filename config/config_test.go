package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

func TestProtocol_SupportsDiscovery(t *testing.T) {
	tests := []struct {
		protocol Protocol
		expected bool
	}{
		{ProtocolEtherNetIP, true},
		{ProtocolS7, false},
		{ProtocolModbusTCP, false},
		{ProtocolModbusRTU, false},
		{ProtocolOPCUA, false},
	}

	for _, tc := range tests {
		if got := tc.protocol.SupportsDiscovery(); got != tc.expected {
			t.Errorf("SupportsDiscovery(%q) = %v, want %v", tc.protocol, got, tc.expected)
		}
	}
}

func TestProtocol_IsAddressBased(t *testing.T) {
	tests := []struct {
		protocol Protocol
		expected bool
	}{
		{ProtocolS7, true},
		{ProtocolModbusTCP, true},
		{ProtocolModbusRTU, true},
		{ProtocolEtherNetIP, false},
		{ProtocolOPCUA, false},
	}

	for _, tc := range tests {
		if got := tc.protocol.IsAddressBased(); got != tc.expected {
			t.Errorf("IsAddressBased(%q) = %v, want %v", tc.protocol, got, tc.expected)
		}
	}
}

func TestPLCConfig_GetProtocol_DefaultsToEtherNetIP(t *testing.T) {
	p := PLCConfig{}
	if got := p.GetProtocol(); got != ProtocolEtherNetIP {
		t.Errorf("GetProtocol() = %q, want %q", got, ProtocolEtherNetIP)
	}
}

func TestPLCConfig_SupportsDiscovery(t *testing.T) {
	tests := []struct {
		name     string
		cfg      PLCConfig
		expected bool
	}{
		{"s7 defaults false", PLCConfig{Protocol: ProtocolS7}, false},
		{"ethernet-ip defaults true", PLCConfig{Protocol: ProtocolEtherNetIP}, true},
		{"explicit override wins", PLCConfig{Protocol: ProtocolS7, DiscoverTags: boolPtr(true)}, true},
		{"explicit false override", PLCConfig{Protocol: ProtocolEtherNetIP, DiscoverTags: boolPtr(false)}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.SupportsDiscovery(); got != tc.expected {
				t.Errorf("SupportsDiscovery() = %v, want %v", got, tc.expected)
			}
		})
	}
}

func TestPLCConfig_IsHealthCheckEnabled(t *testing.T) {
	unset := PLCConfig{}
	if !unset.IsHealthCheckEnabled() {
		t.Error("expected health check enabled by default")
	}

	disabled := PLCConfig{HealthCheckEnabled: boolPtr(false)}
	if disabled.IsHealthCheckEnabled() {
		t.Error("expected health check disabled when explicitly set false")
	}
}

func TestTagSelection_PublishesToAny(t *testing.T) {
	allOpen := TagSelection{}
	if !allOpen.PublishesToAny() {
		t.Error("expected tag with no inhibit flags to publish somewhere")
	}

	allClosed := TagSelection{NoMQTT: true, NoKafka: true, NoValkey: true}
	if allClosed.PublishesToAny() {
		t.Error("expected tag with all inhibit flags set to publish nowhere")
	}
}

func TestConfig_LoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.PLCs) != 0 {
		t.Errorf("expected empty PLC list, got %d", len(cfg.PLCs))
	}
	if cfg.PollRate != time.Second {
		t.Errorf("PollRate = %v, want 1s default", cfg.PollRate)
	}
}

func TestConfig_SaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.AddPLC(PLCConfig{Name: "line1", Address: "10.0.0.5", Protocol: ProtocolS7, Enabled: true})

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(reloaded.PLCs) != 1 || reloaded.PLCs[0].Name != "line1" {
		t.Fatalf("round trip lost PLC config: %+v", reloaded.PLCs)
	}
}

func TestConfig_UpdatePLCUpsert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddPLC(PLCConfig{Name: "line1", Address: "10.0.0.5"})

	cfg.UpdatePLC("line2", PLCConfig{Name: "line2", Address: "10.0.0.6"})
	if cfg.FindPLC("line2") == nil {
		t.Fatal("expected UpdatePLC to insert a PLC that doesn't exist yet")
	}

	cfg.UpdatePLC("line1", PLCConfig{Name: "line1", Address: "10.0.0.99"})
	if got := cfg.FindPLC("line1"); got == nil || got.Address != "10.0.0.99" {
		t.Fatalf("expected UpdatePLC to overwrite existing entry, got %+v", got)
	}
}

func TestConfig_Validate_DuplicateNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddPLC(PLCConfig{Name: "dup"})
	cfg.AddPLC(PLCConfig{Name: "dup"})

	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate() to reject duplicate PLC names")
	}
}

func TestConfig_OnChangeListener(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	done := make(chan struct{}, 1)
	cfg.AddOnChangeListener(func() { done <- struct{}{} })

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("change listener was not invoked after Save")
	}
}
