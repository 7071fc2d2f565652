package configsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"hercules/config"
	"hercules/store"
)

func newTestSynchronizer(t *testing.T, handler http.HandlerFunc) (*Synchronizer, *store.Store) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "gateway.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	s := New(srv.URL, "", "sk-test", "gw-test", cfg, configPath, st, nil)
	return s, st
}

func TestSync_CreatesNewPLCAndTags(t *testing.T) {
	s, st := newTestSynchronizer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing/incorrect Authorization header: %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Gateway-ID") != "gw-test" {
			t.Errorf("missing/incorrect X-Gateway-ID header: %q", r.Header.Get("X-Gateway-ID"))
		}

		json.NewEncoder(w).Encode(portalConfig{
			PLCs: []portalPLC{
				{
					Name: "line1", Protocol: "s7", Address: "10.0.0.5", Slot: 1, Enabled: true,
					Tags: []portalTag{
						{Name: "Temp1", DataType: "real", Enabled: true, Factor: 0.1},
					},
				},
			},
		})
	})

	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	plc := s.LocalConfig.FindPLC("line1")
	if plc == nil {
		t.Fatal("expected line1 to be created in local config")
	}
	if plc.Protocol != config.ProtocolS7 {
		t.Errorf("expected protocol s7, got %q", plc.Protocol)
	}
	if len(plc.Tags) != 1 || plc.Tags[0].Name != "Temp1" {
		t.Fatalf("expected 1 tag Temp1, got %+v", plc.Tags)
	}

	devices, err := st.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device row, got %d", len(devices))
	}

	records, err := st.RecentAudit(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(records) != 1 || records[0].Action != "created" {
		t.Fatalf("expected 1 'created' audit record, got %+v", records)
	}
}

func TestSync_PreservesLocalOnlyInhibitFlags(t *testing.T) {
	s, _ := newTestSynchronizer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(portalConfig{
			PLCs: []portalPLC{
				{Name: "line1", Protocol: "s7", Address: "10.0.0.5", Enabled: true,
					Tags: []portalTag{{Name: "Temp1", Enabled: true, Factor: 0.2}}},
			},
		})
	})

	s.LocalConfig.AddPLC(config.PLCConfig{
		Name: "line1", Protocol: config.ProtocolS7, Address: "10.0.0.5", Enabled: true,
		Tags: []config.TagSelection{{Name: "Temp1", Enabled: true, Factor: 0.1, NoKafka: true}},
	})

	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	plc := s.LocalConfig.FindPLC("line1")
	if !plc.Tags[0].NoKafka {
		t.Error("expected NoKafka local-only flag to survive reconciliation")
	}
	if plc.Tags[0].Factor != 0.2 {
		t.Errorf("expected portal-supplied factor 0.2 to win, got %v", plc.Tags[0].Factor)
	}
}

func TestSync_NonOKStatusReturnsError(t *testing.T) {
	s, _ := newTestSynchronizer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if err := s.Sync(context.Background()); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestSync_UnchangedPLCDoesNotRewriteFile(t *testing.T) {
	s, _ := newTestSynchronizer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(portalConfig{
			PLCs: []portalPLC{
				{Name: "line1", Protocol: "s7", Address: "10.0.0.5", Enabled: true},
			},
		})
	})

	s.LocalConfig.AddPLC(config.PLCConfig{
		Name: "line1", Protocol: config.ProtocolS7, Address: "10.0.0.5", Enabled: true,
	})

	called := false
	s.OnReconfigure = func() { called = true }

	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if called {
		t.Error("expected OnReconfigure not to fire when nothing changed")
	}
}
