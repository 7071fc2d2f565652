package secret

import (
	"path/filepath"
	"testing"
)

func TestFileStore_GetMissingKey(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "creds.json"))

	_, ok, err := s.Get("api_key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected ok=false for unset key")
	}
}

func TestFileStore_SetThenGet(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "creds.json"))

	if err := s.Set("api_key", "sk-test-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, ok, err := s.Get("api_key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true after Set")
	}
	if v != "sk-test-123" {
		t.Errorf("got %q, want %q", v, "sk-test-123")
	}
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")

	s1 := NewFileStore(path)
	if err := s1.Set("gateway_id", "gw-abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	s2 := NewFileStore(path)
	v, ok, err := s2.Get("gateway_id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || v != "gw-abc" {
		t.Errorf("got (%q, %v), want (%q, true)", v, ok, "gw-abc")
	}
}

func TestFileStore_MultipleKeysCoexist(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "creds.json"))

	if err := s.Set("api_key", "sk-1"); err != nil {
		t.Fatalf("Set api_key: %v", err)
	}
	if err := s.Set("gateway_id", "gw-1"); err != nil {
		t.Fatalf("Set gateway_id: %v", err)
	}

	v, ok, _ := s.Get("api_key")
	if !ok || v != "sk-1" {
		t.Errorf("api_key = (%q, %v)", v, ok)
	}
	v, ok, _ = s.Get("gateway_id")
	if !ok || v != "gw-1" {
		t.Errorf("gateway_id = (%q, %v)", v, ok)
	}
}
