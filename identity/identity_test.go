package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"hercules/secret"
)

func TestGenerateHardwareID_IsStableAndBounded(t *testing.T) {
	id1 := GenerateHardwareID()
	id2 := GenerateHardwareID()

	if id1 != id2 {
		t.Errorf("expected stable hardware id across calls, got %q then %q", id1, id2)
	}
	if len(id1) > 255 {
		t.Errorf("expected id length <= 255, got %d", len(id1))
	}
	if !strings.HasPrefix(id1, "MAC:") && !strings.HasPrefix(id1, "GENERIC-") {
		t.Errorf("expected MAC: or GENERIC- prefix, got %q", id1)
	}
}

func TestActivate_UsesStoredCredentialsWhenPresent(t *testing.T) {
	store := secret.NewFileStore(filepath.Join(t.TempDir(), "creds.json"))
	if err := store.Set(secretKeyAPIKey, "sk-stored"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(secretKeyGatewayID, "gw-stored"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	a := NewActivator("https://example.invalid", "unused-code", store, nil)

	id, err := a.Activate(context.Background())
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if id.APIKey != "sk-stored" || id.GatewayID != "gw-stored" {
		t.Errorf("expected stored credentials, got %+v", id)
	}
}

func TestActivate_FreshActivationPersistsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req activationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ActivationCode != "code-123" {
			t.Errorf("expected activation code code-123, got %q", req.ActivationCode)
		}

		resp := activationResponse{
			APIKey:    "sk-fresh",
			GatewayID: "gw-fresh",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	store := secret.NewFileStore(filepath.Join(t.TempDir(), "creds.json"))
	a := NewActivator(srv.URL, "code-123", store, nil)

	id, err := a.Activate(context.Background())
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if id.APIKey != "sk-fresh" || id.GatewayID != "gw-fresh" {
		t.Errorf("unexpected identity: %+v", id)
	}

	stored, ok, err := store.Get(secretKeyAPIKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || stored != "sk-fresh" {
		t.Errorf("expected persisted api key sk-fresh, got (%q, %v)", stored, ok)
	}
}

func TestActivate_FourZeroXIsFatalNotRetried(t *testing.T) {
	var callCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("invalid activation code"))
	}))
	defer srv.Close()

	store := secret.NewFileStore(filepath.Join(t.TempDir(), "creds.json"))
	a := NewActivator(srv.URL, "bad-code", store, nil)

	_, err := a.Activate(context.Background())
	if err == nil {
		t.Fatal("expected error for rejected activation code")
	}
	if callCount != 1 {
		t.Errorf("expected exactly 1 attempt for a fatal 4xx, got %d", callCount)
	}
}
