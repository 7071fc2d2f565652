// Package identity establishes the gateway's identity: a stable
// hardware fingerprint, and the one-time activation handshake with the
// portal that trades an activation code for a long-lived API key.
package identity

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"

	"hercules/secret"
)

const (
	secretKeyAPIKey    = "api_key"
	secretKeyGatewayID = "gateway_id"
)

// Identity is the gateway's activated identity as known to the portal.
type Identity struct {
	GatewayID      string
	UserID         string
	APIKey         string
	ConfigEndpoint string
	DataEndpoint   string
	HeartbeatEndpoint string
	WebSocketURL   string
}

// Request is the payload POSTed to the portal's activation endpoint.
type activationRequest struct {
	ActivationCode string `json:"activation_code"`
	HardwareID     string `json:"hardware_id"`
	GatewayName    string `json:"gateway_name"`
	OS             string `json:"os"`
	OSVersion      string `json:"os_version"`
	GatewayVersion string `json:"gateway_version"`
}

type activationResponse struct {
	APIKey            string `json:"api_key"`
	GatewayID         string `json:"gateway_id"`
	UserID            string `json:"user_id"`
	ConfigEndpoint    string `json:"config_endpoint"`
	DataEndpoint      string `json:"data_endpoint"`
	HeartbeatEndpoint string `json:"heartbeat_endpoint"`
	WebSocketURL      string `json:"websocket_url"`
}

// fatalActivationError marks a 4xx response: retrying would just get the
// same rejection, since the activation code itself is the problem.
type fatalActivationError struct {
	statusCode int
	body       string
}

func (e *fatalActivationError) Error() string {
	return fmt.Sprintf("activation rejected: %d %s", e.statusCode, e.body)
}

// Activator drives the activation handshake and persists the resulting
// credentials.
type Activator struct {
	APIBase        string
	ActivationCode string
	GatewayVersion string
	Secrets        secret.Store
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// NewActivator returns an Activator with sane defaults for the HTTP
// client and logger.
func NewActivator(apiBase, activationCode string, secrets secret.Store, logger *slog.Logger) *Activator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activator{
		APIBase:        apiBase,
		ActivationCode: activationCode,
		GatewayVersion: "1.0.0",
		Secrets:        secrets,
		HTTPClient:     &http.Client{Timeout: 30 * time.Second},
		Logger:         logger,
	}
}

// Activate returns the gateway's identity, either from previously stored
// credentials or by performing a fresh activation call against the
// portal. Transient (network, 5xx) failures are retried with exponential
// backoff; a 4xx response from the portal is treated as fatal since
// retrying a rejected activation code cannot succeed.
func (a *Activator) Activate(ctx context.Context) (*Identity, error) {
	if id, ok, err := a.loadStored(); err != nil {
		return nil, err
	} else if ok {
		a.Logger.Info("using stored gateway credentials", "gateway_id", id.GatewayID)
		return id, nil
	}

	var resp *activationResponse

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0 // activation blocks indefinitely; there's nothing useful to do without it

	operation := func() error {
		r, err := a.activateOnce(ctx)
		if err != nil {
			if _, fatal := err.(*fatalActivationError); fatal {
				return backoff.Permanent(err)
			}
			a.Logger.Warn("activation attempt failed, retrying", "error", err)
			return err
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("identity: activation failed: %w", err)
	}

	id := &Identity{
		GatewayID:         resp.GatewayID,
		UserID:            resp.UserID,
		APIKey:            resp.APIKey,
		ConfigEndpoint:    resp.ConfigEndpoint,
		DataEndpoint:      resp.DataEndpoint,
		HeartbeatEndpoint: resp.HeartbeatEndpoint,
		WebSocketURL:      resp.WebSocketURL,
	}

	if err := a.Secrets.Set(secretKeyAPIKey, id.APIKey); err != nil {
		a.Logger.Warn("could not persist api key", "error", err)
	}
	if err := a.Secrets.Set(secretKeyGatewayID, id.GatewayID); err != nil {
		a.Logger.Warn("could not persist gateway id", "error", err)
	}

	a.Logger.Info("gateway activated", "gateway_id", id.GatewayID)
	return id, nil
}

func (a *Activator) loadStored() (*Identity, bool, error) {
	apiKey, ok1, err := a.Secrets.Get(secretKeyAPIKey)
	if err != nil {
		return nil, false, err
	}
	gatewayID, ok2, err := a.Secrets.Get(secretKeyGatewayID)
	if err != nil {
		return nil, false, err
	}
	if !ok1 || !ok2 || apiKey == "" || gatewayID == "" {
		return nil, false, nil
	}
	return &Identity{APIKey: apiKey, GatewayID: gatewayID}, true, nil
}

func (a *Activator) activateOnce(ctx context.Context) (*activationResponse, error) {
	hostname, _ := os.Hostname()

	reqBody := activationRequest{
		ActivationCode: a.ActivationCode,
		HardwareID:     GenerateHardwareID(),
		GatewayName:    hostname,
		OS:             runtime.GOOS,
		OSVersion:      runtime.GOARCH,
		GatewayVersion: a.GatewayVersion,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode activation request: %w", err)
	}

	url := a.APIBase + "/api/gateway/activate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build activation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("activation request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, &fatalActivationError{statusCode: resp.StatusCode, body: string(body)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("activation failed: %d %s", resp.StatusCode, string(body))
	}

	var out activationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode activation response: %w", err)
	}
	return &out, nil
}

// GenerateHardwareID builds a stable fingerprint for this host from its
// first non-loopback MAC address, architecture, and hostname. If the MAC
// can't be enumerated at all, it falls back to a random GENERIC id
// rather than failing activation outright.
func GenerateHardwareID() string {
	mac, ok := primaryMAC()
	if !ok {
		return genericFallbackID()
	}

	node, err := os.Hostname()
	if err != nil || node == "" {
		node = "unknown"
	}

	id := fmt.Sprintf("MAC:%s-CPU:%s-MACHINE:%s-NODE:%s", mac, runtime.GOARCH, runtime.GOOS, node)
	if len(id) > 255 {
		id = id[:255]
	}
	return id
}

func primaryMAC() (string, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), true
	}
	return "unknown", true
}

func genericFallbackID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "GENERIC-0000000000000000"
	}
	return "GENERIC-" + hex.EncodeToString(buf)
}
