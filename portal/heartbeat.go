// Package portal maintains the gateway's two standing connections to the
// cloud portal: a periodic heartbeat carrying real health metrics, and a
// persistent WebSocket channel for push notifications (config updates and
// remote commands).
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"hercules/config"
	"hercules/polling"
	"hercules/store"
)

// DefaultHeartbeatInterval matches the original gateway's heartbeat_loop
// cadence.
const DefaultHeartbeatInterval = 30 * time.Second

// Metrics is the health payload attached to every heartbeat.
type Metrics struct {
	CPUUsage          float64 `json:"cpu_usage"`
	MemoryUsage       float64 `json:"memory_usage"`
	DiskUsage         float64 `json:"disk_usage"`
	PLCsConnected     int     `json:"plcs_connected"`
	TagsActive        int     `json:"tags_active"`
	DataPointsBuffered int64  `json:"data_points_buffered"`
	LastUpload        int64   `json:"last_upload"`
	UploadSuccessRate float64 `json:"upload_success_rate"`
	AverageScanTimeMs float64 `json:"average_scan_time_ms"`
}

type heartbeatPayload struct {
	GatewayID string  `json:"gateway_id"`
	Timestamp int64   `json:"timestamp"`
	Uptime    int64   `json:"uptime"`
	Status    string  `json:"status"`
	Metrics   Metrics `json:"metrics"`
}

type heartbeatResponse struct {
	ConfigUpdateAvailable bool `json:"config_update_available"`
}

// uploadRate reports the upload success rate, implemented by
// *uploader.Uploader. A local interface keeps this package from taking a
// hard dependency on the uploader package for one method.
type uploadRate interface {
	SuccessRate() float64
}

// Heartbeat periodically reports gateway health to the portal.
type Heartbeat struct {
	APIBase           string
	Endpoint          string
	APIKey            string
	GatewayID         string
	Interval          time.Duration
	StartTime         time.Time
	DiskPath          string

	Config     func() *config.Config
	Store      *store.Store
	Engine     *polling.Engine
	Uploader   uploadRate

	HTTPClient *http.Client
	Logger     *slog.Logger

	// OnConfigUpdateAvailable is invoked when the portal flags that this
	// gateway's configuration is stale, so the caller can trigger an
	// out-of-band sync instead of waiting for the next scheduled one.
	OnConfigUpdateAvailable func()
}

// NewHeartbeat returns a Heartbeat with sane defaults.
func NewHeartbeat(apiBase, endpoint, apiKey, gatewayID string, st *store.Store, engine *polling.Engine, up uploadRate, cfgFn func() *config.Config, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		APIBase:    apiBase,
		Endpoint:   endpoint,
		APIKey:     apiKey,
		GatewayID:  gatewayID,
		Interval:   DefaultHeartbeatInterval,
		StartTime:  time.Now(),
		DiskPath:   "/",
		Config:     cfgFn,
		Store:      st,
		Engine:     engine,
		Uploader:   up,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	}
}

// Run blocks, sending heartbeats on Interval until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Send(ctx); err != nil {
				h.Logger.Error("heartbeat failed", "error", err)
			}
		}
	}
}

// Send builds and posts a single heartbeat.
func (h *Heartbeat) Send(ctx context.Context) error {
	metrics, err := h.collectMetrics(ctx)
	if err != nil {
		h.Logger.Warn("partial metrics collection failure", "error", err)
	}

	payload := heartbeatPayload{
		GatewayID: h.GatewayID,
		Timestamp: time.Now().UnixMilli(),
		Uptime:    int64(time.Since(h.StartTime).Seconds()),
		Status:    "online",
		Metrics:   metrics,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("portal: encode heartbeat: %w", err)
	}

	endpoint := h.Endpoint
	if endpoint == "" {
		endpoint = h.APIBase + "/api/gateway/heartbeat"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("portal: build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.APIKey)
	req.Header.Set("X-Gateway-ID", h.GatewayID)

	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("portal: heartbeat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("portal: heartbeat returned %d", resp.StatusCode)
	}

	var out heartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// A malformed/empty response body isn't fatal — the heartbeat
		// itself succeeded.
		return nil
	}
	if out.ConfigUpdateAvailable && h.OnConfigUpdateAvailable != nil {
		h.OnConfigUpdateAvailable()
	}
	return nil
}

// collectMetrics gathers real host and gateway health metrics, replacing
// the hardcoded upload_success_rate/average_scan_time values of the
// system this gateway is modeled on. Host-metric collection errors are
// non-fatal: the corresponding field is left at zero and the error is
// returned for logging.
func (h *Heartbeat) collectMetrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	var firstErr error

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		m.CPUUsage = pct[0]
	} else if err != nil {
		firstErr = err
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemoryUsage = vm.UsedPercent
	} else if firstErr == nil {
		firstErr = err
	}

	if du, err := disk.UsageWithContext(ctx, h.DiskPath); err == nil {
		m.DiskUsage = du.UsedPercent
	} else if firstErr == nil {
		firstErr = err
	}

	if h.Config != nil {
		if cfg := h.Config(); cfg != nil {
			for _, plc := range cfg.PLCs {
				if plc.Enabled {
					m.PLCsConnected++
				}
				m.TagsActive += len(plc.Tags)
			}
		}
	}

	if h.Store != nil {
		if count, err := h.Store.PendingCount(ctx); err == nil {
			m.DataPointsBuffered = int64(count)
		} else if firstErr == nil {
			firstErr = err
		}
	}

	m.LastUpload = time.Now().UnixMilli()

	if h.Uploader != nil {
		m.UploadSuccessRate = h.Uploader.SuccessRate()
	}
	if h.Engine != nil {
		m.AverageScanTimeMs = float64(h.Engine.AverageScanTime()) / float64(time.Millisecond)
	}

	return m, firstErr
}
