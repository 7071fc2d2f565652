// Package configsync pulls PLC/tag/settings configuration from the
// portal and reconciles it into the local config file. Reconciliation is
// upsert-only: a portal sync never deletes an operator's local PLCs,
// republish targets, or automation rules, since the wire format for a
// portal-initiated delete is an open question the spec leaves to the
// portal team (see SPEC_FULL.md §9).
package configsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"hercules/config"
	"hercules/model"
	"hercules/store"
)

// DefaultInterval is how often the Synchronizer polls the portal absent
// any other trigger (the heartbeat's config_update_available flag, or an
// operator-triggered on-demand sync).
const DefaultInterval = 30 * time.Second

// portalPLC mirrors the portal's wire shape for one PLC entry.
type portalPLC struct {
	Name     string          `json:"name"`
	Protocol string          `json:"protocol"`
	Address  string          `json:"address"`
	Slot     byte            `json:"slot"`
	Unit     byte            `json:"unit"`
	Enabled  bool            `json:"enabled"`
	Tags     []portalTag     `json:"tags"`
}

type portalTag struct {
	Name     string  `json:"name"`
	Alias    string  `json:"alias"`
	DataType string  `json:"data_type"`
	Enabled  bool    `json:"enabled"`
	Writable bool    `json:"writable"`
	Factor   float64 `json:"factor"`
	Offset   float64 `json:"offset"`
}

type portalConfig struct {
	PLCs     []portalPLC    `json:"plcs"`
	Settings model.Settings `json:"settings"`
}

// Synchronizer periodically reconciles local configuration against the
// portal's view of it.
type Synchronizer struct {
	APIBase           string
	ConfigEndpoint    string
	APIKey            string
	GatewayID         string
	LocalConfig       *config.Config
	LocalConfigPath   string
	Store             *store.Store
	HTTPClient        *http.Client
	Logger            *slog.Logger
	Interval          time.Duration
	OnReconfigure     func()

	mu sync.Mutex
}

// New returns a Synchronizer with sane defaults for HTTP client, logger,
// and poll interval.
func New(apiBase, configEndpoint, apiKey, gatewayID string, cfg *config.Config, configPath string, st *store.Store, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		APIBase:         apiBase,
		ConfigEndpoint:  configEndpoint,
		APIKey:          apiKey,
		GatewayID:       gatewayID,
		LocalConfig:     cfg,
		LocalConfigPath: configPath,
		Store:           st,
		HTTPClient:      &http.Client{Timeout: 30 * time.Second},
		Logger:          logger,
		Interval:        DefaultInterval,
	}
}

// Run blocks, syncing on Interval until ctx is cancelled. Call Sync
// directly for an on-demand, out-of-band sync (e.g. triggered by a
// heartbeat response's config_update_available flag).
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.Logger.Error("config sync failed", "error", err)
			}
		}
	}
}

// Sync fetches the portal's configuration and reconciles it into the
// local config, returning after the file has been saved (if anything
// changed) and listeners notified.
func (s *Synchronizer) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	endpoint := s.ConfigEndpoint
	if endpoint == "" {
		endpoint = s.APIBase + "/api/gateway/config"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("configsync: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("X-Gateway-ID", s.GatewayID)

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("configsync: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("configsync: portal returned %d", resp.StatusCode)
	}

	var pc portalConfig
	if err := json.NewDecoder(resp.Body).Decode(&pc); err != nil {
		return fmt.Errorf("configsync: decode response: %w", err)
	}

	changed, err := s.reconcile(ctx, &pc)
	if err != nil {
		return fmt.Errorf("configsync: reconcile: %w", err)
	}

	if changed {
		if err := s.LocalConfig.Save(s.LocalConfigPath); err != nil {
			return fmt.Errorf("configsync: save local config: %w", err)
		}
		if s.OnReconfigure != nil {
			s.OnReconfigure()
		}
	}

	return nil
}

// reconcile upserts every portal PLC/tag into LocalConfig and the store,
// writing an audit record for each entity touched. It never removes a
// PLC or tag the portal omits — see the package doc.
func (s *Synchronizer) reconcile(ctx context.Context, pc *portalConfig) (bool, error) {
	changed := false

	for _, pp := range pc.PLCs {
		existing := s.LocalConfig.FindPLC(pp.Name)

		// A device the operator marked local_only is never touched by
		// reconciliation, even when the portal proposes a PLC with the
		// same name — skipping only PLCs the portal omits entirely would
		// let a name collision silently overwrite the operator's entry.
		if existing != nil && existing.LocalOnly {
			if err := s.Store.WriteAudit(ctx, &model.AuditRecord{
				Entity: "plc", EntityID: pp.Name, Action: "skipped",
				Detail: "local_only",
			}); err != nil {
				s.Logger.Warn("audit write failed", "error", err)
			}
			continue
		}

		plcCfg := config.PLCConfig{
			Name:     pp.Name,
			Protocol: config.Protocol(pp.Protocol),
			Address:  pp.Address,
			Slot:     pp.Slot,
			Unit:     pp.Unit,
			Enabled:  pp.Enabled,
		}
		if existing != nil {
			plcCfg.Tags = existing.Tags
			plcCfg.PollRate = existing.PollRate
			plcCfg.Timeout = existing.Timeout
		}

		action := "updated"
		if existing == nil {
			action = "created"
			changed = true
		} else if plcConfigDiffers(existing, &plcCfg) {
			changed = true
		}

		plcID, _, err := s.upsertDeviceRow(ctx, pp)
		if err != nil {
			return changed, err
		}

		for _, pt := range pp.Tags {
			tagChanged, err := s.reconcileTag(ctx, plcID, &plcCfg, pt)
			if err != nil {
				return changed, err
			}
			changed = changed || tagChanged
		}

		s.LocalConfig.UpdatePLC(pp.Name, plcCfg)

		if err := s.Store.WriteAudit(ctx, &model.AuditRecord{
			Entity: "plc", EntityID: pp.Name, Action: action,
		}); err != nil {
			s.Logger.Warn("audit write failed", "error", err)
		}
	}

	if s.Store != nil {
		if _, err := s.Store.BumpConfigVersion(ctx); err != nil {
			s.Logger.Warn("bump config version failed", "error", err)
		}
	}

	return changed, nil
}

func (s *Synchronizer) upsertDeviceRow(ctx context.Context, pp portalPLC) (int64, bool, error) {
	return s.Store.UpsertDevice(ctx, &model.PlcDevice{
		Name:     pp.Name,
		Protocol: pp.Protocol,
		Address:  pp.Address,
		Slot:     pp.Slot,
		Unit:     pp.Unit,
		Enabled:  pp.Enabled,
	})
}

func (s *Synchronizer) reconcileTag(ctx context.Context, plcID int64, plcCfg *config.PLCConfig, pt portalTag) (bool, error) {
	var existingIdx = -1
	for i := range plcCfg.Tags {
		if plcCfg.Tags[i].Name == pt.Name {
			existingIdx = i
			break
		}
	}

	// A tag the operator marked local_only keeps its current definition
	// regardless of what the portal proposes under the same name.
	if existingIdx != -1 && plcCfg.Tags[existingIdx].LocalOnly {
		return false, nil
	}

	sel := config.TagSelection{
		Name:     pt.Name,
		Alias:    pt.Alias,
		DataType: pt.DataType,
		Enabled:  pt.Enabled,
		Writable: pt.Writable,
		Factor:   pt.Factor,
		Offset:   pt.Offset,
	}

	changed := false
	if existingIdx == -1 {
		plcCfg.Tags = append(plcCfg.Tags, sel)
		changed = true
	} else if tagSelectionDiffers(&plcCfg.Tags[existingIdx], &sel) {
		// Preserve local-only republish inhibit flags across a portal
		// update — those aren't part of the portal's tag schema.
		sel.NoMQTT = plcCfg.Tags[existingIdx].NoMQTT
		sel.NoKafka = plcCfg.Tags[existingIdx].NoKafka
		sel.NoValkey = plcCfg.Tags[existingIdx].NoValkey
		sel.IgnoreChanges = plcCfg.Tags[existingIdx].IgnoreChanges
		sel.LocalOnly = plcCfg.Tags[existingIdx].LocalOnly
		plcCfg.Tags[existingIdx] = sel
		changed = true
	}

	if _, _, err := s.Store.UpsertTag(ctx, &model.TagDefinition{
		PlcID: plcID, Name: pt.Name, Alias: pt.Alias, DataType: pt.DataType,
		Enabled: pt.Enabled, Writable: pt.Writable, Factor: pt.Factor, Offset: pt.Offset,
	}); err != nil {
		return changed, err
	}

	return changed, nil
}

// plcConfigDiffers compares the portal-owned fields of two PLCConfigs.
// PLCConfig can't use == or != directly — it embeds a []TagSelection —
// so only the fields the portal actually supplies are compared here.
func plcConfigDiffers(a, b *config.PLCConfig) bool {
	return a.Protocol != b.Protocol ||
		a.Address != b.Address ||
		a.Slot != b.Slot ||
		a.Unit != b.Unit ||
		a.Enabled != b.Enabled
}

// tagSelectionDiffers compares the portal-owned fields of two
// TagSelections, ignoring the local-only republish inhibit flags and
// IgnoreChanges, which the portal's tag schema doesn't carry.
func tagSelectionDiffers(a, b *config.TagSelection) bool {
	return a.Alias != b.Alias ||
		a.DataType != b.DataType ||
		a.Enabled != b.Enabled ||
		a.Writable != b.Writable ||
		a.Factor != b.Factor ||
		a.Offset != b.Offset
}
