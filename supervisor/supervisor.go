// Package supervisor owns the startup order, health supervision, and
// shutdown sequencing for every gateway subsystem: Store, Identity,
// Config Sync, Portal Channel, Polling Engine, Uploader, Heartbeat, and
// the Local Republish/Automation layers. It replaces the teacher's
// Engine — a single struct wiring PLC manager, MQTT/Kafka/Valkey
// managers, and trigger/push directly together inside one TUI process —
// with a process-level orchestrator that has no UI of its own and
// restarts failed background tasks instead of assuming they run for the
// life of the process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hercules/automation"
	"hercules/bootstrap"
	"hercules/config"
	"hercules/configsync"
	"hercules/identity"
	"hercules/kafka"
	"hercules/mqtt"
	"hercules/polling"
	"hercules/portal"
	"hercules/republish"
	"hercules/secret"
	"hercules/store"
	"hercules/tagpack"
	"hercules/uploader"
	"hercules/valkey"
)

// restartBackoffSteps is the fixed 5s -> 10s -> 30s escalation the spec
// names explicitly, held at its last step once exhausted.
var restartBackoffSteps = []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second}

// restartWindow and maxRestartsInWindow bound how many times a subsystem
// may restart before the Supervisor gives up and treats it as fatal.
const (
	restartWindow       = 60 * time.Minute
	maxRestartsInWindow = 5
)

// finalUploadDrainTimeout bounds the last upload cycle attempted during
// graceful shutdown.
const finalUploadDrainTimeout = 30 * time.Second

// metricsShutdownTimeout bounds how long the metrics HTTP server is given
// to drain in-flight scrapes during shutdown.
const metricsShutdownTimeout = 5 * time.Second

// fatalError marks a subsystem failure the Supervisor must not retry:
// exiting nonzero is the only correct response.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func isFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Supervisor wires and supervises every gateway subsystem.
type Supervisor struct {
	bootCfg *bootstrap.Config
	logger  *slog.Logger

	store  *store.Store
	secrs  secret.Store
	id     *identity.Identity
	cfg    *config.Config
	cfgMu  sync.Mutex

	pollingEngine *polling.Engine
	fanout        *republish.Fanout
	automationEng *automation.Engine
	mqttMgr       *mqtt.Manager
	kafkaMgr      *kafka.Manager
	valkeyMgr     *valkey.Manager
	tagpackMgr    *tagpack.Manager

	configSync *configsync.Synchronizer
	uploaderS  *uploader.Uploader
	heartbeat  *portal.Heartbeat
	channel    *portal.Channel

	restartMu sync.Mutex
	restarts  map[string][]time.Time

	metricsAddr string
	metricsReg  *prometheus.Registry
	metrics     *metrics
	metricsSrv  *http.Server
}

// New builds a Supervisor from first-run provisioning config, opening
// the local store and activating (or resuming) the gateway's identity.
// It returns once every subsystem is constructed; Run starts them.
func New(ctx context.Context, bootCfg *bootstrap.Config, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(ctx, bootCfg.StorePath(), logger)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open store: %w", err)
	}

	secrs := secret.NewFileStore(bootCfg.CredentialPath())

	activator := identity.NewActivator(bootCfg.APIBase, bootCfg.ActivationCode, secrs, logger)
	id, err := activator.Activate(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("supervisor: activation: %w", err)
	}

	cfg, err := config.Load(bootCfg.ConfigPath())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("supervisor: load local config: %w", err)
	}

	reg := prometheus.NewRegistry()

	s := &Supervisor{
		bootCfg:     bootCfg,
		logger:      logger,
		store:       st,
		secrs:       secrs,
		id:          id,
		cfg:         cfg,
		restarts:    make(map[string][]time.Time),
		metricsAddr: bootCfg.MetricsAddr,
		metricsReg:  reg,
		metrics:     newMetrics(reg),
	}

	s.pollingEngine = polling.NewEngine(st, logger)
	s.mqttMgr = mqtt.NewManager()
	s.kafkaMgr = kafka.NewManager()
	s.valkeyMgr = valkey.NewManager()

	packProvider := &pollingPackProvider{engine: s.pollingEngine, cfg: s.currentConfig}
	s.tagpackMgr = tagpack.NewManager(cfg, packProvider)
	s.tagpackMgr.SetOnPublish(s.publishTagPack)

	s.fanout = republish.New(s.mqttMgr, s.kafkaMgr, s.valkeyMgr, s.tagpackMgr, logger)
	s.pollingEngine.OnSample = s.fanout.OnSample

	s.automationEng = automation.New(s.pollingEngine, s.kafkaMgr, s.mqttMgr, id.GatewayID, logger)

	s.configSync = configsync.New(bootCfg.APIBase, id.ConfigEndpoint, id.APIKey, id.GatewayID, cfg, bootCfg.ConfigPath(), st, logger)
	s.configSync.OnReconfigure = s.applyConfig

	s.uploaderS = uploader.New(bootCfg.APIBase, id.DataEndpoint, id.APIKey, id.GatewayID, true, st, logger)

	s.heartbeat = portal.NewHeartbeat(bootCfg.APIBase, id.HeartbeatEndpoint, id.APIKey, id.GatewayID, st, s.pollingEngine, s.uploaderS, s.currentConfig, logger)
	s.heartbeat.OnConfigUpdateAvailable = func() {
		go func() {
			if err := s.configSync.Sync(context.Background()); err != nil {
				s.logger.Error("out-of-band config sync failed", "error", err)
			}
		}()
	}

	s.channel = portal.NewChannel(id.WebSocketURL, id.APIKey, logger)
	s.channel.OnConfigUpdate = func() {
		go func() {
			if err := s.configSync.Sync(context.Background()); err != nil {
				s.logger.Error("push-triggered config sync failed", "error", err)
			}
		}()
	}
	s.channel.OnCommand = s.handleCommand

	s.applyConfig()

	return s, nil
}

// currentConfig returns the live config snapshot other subsystems read
// from; a function rather than a field so callers always see the
// version in effect after the most recent reconfigure.
func (s *Supervisor) currentConfig() *config.Config {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

// applyConfig pushes the current config into every subsystem that
// caches its own view of it: the Polling Engine's worker set, the
// automation rule set, and the republish targets. Called once at
// startup, after every configsync reconciliation, and on SIGHUP.
func (s *Supervisor) applyConfig() {
	s.cfgMu.Lock()
	cfg := s.cfg
	s.cfgMu.Unlock()

	s.pollingEngine.Reconfigure(cfg)
	s.automationEng.Reconfigure(cfg)
	s.mqttMgr.LoadFromConfig(cfg.MQTT)
	s.valkeyMgr.LoadFromConfig(cfg.Valkey, s.id.GatewayID)
	s.kafkaMgr.LoadFromConfigs(toKafkaConfigs(cfg.Kafka), s.id.GatewayID)
	s.tagpackMgr.Reload()

	plcNames := make([]string, len(cfg.PLCs))
	for i, plc := range cfg.PLCs {
		plcNames[i] = plc.Name
	}
	s.mqttMgr.SetPLCNames(plcNames)
}

// publishTagPack fans a triggered TagPack out to whichever brokers its
// config enables. Registered with tagpackMgr.SetOnPublish.
func (s *Supervisor) publishTagPack(pv tagpack.PackValue, cfg *config.TagPackConfig) {
	data, err := tagpack.MarshalPackValue(pv)
	if err != nil {
		s.logger.Error("tagpack marshal failed", "pack", pv.Name, "error", err)
		return
	}

	if cfg.MQTTEnabled {
		s.mqttMgr.PublishTagPack(cfg.Name, data)
	}
	if cfg.KafkaEnabled {
		s.kafkaMgr.PublishTagPack(cfg.Name, data)
	}
	if cfg.ValkeyEnabled {
		s.valkeyMgr.PublishTagPack(cfg.Name, data)
	}
}

func toKafkaConfigs(cfgs []config.KafkaConfig) []kafka.Config {
	out := make([]kafka.Config, len(cfgs))
	for i, kc := range cfgs {
		out[i] = kafka.Config{
			Name:             kc.Name,
			Enabled:          kc.Enabled,
			Brokers:          kc.Brokers,
			UseTLS:           kc.UseTLS,
			TLSSkipVerify:    kc.TLSSkipVerify,
			SASLMechanism:    kafka.SASLMechanism(kc.SASLMechanism),
			Username:         kc.Username,
			Password:         kc.Password,
			RequiredAcks:     kc.RequiredAcks,
			MaxRetries:       kc.MaxRetries,
			RetryBackoff:     kc.RetryBackoff,
			PublishChanges:   kc.PublishChanges,
			Selector:         kc.Selector,
			AutoCreateTopics: kc.AutoCreateTopics == nil || *kc.AutoCreateTopics,
			EnableWriteback:  kc.EnableWriteback,
			ConsumerGroup:    kc.ConsumerGroup,
			WriteMaxAge:      kc.WriteMaxAge,
		}
	}
	return out
}

// handleCommand dispatches a command the portal pushed down the
// WebSocket channel. A reload command re-applies the config; a write_tag
// command is logged and its payload is not written to any PLC. An
// unrecognized command is logged and dropped rather than treated as an
// error, since the portal may add command types this build predates.
func (s *Supervisor) handleCommand(cmd portal.Command) {
	switch cmd.Type {
	case "write_tag":
		s.logger.Info("received write_tag command", "payload", string(cmd.Payload))
	case "reload":
		s.applyConfig()
	default:
		s.logger.Warn("unrecognized portal command", "type", cmd.Type)
	}
}

// pollingPackProvider adapts the Polling Engine's live cache to
// tagpack.PLCDataProvider.
type pollingPackProvider struct {
	engine *polling.Engine
	cfg    func() *config.Config
}

func (p *pollingPackProvider) GetTagValue(plcName, tagName string) (value interface{}, typeName, alias string, ok bool) {
	v, err := p.engine.ReadTag(plcName, tagName)
	if err != nil {
		return nil, "", "", false
	}
	plcCfg := p.cfg().FindPLC(plcName)
	if plcCfg == nil {
		return v, "", "", true
	}
	for _, tag := range plcCfg.Tags {
		if tag.Name == tagName {
			return v, tag.DataType, tag.Alias, true
		}
	}
	return v, "", "", true
}

func (p *pollingPackProvider) GetPLCMetadata(plcName string) tagpack.PLCMetadata {
	plcCfg := p.cfg().FindPLC(plcName)
	if plcCfg == nil {
		return tagpack.PLCMetadata{}
	}
	stats := p.engine.StatsFor(plcName)
	diag := p.engine.DiagnosticsFor(plcName)
	return tagpack.PLCMetadata{
		Address:       plcCfg.Address,
		Family:        string(plcCfg.Protocol),
		Connected:     !stats.LastPollAt.IsZero(),
		Error:         diag.LastError,
		Reads:         diag.Reads,
		Writes:        diag.Writes,
		Errors:        diag.Errors,
		Reconnects:    diag.Reconnects,
		AvgResponseMs: diag.AvgResponseMs,
	}
}

// Run starts every subsystem in the spec's prescribed order, blocks
// until ctx is cancelled or a subsystem escalates to fatal, then runs
// the graceful shutdown sequence. Run also installs its own SIGINT,
// SIGTERM, and SIGHUP handling, so ctx is usually context.Background()
// from main.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	if s.metricsAddr != "" {
		s.metricsSrv = serveMetrics(s.metricsAddr, s.metricsReg, s.logger)
		s.logger.Info("metrics endpoint listening", "addr", s.metricsAddr)
	}

	fatalCh := make(chan error, 4)
	var wg sync.WaitGroup

	supervise := func(name string, run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.runSupervised(runCtx, name, func(c context.Context) error {
				run(c)
				return nil
			}); err != nil {
				select {
				case fatalCh <- err:
				default:
				}
			}
		}()
	}

	// Startup order: Store, Identity/Activation and the Polling Engine's
	// workers (via applyConfig) already started in New; Config Sync does a
	// one-shot initial pull, then the Portal Channel, Uploader, and
	// Heartbeat all start.
	if err := s.configSync.Sync(runCtx); err != nil {
		s.logger.Warn("initial config sync failed, continuing with local config", "error", err)
	}

	supervise("portal-channel", func(c context.Context) { s.channel.Run(c) })
	supervise("config-sync", func(c context.Context) { s.configSync.Run(c) })
	supervise("uploader", func(c context.Context) { s.uploaderS.Run(c) })
	supervise("heartbeat", func(c context.Context) { s.heartbeat.Run(c) })

	s.automationEng.Start()

	s.logger.Info("gateway started", "gateway_id", s.id.GatewayID)

	var runErr error
	select {
	case sig := <-sigCh:
		switch sig {
		case syscall.SIGHUP:
			runErr = s.reloadOnSIGHUP(runCtx, sigCh, fatalCh)
		default:
			s.logger.Info("received shutdown signal", "signal", sig.String())
		}
	case err := <-fatalCh:
		s.logger.Error("subsystem escalated to fatal, shutting down", "error", err)
		runErr = err
	case <-ctx.Done():
	}

	cancel()
	s.shutdown()
	wg.Wait()
	return runErr
}

// reloadOnSIGHUP handles repeated SIGHUP reload requests without
// returning from Run, re-entering the same select loop the caller would
// otherwise have to duplicate. It returns the fatal error that ended the
// wait, if any, so Run still exits nonzero on an escalation that happens
// while waiting on a reloaded config.
func (s *Supervisor) reloadOnSIGHUP(ctx context.Context, sigCh chan os.Signal, fatalCh chan error) error {
	for {
		s.logger.Info("SIGHUP received, reloading local config")
		cfg, err := config.Load(s.bootCfg.ConfigPath())
		if err != nil {
			s.logger.Error("SIGHUP reload failed, keeping current config", "error", err)
		} else {
			s.cfgMu.Lock()
			s.cfg = cfg
			s.cfgMu.Unlock()
			s.applyConfig()
		}

		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				continue
			}
			s.logger.Info("received shutdown signal", "signal", sig.String())
			return nil
		case err := <-fatalCh:
			s.logger.Error("subsystem escalated to fatal during reload wait", "error", err)
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// shutdown runs the spec's exact shutdown sequence: stop the Polling
// Engine, drain one final bounded Uploader cycle, close the Portal
// Channel (already unwound via context cancellation by the caller),
// flush and close the Store.
func (s *Supervisor) shutdown() {
	s.logger.Info("shutting down")

	stopMetricsServer(s.metricsSrv)

	s.automationEng.Stop()
	s.pollingEngine.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), finalUploadDrainTimeout)
	defer cancel()
	if err := s.uploaderS.UploadOnce(drainCtx); err != nil {
		s.logger.Warn("final upload drain incomplete", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("error closing store", "error", err)
	}

	s.logger.Info("shutdown complete")
}

// runSupervised runs run repeatedly until ctx is cancelled, run itself
// returns a fatal error, or it has restarted more than
// maxRestartsInWindow times inside restartWindow. A bare return from run
// with no error and no panic is treated as the task having ended
// unexpectedly (every long-running subsystem's Run blocks until its
// context is cancelled) and is itself restarted under the same policy.
func (s *Supervisor) runSupervised(ctx context.Context, name string, run func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		s.metrics.subsystemUp.WithLabelValues(name).Set(1)
		err := s.runOnce(ctx, run)
		s.metrics.subsystemUp.WithLabelValues(name).Set(0)

		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("supervisor: %s exited unexpectedly", name)
		}
		if isFatal(err) {
			return err
		}

		s.metrics.restartsTotal.WithLabelValues(name).Inc()
		if s.recordRestart(name) > maxRestartsInWindow {
			return fatal(fmt.Errorf("supervisor: %s restarted more than %d times in %s: %w", name, maxRestartsInWindow, restartWindow, err))
		}

		delay := restartBackoffSteps[len(restartBackoffSteps)-1]
		if attempt < len(restartBackoffSteps) {
			delay = restartBackoffSteps[attempt]
		}
		s.logger.Warn("subsystem failed, restarting", "name", name, "error", err, "backoff", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce invokes run, converting a panic into an error so one bad
// subsystem goroutine can't take the whole process down silently.
func (s *Supervisor) runOnce(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return run(ctx)
}

// recordRestart appends a restart timestamp for name, prunes entries
// older than restartWindow, and returns the pruned count.
func (s *Supervisor) recordRestart(name string) int {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	now := time.Now()
	cutoff := now.Add(-restartWindow)

	times := s.restarts[name]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.restarts[name] = kept
	return len(kept)
}
