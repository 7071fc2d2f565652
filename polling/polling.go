// Package polling runs one worker goroutine per configured PLC: connect,
// read its enabled tags on a ticker, scale and buffer every reading, and
// reconnect with backoff on failure. It replaces the teacher's flat-sleep
// reconnect loop with a capped exponential backoff, and batches tag reads
// once a PLC has more than a handful of tags, the same threshold the
// original gateway used to decide between a batch and per-tag read path.
package polling

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"hercules/config"
	"hercules/driver"
	"hercules/model"
	"hercules/store"
)

// BatchReadThreshold is the tag count above which a worker prefers a
// batched Read() call over one Read() per tag, mirroring the original
// gateway's collect_data dispatch (`len(tags_to_read) > 10`).
const BatchReadThreshold = 10

// Stats summarizes one worker's most recent poll cycle.
type Stats struct {
	LastPollAt   time.Time
	TagsPolled   int
	Errors       int
	ScanOverruns int
	AvgScanTime  time.Duration
}

// ewmaAlpha weights the most recent scan time at 20% against the running
// average, smoothing out one-off slow cycles without lagging behind a
// genuine trend for long.
const ewmaAlpha = 0.2

// Engine owns one Worker per configured PLC.
type Engine struct {
	Store  *store.Store
	Logger *slog.Logger

	// OnSample is invoked for every successfully read tag, after
	// scaling. Wired to the republish fan-out; automation rules read
	// cached values through ReadTag instead.
	OnSample func(plc *config.PLCConfig, tag *config.TagSelection, value float64, quality int, ts int64)

	mu      sync.Mutex
	workers map[string]*Worker
}

// NewEngine returns an Engine with no workers running.
func NewEngine(st *store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Store: st, Logger: logger, workers: make(map[string]*Worker)}
}

// Reconfigure starts, stops, and restarts workers so the running set
// matches cfg.PLCs exactly. A PLC whose connection parameters changed is
// restarted; one that's merely had a tag added keeps its connection and
// just picks up the new tag list on the next poll.
func (e *Engine) Reconfigure(cfg *config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool, len(cfg.PLCs))

	for i := range cfg.PLCs {
		plc := &cfg.PLCs[i]
		seen[plc.Name] = true

		pollRate := plc.PollRate
		if pollRate <= 0 {
			pollRate = cfg.PollRate
		}
		if pollRate <= 0 {
			pollRate = time.Second
		}

		if w, ok := e.workers[plc.Name]; ok {
			if w.connectionParamsChanged(plc) || !plc.Enabled {
				w.Stop()
				delete(e.workers, plc.Name)
			} else {
				w.updateConfig(plc, pollRate)
				continue
			}
		}

		if !plc.Enabled {
			continue
		}

		w := newWorker(plc, pollRate, e)
		e.workers[plc.Name] = w
		w.Start()
	}

	for name, w := range e.workers {
		if !seen[name] {
			w.Stop()
			delete(e.workers, name)
		}
	}
}

// Stop halts every running worker and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, w := range e.workers {
		w.Stop()
		delete(e.workers, name)
	}
}

// StatsFor returns the most recent poll stats for a PLC, or a zero value
// if it has no running worker.
func (e *Engine) StatsFor(plcName string) Stats {
	e.mu.Lock()
	w, ok := e.workers[plcName]
	e.mu.Unlock()
	if !ok {
		return Stats{}
	}
	return w.getStats()
}

// DiagnosticsFor returns the live driver diagnostics for a PLC, merged
// with the worker's own reconnect count (a worker may cycle through
// several driver instances over its lifetime, one per reconnect, so
// reconnects accumulate on the Worker rather than the short-lived
// adapter). Returns a zero value if no worker is running for plcName.
func (e *Engine) DiagnosticsFor(plcName string) driver.Diagnostics {
	e.mu.Lock()
	w, ok := e.workers[plcName]
	e.mu.Unlock()
	if !ok {
		return driver.Diagnostics{}
	}
	return w.diagnostics()
}

// AverageScanTime returns the mean of every running worker's EWMA scan
// time, for the heartbeat's average_scan_time_ms metric. Returns 0 if no
// workers are running.
func (e *Engine) AverageScanTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.workers) == 0 {
		return 0
	}
	var total time.Duration
	for _, w := range e.workers {
		total += w.getStats().AvgScanTime
	}
	return total / time.Duration(len(e.workers))
}

// WriteTag writes value to tagName on the given PLC through its driver,
// scaling the engineering-unit value back to a raw value first.
func (e *Engine) WriteTag(plcName, tagName string, value float64) error {
	e.mu.Lock()
	w, ok := e.workers[plcName]
	e.mu.Unlock()
	if !ok {
		return errNoSuchWorker(plcName)
	}
	return w.write(tagName, value)
}

// ReadTag returns the most recent scaled value polled for tagName on the
// given PLC, satisfying rule.TagReader for local automation rules.
func (e *Engine) ReadTag(plcName, tagName string) (interface{}, error) {
	e.mu.Lock()
	w, ok := e.workers[plcName]
	e.mu.Unlock()
	if !ok {
		return nil, errNoSuchWorker(plcName)
	}
	v, ok := w.lastValue(tagName)
	if !ok {
		return nil, workerError("polling: no cached value for tag " + strings.TrimSpace(tagName))
	}
	return v, nil
}

// ReadTags returns the most recent scaled values for every tag named,
// skipping any tag with no cached value yet.
func (e *Engine) ReadTags(plcName string, tagNames []string) (map[string]interface{}, error) {
	e.mu.Lock()
	w, ok := e.workers[plcName]
	e.mu.Unlock()
	if !ok {
		return nil, errNoSuchWorker(plcName)
	}

	out := make(map[string]interface{}, len(tagNames))
	for _, name := range tagNames {
		if v, ok := w.lastValue(name); ok {
			out[name] = v
		}
	}
	return out, nil
}

// Worker polls a single PLC on its own goroutine.
type Worker struct {
	engine *Engine

	mu       sync.RWMutex
	cfg      *config.PLCConfig
	pollRate time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	drv          driver.Driver
	plcID        int64
	tagIDs       map[string]int64
	statsMu      sync.Mutex
	stats        Stats
	avgScan      time.Duration
	scanOverruns int

	reconnecting     atomic.Bool
	workerReconnects atomic.Uint64

	valuesMu sync.RWMutex
	values   map[string]float64
}

func newWorker(cfg *config.PLCConfig, pollRate time.Duration, engine *Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		engine:   engine,
		cfg:      cfg,
		pollRate: pollRate,
		ctx:      ctx,
		cancel:   cancel,
		tagIDs:   make(map[string]int64),
		values:   make(map[string]float64),
	}
}

func (w *Worker) lastValue(tagName string) (float64, bool) {
	w.valuesMu.RLock()
	defer w.valuesMu.RUnlock()
	v, ok := w.values[tagName]
	return v, ok
}

func (w *Worker) setLastValue(tagName string, v float64) {
	w.valuesMu.Lock()
	w.values[tagName] = v
	w.valuesMu.Unlock()
}

// Start launches the worker's connect-and-poll loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop cancels the worker's context and waits for its goroutine to exit.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()

	w.mu.RLock()
	drv := w.drv
	w.mu.RUnlock()
	if drv != nil {
		drv.Close()
	}
}

func (w *Worker) updateConfig(cfg *config.PLCConfig, pollRate time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg = cfg
	w.pollRate = pollRate
}

func (w *Worker) connectionParamsChanged(cfg *config.PLCConfig) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg.Protocol != cfg.Protocol ||
		w.cfg.Address != cfg.Address ||
		w.cfg.Slot != cfg.Slot ||
		w.cfg.Unit != cfg.Unit
}

func (w *Worker) config() *config.PLCConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

func (w *Worker) getStats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

func (w *Worker) diagnostics() driver.Diagnostics {
	w.mu.RLock()
	drv := w.drv
	w.mu.RUnlock()

	var d driver.Diagnostics
	if drv != nil {
		d = drv.Diagnostics()
	}
	d.Reconnects += w.workerReconnects.Load()
	return d
}

func (w *Worker) run() {
	defer w.wg.Done()

	if w.engine.Store != nil {
		cfg := w.config()
		id, _, err := w.engine.Store.UpsertDevice(w.ctx, &model.PlcDevice{
			Name: cfg.Name, Protocol: string(cfg.Protocol), Address: cfg.Address,
			Slot: cfg.Slot, Unit: cfg.Unit, Enabled: cfg.Enabled, LocalOnly: cfg.LocalOnly,
		})
		if err != nil {
			w.engine.Logger.Error("failed to register plc device row", "plc", cfg.Name, "error", err)
		} else {
			w.plcID = id
		}
	}

	if err := w.connectWithBackoff(); err != nil {
		// ctx was cancelled mid-backoff; exit quietly.
		return
	}

	ticker := time.NewTicker(w.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce()
		}
	}
}

// connectWithBackoff dials the PLC, retrying with exponential backoff
// until it succeeds or the worker is stopped. The teacher's manager used
// a flat 2-second retry; this caps growth at 30 seconds so a genuinely
// unreachable PLC doesn't hammer the network indefinitely.
func (w *Worker) connectWithBackoff() error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	operation := func() error {
		cfg := w.config()
		d, err := driver.Create(cfg)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := d.Connect(); err != nil {
			w.engine.Logger.Warn("plc connect failed, retrying", "plc", cfg.Name, "error", err)
			if w.engine.Store != nil {
				_ = w.engine.Store.UpdateDeviceStatus(context.Background(), w.plcID, "error", err.Error())
			}
			return err
		}
		w.mu.Lock()
		w.drv = d
		w.mu.Unlock()
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(bo, w.ctx))
}

func (w *Worker) pollOnce() {
	cfg := w.config()
	start := time.Now()

	w.mu.RLock()
	drv := w.drv
	w.mu.RUnlock()

	if drv == nil || !drv.IsConnected() {
		// At most one reconnect goroutine may be in flight per worker: the
		// poll ticker can fire again before connectWithBackoff returns, and
		// without this guard each tick would spawn another goroutine racing
		// to assign w.drv and leaking the loser's unclosed connection.
		if w.reconnecting.CompareAndSwap(false, true) {
			go func() {
				defer w.reconnecting.Store(false)
				if err := w.connectWithBackoff(); err == nil {
					w.workerReconnects.Add(1)
				}
			}()
		}
		return
	}

	var enabled []config.TagSelection
	for _, t := range cfg.Tags {
		if t.Enabled {
			enabled = append(enabled, t)
		}
	}

	if len(enabled) == 0 {
		_ = drv.Keepalive()
		return
	}

	values := w.readTags(drv, enabled)

	now := time.Now()
	tsMillis := now.UnixMilli()
	errCount := 0

	for i, tv := range values {
		sel := enabled[i]
		if tv == nil || tv.Error != nil {
			errCount++
			continue
		}

		raw := coerceToFloat(tv.Value)
		scaled := driver.Scale(raw, sel.Factor, sel.Offset)
		w.setLastValue(sel.Name, scaled)

		if err := w.recordSample(cfg.Name, sel.Name, scaled, model.QualityGood, tsMillis); err != nil {
			w.engine.Logger.Error("record sample failed", "plc", cfg.Name, "tag", sel.Name, "error", err)
		}

		if w.engine.OnSample != nil {
			w.engine.OnSample(cfg, &sel, scaled, model.QualityGood, tsMillis)
		}
	}

	elapsed := time.Since(start)
	overrun := elapsed > w.pollRate

	w.statsMu.Lock()
	if w.avgScan == 0 {
		w.avgScan = elapsed
	} else {
		w.avgScan = time.Duration(ewmaAlpha*float64(elapsed) + (1-ewmaAlpha)*float64(w.avgScan))
	}
	if overrun {
		w.scanOverruns++
	}
	w.stats = Stats{LastPollAt: now, TagsPolled: len(enabled), Errors: errCount, ScanOverruns: w.scanOverruns, AvgScanTime: w.avgScan}
	w.statsMu.Unlock()

	if overrun {
		w.engine.Logger.Warn("poll cycle exceeded poll rate", "plc", cfg.Name, "poll_rate", w.pollRate, "elapsed", time.Since(start))
	}

	if w.engine.Store != nil {
		_ = w.engine.Store.UpdateDeviceStatus(context.Background(), w.plcID, "connected", "")
	}
}

// readTags issues one Read() per tag when there are at most
// BatchReadThreshold tags, and a single batched Read() for all of them
// otherwise.
func (w *Worker) readTags(drv driver.Driver, sels []config.TagSelection) []*driver.TagValue {
	reqs := make([]driver.TagRequest, len(sels))
	for i, s := range sels {
		reqs[i] = driver.TagRequest{Name: s.Name, TypeHint: s.DataType}
	}

	if len(reqs) <= BatchReadThreshold {
		out := make([]*driver.TagValue, len(reqs))
		for i, r := range reqs {
			vs, err := drv.Read([]driver.TagRequest{r})
			switch {
			case err != nil:
				out[i] = &driver.TagValue{Name: r.Name, Error: err}
			case len(vs) > 0:
				out[i] = vs[0]
			}
		}
		return out
	}

	values, err := drv.Read(reqs)
	if err != nil {
		w.engine.Logger.Error("batch read failed", "error", err)
		out := make([]*driver.TagValue, len(sels))
		for i := range out {
			out[i] = &driver.TagValue{Name: sels[i].Name, Error: err}
		}
		return out
	}
	return values
}

func (w *Worker) write(tagName string, value float64) error {
	cfg := w.config()

	var sel *config.TagSelection
	for i := range cfg.Tags {
		if cfg.Tags[i].Name == tagName {
			sel = &cfg.Tags[i]
			break
		}
	}
	if sel == nil || !sel.Writable {
		return errTagNotWritable(tagName)
	}

	w.mu.RLock()
	drv := w.drv
	w.mu.RUnlock()
	if drv == nil {
		return errNoSuchWorker(cfg.Name)
	}

	raw := driver.Unscale(value, sel.Factor, sel.Offset)
	return drv.Write(tagName, raw)
}

func (w *Worker) recordSample(plcName, tagName string, value float64, quality int, tsMillis int64) error {
	w.mu.Lock()
	tagID, ok := w.tagIDs[tagName]
	w.mu.Unlock()

	if !ok {
		id, _, err := w.engine.Store.UpsertTag(w.ctx, &model.TagDefinition{
			PlcID: w.plcID, Name: tagName, Enabled: true,
		})
		if err != nil {
			return err
		}
		tagID = id
		w.mu.Lock()
		w.tagIDs[tagName] = tagID
		w.mu.Unlock()
	}

	return w.engine.Store.RecordSample(w.ctx, &model.Sample{
		TagID: tagID, Value: value, Quality: quality, Timestamp: tsMillis,
	})
}

// coerceToFloat mirrors the original gateway's collect_data value
// coercion: `float(value) if not isinstance(value, str) else 0`. A tag
// that reads back as a string (a PLC firmware quirk, or a misconfigured
// data type) silently buffers as 0.0 rather than erroring the whole
// sample. This is a known defect preserved intentionally rather than
// fixed — see the Open Questions resolution for the rationale.
func coerceToFloat(v interface{}) float64 {
	switch n := v.(type) {
	case string:
		return 0
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		return 0
	}
}

type workerError string

func (e workerError) Error() string { return string(e) }

func errNoSuchWorker(name string) error {
	return workerError("polling: no worker for plc " + strings.TrimSpace(name))
}

func errTagNotWritable(name string) error {
	return workerError("polling: tag not writable: " + strings.TrimSpace(name))
}
