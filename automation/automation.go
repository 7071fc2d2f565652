// Package automation wires the condition-action rule engine to the
// Polling Engine's live tag cache, giving operators on-prem webhook and
// writeback automation that doesn't depend on the cloud portal. This is
// distinct from the portal's own (deferred) alarm pipeline: rules here
// never produce AlarmEvent rows.
package automation

import (
	"fmt"
	"log/slog"

	"hercules/config"
	"hercules/kafka"
	"hercules/mqtt"
	"hercules/polling"
	"hercules/rule"
)

// tagWriterAdapter narrows polling.Engine's float64-typed WriteTag down
// to the interface{}-typed signature rule.TagWriter expects.
type tagWriterAdapter struct {
	engine *polling.Engine
}

func (a tagWriterAdapter) WriteTag(plcName, tagName string, value interface{}) error {
	f, ok := toFloat64(value)
	if !ok {
		return errUnsupportedWriteValue(tagName)
	}
	return a.engine.WriteTag(plcName, tagName, f)
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

type automationError string

func (e automationError) Error() string { return string(e) }

func errUnsupportedWriteValue(tagName string) error {
	return automationError("automation: unsupported write value type for tag " + tagName)
}

// Engine manages the configured set of automation rules.
type Engine struct {
	manager *rule.Manager
	logger  *slog.Logger
}

// New builds an automation Engine backed by the Polling Engine's live
// tag cache (read path) and write path, with Kafka/MQTT available to
// rule actions that publish or notify.
func New(pollingEngine *polling.Engine, kafkaMgr *kafka.Manager, mqttMgr *mqtt.Manager, namespace string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	mgr := rule.NewManager(kafkaMgr, pollingEngine, tagWriterAdapter{engine: pollingEngine})
	mgr.SetMQTTManager(mqttMgr)
	mgr.SetNamespace(namespace)
	mgr.SetLogFunc(func(format string, args ...interface{}) {
		logger.Info(fmt.Sprintf(format, args...))
	})

	return &Engine{manager: mgr, logger: logger}
}

// Reconfigure replaces the running rule set with cfg.Rules. Existing
// rules not present in cfg are stopped and removed; rules whose
// definition changed are restarted with the new definition.
func (e *Engine) Reconfigure(cfg *config.Config) {
	seen := make(map[string]bool, len(cfg.Rules))
	for i := range cfg.Rules {
		rc := &cfg.Rules[i]
		seen[rc.Name] = true
		_ = e.manager.UpdateRule(rc)
	}

	for _, name := range e.manager.ListRules() {
		if !seen[name] {
			e.manager.RemoveRule(name)
		}
	}
}

// Start arms every configured rule.
func (e *Engine) Start() {
	e.manager.Start()
}

// Stop disarms every rule.
func (e *Engine) Stop() {
	e.manager.Stop()
}

// Status returns a snapshot of every rule's current state, for
// diagnostics/reporting.
func (e *Engine) Status() []rule.RuleInfo {
	return e.manager.GetAllRuleInfo()
}

