package automation

import (
	"context"
	"path/filepath"
	"testing"

	"hercules/config"
	"hercules/kafka"
	"hercules/mqtt"
	"hercules/polling"
	"hercules/store"
)

func newTestPollingEngine(t *testing.T) *polling.Engine {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "gateway.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return polling.NewEngine(st, nil)
}

func TestEngine_ReconfigureAddsAndRemovesRules(t *testing.T) {
	pe := newTestPollingEngine(t)
	e := New(pe, kafka.NewManager(), mqtt.NewManager(), "hercules", nil)

	cfg := &config.Config{
		Rules: []config.RuleConfig{
			{
				Name:    "high-temp",
				Enabled: true,
				Conditions: []config.RuleCondition{
					{PLC: "line1", Tag: "Temp1", Operator: ">", Value: 100.0},
				},
				Actions: []config.RuleAction{
					{Type: config.ActionPublish, MQTTBroker: "broker1", MQTTTopic: "alerts/hightemp"},
				},
			},
		},
	}
	e.Reconfigure(cfg)

	status := e.Status()
	if len(status) != 1 || status[0].Name != "high-temp" {
		t.Fatalf("expected rule high-temp to be registered, got %+v", status)
	}

	cfg.Rules = nil
	e.Reconfigure(cfg)

	if len(e.Status()) != 0 {
		t.Errorf("expected no rules after removal from config, got %+v", e.Status())
	}
}

func TestTagWriterAdapter_RejectsUnsupportedValueType(t *testing.T) {
	pe := newTestPollingEngine(t)
	adapter := tagWriterAdapter{engine: pe}

	if err := adapter.WriteTag("line1", "Tag1", "not-a-number"); err == nil {
		t.Fatal("expected error writing a non-numeric value")
	}
}

func TestEngine_StartStopDoesNotPanicWithNoRules(t *testing.T) {
	pe := newTestPollingEngine(t)
	e := New(pe, kafka.NewManager(), mqtt.NewManager(), "hercules", nil)

	e.Start()
	e.Stop()
}
