package republish

import (
	"testing"

	"hercules/config"
	"hercules/kafka"
	"hercules/mqtt"
	"hercules/valkey"
)

func TestFanout_OnSample_SkipsInhibitedTargets(t *testing.T) {
	f := New(mqtt.NewManager(), kafka.NewManager(), valkey.NewManager(), nil, nil)

	plc := &config.PLCConfig{Name: "line1"}
	tag := &config.TagSelection{Name: "Temp1", NoMQTT: true, NoKafka: true, NoValkey: true}

	// No running publishers and every target inhibited: must not panic
	// and must not call into any manager's Publish path.
	f.OnSample(plc, tag, 42.0, 0, 0)
}

func TestFanout_OnSample_NoPublishersConfiguredIsANoOp(t *testing.T) {
	f := New(mqtt.NewManager(), kafka.NewManager(), valkey.NewManager(), nil, nil)

	plc := &config.PLCConfig{Name: "line1"}
	tag := &config.TagSelection{Name: "Temp1"}

	f.OnSample(plc, tag, 42.0, 0, 0)
}

func TestFanout_OnSample_NilManagersAreSkipped(t *testing.T) {
	f := New(nil, nil, nil, nil, nil)

	plc := &config.PLCConfig{Name: "line1"}
	tag := &config.TagSelection{Name: "Temp1"}

	f.OnSample(plc, tag, 42.0, 0, 0)
}

func TestFanout_ForcePublishAll_SkipsDisabledAndNonFloatValues(t *testing.T) {
	f := New(mqtt.NewManager(), kafka.NewManager(), valkey.NewManager(), nil, nil)

	cfg := &config.Config{
		PLCs: []config.PLCConfig{
			{
				Name: "line1",
				Tags: []config.TagSelection{
					{Name: "Temp1", Enabled: true},
					{Name: "Temp2", Enabled: false},
				},
			},
		},
	}

	calls := 0
	reader := func(plcName, tagName string) (interface{}, bool) {
		calls++
		if tagName == "Temp1" {
			return 99.5, true
		}
		return nil, false
	}

	f.ForcePublishAll(cfg, reader)

	if calls != 1 {
		t.Fatalf("expected reader to be consulted once (only for the enabled tag), got %d calls", calls)
	}
}
