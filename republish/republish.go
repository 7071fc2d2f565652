// Package republish fans every sample the polling engine reads out to
// the configured MQTT, Kafka, and Valkey publishers and to the TagPack
// manager's change-detection, the on-prem equivalent of the portal data
// upload path. It replaces the teacher's manager.SetOnValueChange batch
// callback (one slice of ValueChanges per tick, grouped per PLC) with a
// per-sample hook wired to polling.Engine.OnSample, since the gateway
// buffers samples through the store rather than holding them in memory
// between poll and publish.
package republish

import (
	"log/slog"

	"hercules/config"
	"hercules/kafka"
	"hercules/mqtt"
	"hercules/tagpack"
	"hercules/valkey"
)

// Fanout republishes every polled sample to whichever local targets are
// running and the tag isn't inhibited from.
type Fanout struct {
	MQTT    *mqtt.Manager
	Kafka   *kafka.Manager
	Valkey  *valkey.Manager
	TagPack *tagpack.Manager
	Logger  *slog.Logger
}

// New returns a Fanout wired to the given publisher managers. Any of
// them may be nil, in which case that target is simply skipped.
func New(mqttMgr *mqtt.Manager, kafkaMgr *kafka.Manager, valkeyMgr *valkey.Manager, packMgr *tagpack.Manager, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{MQTT: mqttMgr, Kafka: kafkaMgr, Valkey: valkeyMgr, TagPack: packMgr, Logger: logger}
}

// OnSample is the callback to assign to polling.Engine.OnSample. It's
// called synchronously from the worker goroutine that read the value, so
// it never blocks on I/O itself — each publisher manager already queues
// or batches internally.
func (f *Fanout) OnSample(plc *config.PLCConfig, tag *config.TagSelection, value float64, quality int, ts int64) {
	if f.TagPack != nil {
		f.TagPack.OnTagChanges(plc.Name, []string{tag.Name})
	}

	if !tag.PublishesToAny() {
		return
	}

	writable := tag.Writable
	memloc := ""
	if tag.Alias != "" {
		memloc = tag.Name
	}

	if f.MQTT != nil && !tag.NoMQTT && f.MQTT.AnyRunning() {
		f.MQTT.Publish(plc.Name, tag.Name, tag.DataType, value, false)
	}
	if f.Kafka != nil && !tag.NoKafka && f.Kafka.AnyPublishing() {
		f.Kafka.Publish(plc.Name, tag.Name, tag.Alias, memloc, tag.DataType, value, writable, false)
	}
	if f.Valkey != nil && !tag.NoValkey && f.Valkey.AnyRunning() {
		f.Valkey.Publish(plc.Name, tag.Name, tag.Alias, memloc, tag.DataType, value, writable)
	}
}

// ForcePublishAll re-sends the current value of every tag to every
// running target regardless of change-detection, mirroring the
// teacher's ForcePublishAllValues* calls made right after a publisher
// connects so a fresh subscriber doesn't have to wait for the next
// change before it sees anything.
func (f *Fanout) ForcePublishAll(cfg *config.Config, reader func(plcName, tagName string) (interface{}, bool)) {
	for i := range cfg.PLCs {
		plc := &cfg.PLCs[i]
		for j := range plc.Tags {
			tag := &plc.Tags[j]
			if !tag.Enabled || !tag.PublishesToAny() {
				continue
			}
			v, ok := reader(plc.Name, tag.Name)
			if !ok {
				continue
			}
			value, ok := v.(float64)
			if !ok {
				continue
			}

			memloc := ""
			if tag.Alias != "" {
				memloc = tag.Name
			}

			if f.MQTT != nil && !tag.NoMQTT {
				f.MQTT.Publish(plc.Name, tag.Name, tag.DataType, value, true)
			}
			if f.Kafka != nil && !tag.NoKafka {
				f.Kafka.Publish(plc.Name, tag.Name, tag.Alias, memloc, tag.DataType, value, tag.Writable, true)
			}
			if f.Valkey != nil && !tag.NoValkey {
				f.Valkey.Publish(plc.Name, tag.Name, tag.Alias, memloc, tag.DataType, value, tag.Writable)
			}
		}
	}
}
