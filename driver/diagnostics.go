package driver

import (
	"sync"
	"sync/atomic"
	"time"

	"hercules/config"
)

// diagnosticsEWMAAlpha weights the most recent operation's latency at
// 20% against the running average, the same smoothing constant the
// Polling Engine uses for its own per-cycle scan time.
const diagnosticsEWMAAlpha = 0.2

// counters is embedded by every adapter that performs real I/O (S7,
// EtherNet/IP, Modbus) to track the fields Diagnostics reports. The
// OPC-UA stub has nothing to count, since it never connects.
type counters struct {
	reads      atomic.Uint64
	writes     atomic.Uint64
	errors     atomic.Uint64
	reconnects atomic.Uint64

	mu        sync.Mutex
	avgMs     float64
	lastError string
}

// recordRead and recordWrite update the running average response time
// and, on error, the error count and last error text.
func (c *counters) recordRead(d time.Duration, err error) { c.reads.Add(1); c.observe(d, err) }
func (c *counters) recordWrite(d time.Duration, err error) { c.writes.Add(1); c.observe(d, err) }

// recordReconnect is called by Connect() on every successful dial, so
// Diagnostics().Reconnects reflects how many times this adapter instance
// had to (re-)establish its connection.
func (c *counters) recordReconnect() { c.reconnects.Add(1) }

func (c *counters) observe(d time.Duration, err error) {
	ms := float64(d.Milliseconds())

	c.mu.Lock()
	if c.avgMs == 0 {
		c.avgMs = ms
	} else {
		c.avgMs = diagnosticsEWMAAlpha*ms + (1-diagnosticsEWMAAlpha)*c.avgMs
	}
	if err != nil {
		c.lastError = err.Error()
	}
	c.mu.Unlock()

	if err != nil {
		c.errors.Add(1)
	}
}

// snapshot builds the Diagnostics value a Driver.Diagnostics() call
// returns, filling in the protocol and address from the adapter's
// configuration.
func (c *counters) snapshot(protocol config.Protocol, address string) Diagnostics {
	c.mu.Lock()
	avg := c.avgMs
	lastErr := c.lastError
	c.mu.Unlock()

	return Diagnostics{
		Reads:         c.reads.Load(),
		Writes:        c.writes.Load(),
		Errors:        c.errors.Load(),
		Reconnects:    c.reconnects.Load(),
		AvgResponseMs: avg,
		LastError:     lastErr,
		Address:       address,
		Protocol:      protocol,
	}
}
