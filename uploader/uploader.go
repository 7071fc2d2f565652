// Package uploader batches buffered samples out of the Local Store and
// ships them to the portal's data endpoint, optionally gzip-compressed.
package uploader

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hercules/store"
)

// BatchSize is the maximum number of samples shipped in one upload,
// matching the original gateway's `LIMIT 1000` upload query.
const BatchSize = 1000

// DefaultInterval is how often the Uploader drains the buffer absent any
// other trigger.
const DefaultInterval = 5 * time.Second

type wireSample struct {
	TagID     int64   `json:"tag_id"`
	Value     float64 `json:"value"`
	Quality   int     `json:"quality"`
	Timestamp int64   `json:"timestamp"`
}

type batchPayload struct {
	GatewayID string       `json:"gateway_id"`
	BatchID   string       `json:"batch_id"`
	Timestamp int64        `json:"timestamp"`
	Data      []wireSample `json:"data"`
}

// Uploader drains the Local Store's upload queue on an interval.
type Uploader struct {
	APIBase        string
	DataEndpoint   string
	APIKey         string
	GatewayID      string
	CompressionOn  bool
	Store          *store.Store
	HTTPClient     *http.Client
	Logger         *slog.Logger
	Interval       time.Duration

	successCount uint64
	failureCount uint64
}

// New returns an Uploader with sane HTTP client/logger/interval defaults.
func New(apiBase, dataEndpoint, apiKey, gatewayID string, compressionOn bool, st *store.Store, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		APIBase:       apiBase,
		DataEndpoint:  dataEndpoint,
		APIKey:        apiKey,
		GatewayID:     gatewayID,
		CompressionOn: compressionOn,
		Store:         st,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
		Logger:        logger,
		Interval:      DefaultInterval,
	}
}

// Run blocks, draining the buffer on Interval until ctx is cancelled.
func (u *Uploader) Run(ctx context.Context) {
	ticker := time.NewTicker(u.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.UploadOnce(ctx); err != nil {
				u.Logger.Error("upload failed", "error", err)
			}
		}
	}
}

// UploadOnce ships a single batch of pending samples, if any are queued.
// Returns nil if there was nothing to upload.
func (u *Uploader) UploadOnce(ctx context.Context) error {
	samples, err := u.Store.PendingSamples(ctx, BatchSize)
	if err != nil {
		return fmt.Errorf("uploader: fetch pending: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}

	ids := make([]int64, len(samples))
	wire := make([]wireSample, len(samples))
	for i, s := range samples {
		ids[i] = s.ID
		wire[i] = wireSample{TagID: s.TagID, Value: s.Value, Quality: s.Quality, Timestamp: s.Timestamp}
	}

	payload := batchPayload{
		GatewayID: u.GatewayID,
		BatchID:   uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Data:      wire,
	}

	body, contentEncoding, err := u.encode(payload)
	if err != nil {
		return fmt.Errorf("uploader: encode batch: %w", err)
	}

	endpoint := u.DataEndpoint
	if endpoint == "" {
		endpoint = u.APIBase + "/api/gateway/data"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("uploader: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+u.APIKey)
	req.Header.Set("X-Gateway-ID", u.GatewayID)
	req.Header.Set("Content-Type", "application/json")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}

	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		atomic.AddUint64(&u.failureCount, 1)
		_ = u.Store.MarkUploadFailed(ctx, ids)
		return fmt.Errorf("uploader: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		atomic.AddUint64(&u.failureCount, 1)
		_ = u.Store.MarkUploadFailed(ctx, ids)
		return fmt.Errorf("uploader: portal returned %d", resp.StatusCode)
	}

	if err := u.Store.MarkUploaded(ctx, ids); err != nil {
		return fmt.Errorf("uploader: mark uploaded: %w", err)
	}

	atomic.AddUint64(&u.successCount, 1)
	u.Logger.Info("uploaded batch", "count", len(wire), "batch_id", payload.BatchID)
	return nil
}

func (u *Uploader) encode(payload batchPayload) (body []byte, contentEncoding string, err error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}

	if !u.CompressionOn {
		return raw, "", nil
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, "", err
	}
	if err := gw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "gzip", nil
}

// SuccessRate returns the fraction of upload attempts (batches, not
// samples) that have succeeded since the Uploader started, for the
// heartbeat's upload_success_rate metric. Returns 1.0 if nothing has
// been attempted yet.
func (u *Uploader) SuccessRate() float64 {
	success := atomic.LoadUint64(&u.successCount)
	failure := atomic.LoadUint64(&u.failureCount)
	total := success + failure
	if total == 0 {
		return 1.0
	}
	return float64(success) / float64(total)
}
