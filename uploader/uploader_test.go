package uploader

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"hercules/model"
	"hercules/store"
)

func newTestStoreWithSample(t *testing.T) (*store.Store, int64) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "gateway.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	plcID, _, err := st.UpsertDevice(context.Background(), &model.PlcDevice{Name: "line1", Protocol: "s7", Address: "10.0.0.5"})
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	tagID, _, err := st.UpsertTag(context.Background(), &model.TagDefinition{PlcID: plcID, Name: "Temp1", Enabled: true})
	if err != nil {
		t.Fatalf("UpsertTag: %v", err)
	}
	if err := st.RecordSample(context.Background(), &model.Sample{TagID: tagID, Value: 42, Quality: model.QualityGood, Timestamp: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("RecordSample: %v", err)
	}
	return st, tagID
}

func TestUploadOnce_NoPendingSamplesIsANoOp(t *testing.T) {
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "gateway.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	u := New(srv.URL, "", "sk-test", "gw-test", false, st, nil)
	if err := u.UploadOnce(context.Background()); err != nil {
		t.Fatalf("UploadOnce: %v", err)
	}
	if called {
		t.Error("expected no HTTP request when there's nothing to upload")
	}
}

func TestUploadOnce_SuccessMarksSamplesUploaded(t *testing.T) {
	st, _ := newTestStoreWithSample(t)

	var gotAuth, gotGatewayID, gotEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotGatewayID = r.Header.Get("X-Gateway-ID")
		gotEncoding = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := New(srv.URL, "", "sk-test", "gw-test", false, st, nil)
	if err := u.UploadOnce(context.Background()); err != nil {
		t.Fatalf("UploadOnce: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("unexpected Authorization header: %q", gotAuth)
	}
	if gotGatewayID != "gw-test" {
		t.Errorf("unexpected X-Gateway-ID header: %q", gotGatewayID)
	}
	if gotEncoding != "" {
		t.Errorf("expected no Content-Encoding when compression is off, got %q", gotEncoding)
	}

	pending, err := st.PendingSamples(context.Background(), 10)
	if err != nil {
		t.Fatalf("PendingSamples: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 pending samples after successful upload, got %d", len(pending))
	}

	if rate := u.SuccessRate(); rate != 1.0 {
		t.Errorf("expected success rate 1.0, got %v", rate)
	}
}

func TestUploadOnce_CompressionEnabledSendsGzip(t *testing.T) {
	st, _ := newTestStoreWithSample(t)

	var decoded batchPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			t.Errorf("expected gzip Content-Encoding, got %q", r.Header.Get("Content-Encoding"))
		}
		gr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Fatalf("gzip.NewReader: %v", err)
		}
		raw, err := io.ReadAll(gr)
		if err != nil {
			t.Fatalf("read gzip body: %v", err)
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := New(srv.URL, "", "sk-test", "gw-test", true, st, nil)
	if err := u.UploadOnce(context.Background()); err != nil {
		t.Fatalf("UploadOnce: %v", err)
	}

	if len(decoded.Data) != 1 || decoded.Data[0].Value != 42 {
		t.Errorf("unexpected decoded payload: %+v", decoded)
	}
}

func TestUploadOnce_FailureMarksRetryAndIsNotUploaded(t *testing.T) {
	st, _ := newTestStoreWithSample(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u := New(srv.URL, "", "sk-test", "gw-test", false, st, nil)
	if err := u.UploadOnce(context.Background()); err == nil {
		t.Fatal("expected error on 500 response")
	}

	pending, err := st.PendingSamples(context.Background(), 10)
	if err != nil {
		t.Fatalf("PendingSamples: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected sample to remain pending after failed upload, got %d", len(pending))
	}
	if pending[0].RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", pending[0].RetryCount)
	}

	if rate := u.SuccessRate(); rate != 0 {
		t.Errorf("expected success rate 0 after a failure, got %v", rate)
	}
}
