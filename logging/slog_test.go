package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewGatewayLogger_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")

	logger := NewGatewayLogger(path, slog.LevelInfo)
	logger.Info("gateway starting", "gateway_id", "gw-1")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected log file to contain the written record")
	}
}

func TestNewGatewayLogger_RespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")

	logger := NewGatewayLogger(path, slog.LevelWarn)
	logger.Debug("should be filtered out")
	logger.Warn("should be written")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected the warn-level record to be written")
	}
	if strings.Contains(string(data), "should be filtered out") {
		t.Error("expected the debug-level record to be filtered out")
	}
}
