package zerolog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aegislabs/subquota/pkg/subquota"
)

func TestLogger_WritesAllLevels(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	if output.Len() == 0 {
		t.Fatal("Expected log output")
	}

	lines := bytes.Count(output.Bytes(), []byte("\n"))
	if lines != 4 {
		t.Errorf("Expected 4 log lines, got %d", lines)
	}
}

func TestLogger_Fields(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Info("quota denied",
		subquota.Field{Key: "user_id", Value: "user1"},
		subquota.Field{Key: "day_count", Value: 5})

	var entry map[string]interface{}
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["user_id"] != "user1" {
		t.Errorf("user_id = %v", entry["user_id"])
	}
	if entry["day_count"] != float64(5) {
		t.Errorf("day_count = %v", entry["day_count"])
	}
	if entry["message"] != "quota denied" {
		t.Errorf("message = %v", entry["message"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("filtered")
	logger.Info("filtered")
	if output.Len() != 0 {
		t.Errorf("Expected no output below warn level, got %q", output.String())
	}

	logger.Warn("kept")
	if output.Len() == 0 {
		t.Error("Expected warn output")
	}
}
