package log

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestWithComponentFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Service: "thumbnail-test", Version: "v0test"})
	defer Configure(Config{})

	l := WithComponent("coord")
	l.Info().Str(FieldEvent, "queue.push").Msg("enqueued")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log output: %v", err)
	}
	if entry["component"] != "coord" {
		t.Errorf("component = %v, want coord", entry["component"])
	}
	if entry["event"] != "queue.push" {
		t.Errorf("event = %v, want queue.push", entry["event"])
	}
	if entry["service"] != "thumbnail-test" {
		t.Errorf("service = %v, want thumbnail-test", entry["service"])
	}
	if entry["version"] != "v0test" {
		t.Errorf("version = %v, want v0test", entry["version"])
	}
}

func TestConfigureReplacesLevel(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Level: "error"})
	defer Configure(Config{})

	l := Base()
	l.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Errorf("info entry must be dropped at error level, got %q", buf.String())
	}

	Configure(Config{Output: &buf, Level: "debug"})
	l = Base()
	l.Debug().Msg("kept")
	if buf.Len() == 0 {
		t.Error("debug entry must pass at debug level")
	}
}
