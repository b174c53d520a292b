package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_SessionFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "minerelay", "test", "info", "json")

	ctx := context.WithValue(context.Background(), SessionIDKey, "s-1")
	logger.WithContext(ctx).WithComponent("session").LogWalletSwitch("operator", "dev phase", true)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}

	checks := map[string]any{
		"service":     "minerelay",
		"session_id":  "s-1",
		"component":   "session",
		"wallet_type": "operator",
		"relogin":     true,
		"msg":         "wallet switch",
	}
	for k, want := range checks {
		if entry[k] != want {
			t.Errorf("field %s = %v, want %v", k, entry[k], want)
		}
	}
}

func TestLogger_PoolMessageOnlyAtDebug(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "minerelay", "test", "info", "text").LogPoolMessage("recv", []byte(`{"method":"job"}`))
	if buf.Len() != 0 {
		t.Errorf("expected no output at info level, got %q", buf.String())
	}

	NewWithWriter(&buf, "minerelay", "test", "debug", "text").LogPoolMessage("recv", []byte(`{"method":"job"}`))
	if buf.Len() == 0 {
		t.Error("expected output at debug level")
	}
}
