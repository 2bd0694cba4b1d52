package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func jsonLogger(t *testing.T, level string) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	return NewLogger(LogConfig{Level: level, Format: "json", Output: &buf}), &buf
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &record); err != nil {
		t.Fatalf("unmarshal log record: %v", err)
	}
	return record
}

func TestLoggerRespectsLevel(t *testing.T) {
	logger, buf := jsonLogger(t, "warn")

	logger.Debug(context.Background(), "iteration scheduled")
	logger.Info(context.Background(), "iteration completed")
	if buf.Len() != 0 {
		t.Fatalf("expected debug/info suppressed at warn level, got %q", buf.String())
	}

	logger.Warn(context.Background(), "quality gate failed")
	if buf.Len() == 0 {
		t.Fatal("expected warn record to be written")
	}
}

func TestLoggerExtractsCorrelationFieldsFromContext(t *testing.T) {
	logger, buf := jsonLogger(t, "debug")

	ctx := WithSessionID(context.Background(), "sess-42")
	ctx = WithConnectionID(ctx, "conn-7")
	ctx = WithRole(ctx, "PLANNER")
	logger.Debug(ctx, "handoff published")

	record := lastRecord(t, buf)
	if record["session_id"] != "sess-42" {
		t.Errorf("session_id = %v, want sess-42", record["session_id"])
	}
	if record["connection_id"] != "conn-7" {
		t.Errorf("connection_id = %v, want conn-7", record["connection_id"])
	}
	if record["role"] != "PLANNER" {
		t.Errorf("role = %v, want PLANNER", record["role"])
	}
}

func TestLoggerRedactsBackendSecretsInPromptText(t *testing.T) {
	logger, buf := jsonLogger(t, "info")

	prompt := "set api_key=abcdef0123456789abcdef before calling the backend"
	logger.Info(context.Background(), "prompt built", "prompt", prompt)

	out := buf.String()
	if strings.Contains(out, "abcdef0123456789abcdef") {
		t.Fatalf("secret survived redaction: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction placeholder in %s", out)
	}
}

func TestLoggerRedactsProviderKeyShapes(t *testing.T) {
	logger, buf := jsonLogger(t, "info")

	anthropicKey := "sk-ant-" + strings.Repeat("a", 96)
	logger.Info(context.Background(), "probe failed", "err", errors.New("bad key "+anthropicKey))

	if strings.Contains(buf.String(), anthropicKey) {
		t.Fatalf("provider key survived redaction: %s", buf.String())
	}
}

func TestLoggerRedactsSensitiveMapKeysWholesale(t *testing.T) {
	logger, buf := jsonLogger(t, "info")

	logger.Info(context.Background(), "handshake", "payload", map[string]any{
		"token":  "observer-auth-token-value",
		"origin": "https://dashboard.example",
	})

	out := buf.String()
	if strings.Contains(out, "observer-auth-token-value") {
		t.Fatalf("token value survived redaction: %s", out)
	}
	if !strings.Contains(out, "dashboard.example") {
		t.Fatalf("non-sensitive map value was lost: %s", out)
	}
}

func TestLoggerCustomRedactPattern(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:          "info",
		Format:         "json",
		Output:         &buf,
		RedactPatterns: []string{`ccsess_[a-z0-9]+`},
	})

	logger.Info(context.Background(), "resume token ccsess_abc123 rejected")
	if strings.Contains(buf.String(), "ccsess_abc123") {
		t.Fatalf("custom pattern not applied: %s", buf.String())
	}
}

func TestWithFieldsAddsToEveryRecord(t *testing.T) {
	logger, buf := jsonLogger(t, "info")
	component := logger.WithFields("component", "observerpool")

	component.Info(context.Background(), "pool started")
	record := lastRecord(t, buf)
	if record["component"] != "observerpool" {
		t.Errorf("component = %v, want observerpool", record["component"])
	}
}

func TestLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "text", Output: &buf})

	logger.Info(context.Background(), "session completed", "status", "COMPLETED")
	out := buf.String()
	if !strings.Contains(out, "session completed") || !strings.Contains(out, "COMPLETED") {
		t.Fatalf("unexpected text output: %s", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("expected text format, got JSON: %s", out)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"warning": "WARN",
		"error":   "ERROR",
		"bogus":   "INFO",
		"":        "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
