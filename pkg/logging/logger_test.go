package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// lines decodes every JSON log line written to buf.
func lines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var line map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("invalid log line %q: %v", scanner.Text(), err)
		}
		out = append(out, line)
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != LevelInfo || cfg.Pretty || cfg.Service != "shellcache" {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
}

func TestFromSettings(t *testing.T) {
	tests := []struct {
		level     string
		pretty    bool
		wantLevel LogLevel
	}{
		{level: "debug", pretty: true, wantLevel: LevelDebug},
		{level: "", pretty: false, wantLevel: LevelInfo},
		{level: "trace", pretty: false, wantLevel: LevelTrace},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := FromSettings(tt.level, tt.pretty)
			if cfg.Level != tt.wantLevel || cfg.Pretty != tt.pretty {
				t.Errorf("FromSettings(%q, %v) = %+v", tt.level, tt.pretty, cfg)
			}
			if cfg.Service != "shellcache" {
				t.Errorf("Service = %q, want shellcache", cfg.Service)
			}
		})
	}
}

func TestSetup_ComponentLines(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelDebug, Output: buf, Service: "shellcache-test"})

	strategyLog := NewLogger("strategy")
	strategyLog.Debug().
		Str("url", "https://app.example/js/app.js").
		Str("partition", "app-shell-v1").
		Msg("Cache hit")
	lifecycleLog := NewLogger("lifecycle")
	lifecycleLog.Info().
		Strs("deleted", []string{"app-shell-v0"}).
		Msg("Activated")

	got := lines(t, buf)
	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2", len(got))
	}

	tests := []struct {
		component string
		level     string
		message   string
	}{
		{component: "strategy", level: "debug", message: "Cache hit"},
		{component: "lifecycle", level: "info", message: "Activated"},
	}
	for i, tt := range tests {
		line := got[i]
		if line["service"] != "shellcache-test" {
			t.Errorf("line %d service = %v", i, line["service"])
		}
		if line["component"] != tt.component || line["level"] != tt.level || line["message"] != tt.message {
			t.Errorf("line %d = %v, want %s/%s/%s", i, line, tt.component, tt.level, tt.message)
		}
		if _, ok := line["time"]; !ok {
			t.Errorf("line %d has no timestamp", i)
		}
	}
	if got[0]["partition"] != "app-shell-v1" {
		t.Errorf("partition = %v", got[0]["partition"])
	}
}

func TestSetup_WithoutService(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})
	hostLog := NewLogger("host")
	hostLog.Info().Msg("Serving")

	got := lines(t, buf)
	if len(got) != 1 {
		t.Fatalf("got %d lines, want 1", len(got))
	}
	if _, ok := got[0]["service"]; ok {
		t.Errorf("service field should be absent, got %v", got[0])
	}
}

func TestSetup_LevelFiltering(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  []string
	}{
		{level: LevelTrace, want: []string{"trace", "debug", "info", "warn", "error"}},
		{level: LevelDebug, want: []string{"debug", "info", "warn", "error"}},
		{level: LevelInfo, want: []string{"info", "warn", "error"}},
		{level: LevelWarn, want: []string{"warn", "error"}},
		{level: LevelError, want: []string{"error"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := &bytes.Buffer{}
			Setup(Config{Level: tt.level, Output: buf})

			logger := NewLogger("worker")
			logger.Trace().Msg("trace")
			logger.Debug().Msg("debug")
			logger.Info().Msg("info")
			logger.Warn().Msg("warn")
			logger.Error().Msg("error")

			var levels []string
			for _, line := range lines(t, buf) {
				levels = append(levels, line["level"].(string))
			}
			if strings.Join(levels, ",") != strings.Join(tt.want, ",") {
				t.Errorf("levels = %v, want %v", levels, tt.want)
			}
		})
	}
}

func TestSetup_Pretty(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Pretty: true, Output: buf, Service: "shellcache"})
	hostLog := NewLogger("host")
	hostLog.Info().Str("addr", ":8080").Msg("Serving")

	output := buf.String()
	if strings.HasPrefix(strings.TrimSpace(output), "{") {
		t.Errorf("pretty output should not be JSON: %q", output)
	}
	for _, want := range []string{"Serving", "component=", "host", "addr=", ":8080"} {
		if !strings.Contains(output, want) {
			t.Errorf("pretty output %q missing %q", output, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelTrace, zerolog.TraceLevel},
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"WARNING", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}
