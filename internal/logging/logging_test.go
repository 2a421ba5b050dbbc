package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestComponentJSON(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, slog.LevelInfo, true)
	t.Cleanup(func() { InitWithWriter(&bytes.Buffer{}, slog.LevelInfo, false) })

	Component("consumer").Info("subscribed", "stream", "ecn_mobile_stream")
	Component("consumer").Debug("filtered")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["component"] != "consumer" || rec["stream"] != "ecn_mobile_stream" || rec["msg"] != "subscribed" {
		t.Errorf("record = %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPreview(t *testing.T) {
	if got := Preview([]byte("short"), 10); got != "short" {
		t.Errorf("Preview = %q", got)
	}
	if got := Preview([]byte("0123456789abc"), 4); got != "0123...(13 bytes)" {
		t.Errorf("Preview = %q", got)
	}
}

func TestPreviewMultibyte(t *testing.T) {
	// "é" is two bytes; a cut after byte 2 lands inside it.
	got := Preview([]byte("aé€z"), 2)
	if got != "a...(7 bytes)" {
		t.Errorf("Preview = %q", got)
	}
	if !utf8.ValidString(got) {
		t.Errorf("Preview produced invalid UTF-8: %q", got)
	}
}

func TestPreviewBinary(t *testing.T) {
	body := []byte{0x0a, 0x01, 'S', 0xff, 0xfe, 0x00}
	if got := Preview(body, 16); got != "hex:0a0153fffe00" {
		t.Errorf("Preview = %q", got)
	}
	if got := Preview(body, 2); got != "hex:0a01...(6 bytes)" {
		t.Errorf("Preview = %q", got)
	}
}
