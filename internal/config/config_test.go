package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
)

func parse(t *testing.T, args ...string) (*CLI, string, error) {
	t.Helper()
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, nil, 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	var cli CLI
	parser, err := kong.New(&cli, kong.Name("stationd"), kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	kctx, err := parser.Parse(append([]string{"--env-file=" + envFile}, args...))
	if err != nil {
		return nil, "", err
	}
	return &cli, kctx.Command(), nil
}

func TestDefaults(t *testing.T) {
	t.Setenv("AMQP_HOST", "rabbit.internal")

	cli, cmd, err := parse(t)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd != "run" {
		t.Errorf("command = %q, want run", cmd)
	}
	run := cli.Run
	if run.AMQP.Host != "rabbit.internal" || run.AMQP.Vhost != "/" || run.AMQP.Prefetch != 1 {
		t.Errorf("amqp = %+v", run.AMQP)
	}
	if got := run.Queue(StationaryQueue); got != "ecn_stationary_v1" {
		t.Errorf("stationary queue = %q", got)
	}
	if got := run.Queue(MobileQueue); got != "ecn_mobile_stream" {
		t.Errorf("mobile queue = %q", got)
	}
	if run.ReconnectDelay != 5*time.Second {
		t.Errorf("ReconnectDelay = %v, want 5s", run.ReconnectDelay)
	}
	if !run.LegacyZeroAsMissing || !run.Quarantine {
		t.Error("legacy zero handling and quarantine should default on")
	}
	if cli.StorageURI != "data/stationd.db" {
		t.Errorf("StorageURI = %q", cli.StorageURI)
	}
	if cli.Level() != slog.LevelInfo {
		t.Errorf("Level = %v, want info", cli.Level())
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("AMQP_HOST", "rabbit.internal")
	t.Setenv("QUEUE_PREFIX", "staging_")
	t.Setenv("LEGACY_ZERO_AS_MISSING", "false")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MAX_IN_FLIGHT", "2")

	cli, _, err := parse(t, "run")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cli.Run.Queue(StationaryQueue); got != "staging_stationary_v1" {
		t.Errorf("queue = %q", got)
	}
	if cli.Run.LegacyZeroAsMissing {
		t.Error("LEGACY_ZERO_AS_MISSING=false ignored")
	}
	if cli.Run.MaxInFlight != 2 {
		t.Errorf("MaxInFlight = %d, want 2", cli.Run.MaxInFlight)
	}
	if cli.Level() != slog.LevelDebug {
		t.Errorf("Level = %v, want debug", cli.Level())
	}
}

func TestFlags(t *testing.T) {
	cli, _, err := parse(t, "run", "--amqp-host=localhost:5673", "--no-quarantine", "--handle-timeout=2s")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cli.Run.AMQP.Host != "localhost:5673" {
		t.Errorf("host = %q", cli.Run.AMQP.Host)
	}
	if cli.Run.Quarantine {
		t.Error("--no-quarantine ignored")
	}
	if cli.Run.HandleTimeout != 2*time.Second {
		t.Errorf("HandleTimeout = %v", cli.Run.HandleTimeout)
	}
}

func TestCommands(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"migrate"}, "migrate"},
		{[]string{"quarantine"}, "quarantine stats"},
		{[]string{"quarantine", "stats"}, "quarantine stats"},
		{[]string{"quarantine", "show", "42"}, "quarantine show <id>"},
	}
	for _, tt := range tests {
		cli, cmd, err := parse(t, tt.args...)
		if err != nil {
			t.Fatalf("parse %v: %v", tt.args, err)
		}
		if cmd != tt.want {
			t.Errorf("parse %v: command = %q, want %q", tt.args, cmd, tt.want)
		}
		if tt.want == "quarantine show <id>" && cli.Quarantine.Show.ID != 42 {
			t.Errorf("show id = %d, want 42", cli.Quarantine.Show.ID)
		}
	}
}

func TestQuarantineShowRequiresID(t *testing.T) {
	if _, _, err := parse(t, "quarantine", "show"); err == nil {
		t.Error("expected error for missing payload id")
	}
	if _, _, err := parse(t, "quarantine", "show", "abc"); err == nil {
		t.Error("expected error for non-numeric payload id")
	}
}

func TestInvalidLogLevel(t *testing.T) {
	if _, _, err := parse(t, "--log-level=loud", "migrate"); err == nil {
		t.Error("expected error for unknown log level")
	}
}
