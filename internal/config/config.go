// Package config defines the stationd command line. Every flag can also be
// set from the environment or a .env file.
package config

import (
	"log/slog"
	"time"

	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	"github.com/lox/stationd/internal/logging"
)

// Queue names, without the deployment prefix.
const (
	StationaryQueue = "stationary_v1"
	MobileQueue     = "mobile_stream"
)

type CLI struct {
	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to .env file'"`

	LogLevel   string `name:"log-level" env:"LOG_LEVEL" enum:"debug,info,warn,error" default:"info" help:"Log level."`
	LogJSON    bool   `name:"log-json" env:"LOG_JSON" help:"Log as JSON."`
	StorageURI string `name:"storage-uri" env:"STORAGE_URI" default:"data/stationd.db" help:"SQLite database path or DSN."`

	Run        RunCmd        `cmd:"" default:"withargs" help:"Consume station telemetry (default)."`
	Migrate    MigrateCmd    `cmd:"" help:"Apply database migrations and exit."`
	Quarantine QuarantineCmd `cmd:"" help:"Inspect quarantined payloads."`
}

type AMQP struct {
	Host     string `name:"host" env:"AMQP_HOST" required:"" help:"Broker host, optionally host:port."`
	Vhost    string `name:"vhost" env:"AMQP_VHOST" default:"/" help:"Broker virtual host."`
	User     string `name:"user" env:"AMQP_USER" default:"guest" help:"Broker user."`
	Password string `name:"password" env:"AMQP_PASSWORD" default:"guest" help:"Broker password."`
	Prefetch int    `name:"prefetch" env:"AMQP_PREFETCH" default:"1" help:"Unacknowledged deliveries per consumer."`
}

type RunCmd struct {
	AMQP AMQP `embed:"" prefix:"amqp-"`

	QueuePrefix    string        `name:"queue-prefix" env:"QUEUE_PREFIX" default:"ecn_" help:"Prefix for queue names."`
	MetricsAddr    string        `name:"metrics-addr" env:"METRICS_ADDR" default:":9090" help:"Prometheus listen address, empty to disable."`
	ReconnectDelay time.Duration `name:"reconnect-delay" env:"RECONNECT_DELAY" default:"5s" help:"Wait between reconnect attempts."`
	MaxInFlight    int           `name:"max-in-flight" env:"MAX_IN_FLIGHT" default:"0" help:"Cap on deliveries handled at once across streams. Only a value below the stream count limits anything; 0 means one per stream."`
	HandleTimeout  time.Duration `name:"handle-timeout" env:"HANDLE_TIMEOUT" default:"30s" help:"Upper bound for handling one delivery."`

	LegacyZeroAsMissing bool   `name:"legacy-zero-as-missing" env:"LEGACY_ZERO_AS_MISSING" default:"true" negatable:"" help:"Treat 0 readings from legacy stations as no value."`
	Quarantine          bool   `name:"quarantine" env:"QUARANTINE" default:"true" negatable:"" help:"Keep undeliverable payloads for inspection."`
	AxisRules           string `name:"axis-rules" env:"AXIS_RULES" type:"path" help:"YAML file with per-station axis rules."`
}

type MigrateCmd struct{}

type QuarantineCmd struct {
	Stats QuarantineStatsCmd `cmd:"" default:"1" help:"Show quarantined payload statistics (default)."`
	Show  QuarantineShowCmd  `cmd:"" help:"Write one quarantined payload to stdout."`
}

type QuarantineStatsCmd struct{}

type QuarantineShowCmd struct {
	ID int64 `arg:"" help:"Quarantined payload ID."`
}

// Level returns the configured slog level.
func (c *CLI) Level() slog.Level {
	lvl, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Queue returns the full name of a queue for this deployment.
func (r *RunCmd) Queue(name string) string {
	return r.QueuePrefix + name
}
