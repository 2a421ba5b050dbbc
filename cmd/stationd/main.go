package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/lox/stationd/internal/api"
	"github.com/lox/stationd/internal/axis"
	"github.com/lox/stationd/internal/config"
	"github.com/lox/stationd/internal/decode"
	"github.com/lox/stationd/internal/ingest"
	"github.com/lox/stationd/internal/logging"
	"github.com/lox/stationd/internal/models"
	"github.com/lox/stationd/internal/queue"
	"github.com/lox/stationd/internal/store"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("stationd"),
		kong.Description("Ingests seismic station accelerometer telemetry into hourly documents."),
		kong.UsageOnError(),
	)

	logging.Init(cli.Level(), cli.LogJSON)
	log := logging.Component("main")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kctx.FatalIfErrorf(ensureDir(cli.StorageURI))
	db, err := store.Open(ctx, cli.StorageURI)
	kctx.FatalIfErrorf(err)
	defer db.Close()

	st := store.New(db)
	kctx.FatalIfErrorf(st.Migrate(ctx))

	switch kctx.Command() {
	case "migrate":
		version, err := st.MigrationVersion(ctx)
		kctx.FatalIfErrorf(err)
		log.Info("database migrated", "version", version)
	case "quarantine stats":
		kctx.FatalIfErrorf(printQuarantine(ctx, st, os.Stdout))
	case "quarantine show <id>":
		kctx.FatalIfErrorf(showQuarantined(ctx, st, cli.Quarantine.Show.ID, os.Stdout))
	default:
		err = run(ctx, &cli.Run, st)
		if err != nil {
			log.Error("stationd stopped", "error", err)
			db.Close()
			os.Exit(1)
		}
		log.Info("shutdown complete")
	}
}

func run(ctx context.Context, cfg *config.RunCmd, st *store.Store) error {
	log := logging.Component("main")

	table := axis.DefaultTable()
	if cfg.AxisRules != "" {
		t, err := axis.LoadFile(cfg.AxisRules, table)
		if err != nil {
			return err
		}
		table = t
		log.Info("loaded axis rules", "path", cfg.AxisRules)
	}

	var quarantine ingest.Quarantine
	if cfg.Quarantine {
		quarantine = st
	}
	writer := ingest.NewWriter(st, st)

	stationary := cfg.Queue(config.StationaryQueue)
	mobile := cfg.Queue(config.MobileQueue)
	routes := []queue.Route{
		{
			Stream: stationary,
			Handler: ingest.NewHandler(ingest.HandlerConfig{
				Stream:     stationary,
				Kinds:      []models.StationKind{models.StationKindFixed},
				Decoder:    decode.NewLegacy(cfg.LegacyZeroAsMissing),
				Mapper:     table,
				Stations:   st,
				Writer:     writer,
				Quarantine: quarantine,
			}),
		},
		{
			Stream: mobile,
			Handler: ingest.NewHandler(ingest.HandlerConfig{
				Stream:     mobile,
				Kinds:      []models.StationKind{models.StationKindStationary, models.StationKindMobile},
				Decoder:    decode.NewStream(),
				Mapper:     table,
				Stations:   st,
				Writer:     writer,
				Quarantine: quarantine,
			}),
		},
	}

	dialer := queue.NewAMQPDialer(queue.AMQPConfig{
		Host:      cfg.AMQP.Host,
		Vhost:     cfg.AMQP.Vhost,
		User:      cfg.AMQP.User,
		Password:  cfg.AMQP.Password,
		Prefetch:  cfg.AMQP.Prefetch,
		Exclusive: true,
	})
	consumer := queue.NewConsumer(dialer, routes,
		queue.WithReconnectDelay(cfg.ReconnectDelay),
		queue.WithMaxInFlight(cfg.MaxInFlight),
		queue.WithHandleTimeout(cfg.HandleTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		server := api.NewServer(st, consumer, st, cfg.MetricsAddr)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	log.Info("starting", "streams", []string{stationary, mobile}, "host", cfg.AMQP.Host)
	return g.Wait()
}

func printQuarantine(ctx context.Context, st *store.Store, w io.Writer) error {
	stats, err := st.GetRawPayloadStats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%d payloads, %d bytes compressed\n", stats.TotalCount, stats.TotalSizeBytes)
	if stats.TotalCount == 0 {
		return nil
	}
	fmt.Fprintf(w, "oldest %s, newest %s\n\n", stats.OldestReceivedAt.Format("2006-01-02 15:04:05"), stats.NewestReceivedAt.Format("2006-01-02 15:04:05"))

	streams := make([]string, 0, len(stats.CountByStream))
	for stream := range stats.CountByStream {
		streams = append(streams, stream)
	}
	sort.Strings(streams)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tCOUNT\tBYTES")
	for _, stream := range streams {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", stream, stats.CountByStream[stream], stats.SizeByStream[stream])
	}
	return tw.Flush()
}

// showQuarantined writes the decompressed payload exactly as it was received.
func showQuarantined(ctx context.Context, st *store.Store, id int64, w io.Writer) error {
	payload, err := st.GetRawPayload(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("quarantined payload %d not found", id)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ensureDir creates the parent directory of a plain database path.
func ensureDir(dsn string) error {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
