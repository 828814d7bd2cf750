// Command eventstored runs the event-sourced state service described by
// internal/service: it owns one driver-backed event stream and serves
// the built-in event-count projection (internal/builtinprojection) as a
// runnable demonstration of the wrapper/service stack. Applications that
// need a custom projection link against internal/service directly rather
// than running this binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/afero"

	"github.com/wandb/eventstore/internal/builtinprojection"
	"github.com/wandb/eventstore/internal/cacheprovider"
	"github.com/wandb/eventstore/internal/driver"
	"github.com/wandb/eventstore/internal/eventstream"
	"github.com/wandb/eventstore/internal/observability"
	"github.com/wandb/eventstore/internal/service"
	"github.com/wandb/eventstore/internal/version"
	"github.com/wandb/eventstore/internal/wrapper"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("eventstored", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	connStr := fs.String("conn", "ConnectionString=memdriver://",
		"Spec §6 connection string: Key1=Value1;Key2=Value2;... Recognized keys: ConnectionString, ReadOnly.")
	cacheDir := fs.String("cache-dir", "",
		"Local directory to mirror snapshots and read blobs into. Empty disables the blob mirror; snapshots then go under the system temp directory.")
	logLevel := fs.Int("log-level", 0,
		"Log level: -4 debug, 0 info, 4 warn, 8 error.")
	sentryDSN := fs.String("sentry-dsn", "", "Sentry DSN; empty disables error reporting.")
	refreshPeriod := fs.Duration("refresh-period", service.DefaultRefreshPeriod,
		"How often to request a catch-up if nothing else has advanced SyncStep.")
	compactionThreshold := fs.Int("compaction-threshold", driver.DefaultCompactionThreshold,
		"Number of sealed blobs that triggers a background compaction.")
	softCapBytes := fs.Int64("soft-cap-bytes", driver.DefaultSoftCapBytes,
		"Approximate size at which the active blob rotates to a new one.")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "eventstored %s\n\n", version.Version)
		fmt.Fprintf(os.Stderr, "Runs the event-sourced state service against one log.\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	sentryHub := newSentryHub(*sentryDSN)
	logger := observability.NewCoreLogger(
		slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(*logLevel)})),
		sentryHub,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := driver.Open(ctx, *connStr, driver.BlobOptions{
		CompactionThreshold: *compactionThreshold,
		SoftCapBytes:        *softCapBytes,
	})
	if err != nil {
		logger.CaptureError(fmt.Errorf("eventstored: opening driver: %w", err))
		return 1
	}
	if *cacheDir != "" {
		d, err = driver.OpenCached(d, afero.NewOsFs(), *cacheDir)
		if err != nil {
			logger.CaptureError(fmt.Errorf("eventstored: opening cache: %w", err))
			return 1
		}
	}
	defer func() { _ = d.Close() }()

	stream := eventstream.New[[]byte](d, builtinprojection.RawCodec{})
	cache, err := cacheprovider.NewDirectory(afero.NewOsFs(), snapshotDir(*cacheDir))
	if err != nil {
		logger.CaptureError(fmt.Errorf("eventstored: opening snapshot directory: %w", err))
		return 1
	}
	w := wrapper.New[[]byte, uint64](stream, d, cache, "event-count", builtinprojection.Count{}, wrapper.Options{})

	svc := service.New[[]byte, uint64](w, logger, service.Options{RefreshPeriod: *refreshPeriod})

	logger.Info("eventstored: starting", "conn", *connStr)
	svc.Run(ctx)
	svc.Close()
	return 0
}

func snapshotDir(cacheDir string) string {
	if cacheDir == "" {
		return os.TempDir() + "/eventstored-snapshots"
	}
	return cacheDir + "/snapshots"
}

func newSentryHub(dsn string) *sentry.Hub {
	if dsn == "" {
		return nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Release:     version.Version,
		Environment: version.Environment,
	})
	if err != nil {
		slog.Error("eventstored: failed to initialize Sentry", "error", err)
		return nil
	}
	return sentry.NewHub(client, sentry.NewScope())
}
