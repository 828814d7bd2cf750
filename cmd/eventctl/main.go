// Command eventctl is the operational CLI spec §6 references from tests:
// "safe" prints a read-only connection string for a stream, and "backup"
// copies every event from one stream to another, preserving sequence
// numbers, resumable after a partial run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/wandb/eventstore/internal/codec"
	"github.com/wandb/eventstore/internal/driver"
	"github.com/wandb/eventstore/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

type mode int

const (
	modeHelp mode = iota
	modeSafe
	modeBackup
)

func dispatch(args []string) (mode, []string) {
	if len(args) == 0 {
		return modeHelp, nil
	}
	switch args[0] {
	case "safe":
		return modeSafe, args[1:]
	case "backup":
		return modeBackup, args[1:]
	default:
		return modeHelp, nil
	}
}

func run(args []string) int {
	switch m, rest := dispatch(args); m {
	case modeSafe:
		return safeMain(rest)
	case modeBackup:
		return backupMain(rest)
	default:
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "eventctl %s\n\n", version.Version)
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  eventctl safe <connection-string>\n")
	fmt.Fprintf(os.Stderr, "  eventctl backup <src-connection-string> <dst-connection-string> [max-seq]\n")
}

// safeMain prints a read-only connection string for the given stream: the
// same connection string with ReadOnly=true appended, so the caller can
// hand it to a reader that must not be able to write.
func safeMain(args []string) int {
	fs := flag.NewFlagSet("safe", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: eventctl safe <connection-string>")
		return 2
	}

	cs, err := driver.ParseConnectionString(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventctl: %v\n", err)
		return 1
	}
	cs.Raw["ReadOnly"] = "true"

	fmt.Println(formatConnectionString(cs))
	return 0
}

func formatConnectionString(cs driver.ConnectionString) string {
	out := ""
	for k, v := range cs.Raw {
		if out != "" {
			out += ";"
		}
		out += k + "=" + v
	}
	return out
}

// backupMain copies every event in src to dst, in order, preserving
// sequence numbers. It is resumable: it starts from dst's current
// position, which after a prior partial run is the position of the last
// event dst actually received.
func backupMain(args []string) int {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 2 || fs.NArg() > 3 {
		fmt.Fprintln(os.Stderr, "usage: eventctl backup <src> <dst> [max-seq]")
		return 2
	}

	var maxSeq uint32 = ^uint32(0)
	if fs.NArg() == 3 {
		var parsed uint32
		if _, err := fmt.Sscanf(fs.Arg(2), "%d", &parsed); err != nil {
			fmt.Fprintf(os.Stderr, "eventctl: invalid max-seq %q: %v\n", fs.Arg(2), err)
			return 2
		}
		maxSeq = parsed
	}

	ctx := context.Background()

	src, err := driver.Open(ctx, fs.Arg(0), driver.BlobOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventctl: opening source: %v\n", err)
		return 1
	}
	defer func() { _ = src.Close() }()

	dst, err := driver.Open(ctx, fs.Arg(1), driver.BlobOptions{SingleBlob: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventctl: opening destination: %v\n", err)
		return 1
	}
	defer func() { _ = dst.Close() }()

	n, err := backup(ctx, src, dst, maxSeq)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventctl: backup failed after %d events: %v\n", n, err)
		return 1
	}
	fmt.Printf("eventctl: copied %d events\n", n)
	return 0
}

const backupReadChunkBytes = 4 * 1024 * 1024

// backup copies events from src to dst starting at dst's current tail, so
// a retried call after a partial failure resumes rather than duplicating
// already-copied events. It stops once an event's sequence exceeds maxSeq.
func backup(ctx context.Context, src, dst driver.Driver, maxSeq uint32) (int, error) {
	dstPos, err := dst.GetPositionAsync(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading destination position: %w", err)
	}
	dstLastKey, err := dst.GetLastKeyAsync(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading destination tail sequence: %w", err)
	}

	srcPos, err := src.SeekAsync(ctx, dstLastKey+1)
	if err != nil {
		return 0, fmt.Errorf("seeking source to resume point: %w", err)
	}

	copied := 0
	for {
		events, nextPos, err := src.ReadAsync(ctx, srcPos, backupReadChunkBytes)
		if err != nil {
			return copied, fmt.Errorf("reading source: %w", err)
		}
		if len(events) == 0 {
			return copied, nil
		}

		var batch []codec.RawEvent
		for _, e := range events {
			// SeekAsync may land on or before the last already-copied
			// record when nothing in src qualifies exactly; skip
			// anything dst already has regardless of where it landed.
			if e.Sequence <= dstLastKey {
				continue
			}
			if e.Sequence > maxSeq {
				if len(batch) > 0 {
					if _, err := writeBatch(ctx, dst, &dstPos, batch); err != nil {
						return copied, err
					}
					copied += len(batch)
				}
				return copied, nil
			}
			batch = append(batch, e)
		}

		n, err := writeBatch(ctx, dst, &dstPos, batch)
		if err != nil {
			return copied, err
		}
		copied += n
		srcPos = nextPos
	}
}

func writeBatch(ctx context.Context, dst driver.Driver, dstPos *int64, batch []codec.RawEvent) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	ok, nextPos, err := dst.WriteAsync(ctx, *dstPos, batch)
	if err != nil {
		return 0, fmt.Errorf("writing destination: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("destination tail moved unexpectedly during backup (concurrent writer?)")
	}
	*dstPos = nextPos
	return len(batch), nil
}
