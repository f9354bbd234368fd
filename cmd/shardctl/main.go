// Command shardctl talks to a shardlimit server.
//
//	shardctl [-server URL] check|limit NAME [-key K] [-count N] [-reserve] [-shard I] [-config JSON]
//	shardctl [-server URL] value NAME [-key K] [-sample N] [-config JSON]
//	shardctl [-server URL] reset NAME [-key K]
//	shardctl [-server URL] clear [-before MS]
//	shardctl [-server URL] time
//	shardctl [-server URL] watch NAME [-key K] [-count N] [-config JSON]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/AlexKimmel/ShardLimit/pkg/client"
	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "shardctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("shardctl", flag.ContinueOnError)
	server := global.String("server", envOr("SHARDLIMIT_SERVER", "http://localhost:8080"), "server base URL")
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		return errors.New("missing command: check, limit, value, reset, clear, time or watch")
	}
	cl := client.New(*server)
	cmd, rest := rest[0], rest[1:]

	switch cmd {
	case "check", "limit":
		return limitCmd(ctx, cl, cmd, rest, out)
	case "value":
		return valueCmd(ctx, cl, rest, out)
	case "reset":
		name, fs, err := named(cmd, rest)
		if err != nil {
			return err
		}
		key := fs.String("key", "", "limit key")
		if err := fs.Parse(rest[1:]); err != nil {
			return err
		}
		return cl.Reset(ctx, name, *key)
	case "clear":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		before := fs.Int64("before", -1, "creation time cutoff in ms, default now")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		var b *int64
		if *before >= 0 {
			b = before
		}
		return cl.ClearAll(ctx, b)
	case "time":
		now, err := cl.ServerTime(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, limit.TimeResponse{Now: now})
	case "watch":
		return watchCmd(ctx, cl, rest, out)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// named splits off the leading limit name and returns a flag set for the rest.
func named(cmd string, args []string) (string, *flag.FlagSet, error) {
	if len(args) == 0 || args[0] == "" || args[0][0] == '-' {
		return "", nil, fmt.Errorf("%s: missing limit name", cmd)
	}
	return args[0], flag.NewFlagSet(cmd, flag.ContinueOnError), nil
}

func limitCmd(ctx context.Context, cl *client.Client, cmd string, args []string, out io.Writer) error {
	name, fs, err := named(cmd, args)
	if err != nil {
		return err
	}
	key := fs.String("key", "", "limit key")
	count := fs.Float64("count", 1, "units to check or consume")
	reserve := fs.Bool("reserve", false, "admit on reserved capacity")
	throws := fs.Bool("throws", false, "fail with a rate limited error on rejection")
	shard := fs.Int("shard", -1, "pin a shard index")
	sample := fs.Int("sample", 0, "shards sampled by check")
	inline := fs.String("config", "", "inline limit config as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	a := limit.Args{Key: *key, Count: count, Reserve: *reserve, Throws: *throws, SampleShards: *sample}
	if *shard >= 0 {
		a.Shard = shard
	}
	if a.Config, err = parseConfig(*inline); err != nil {
		return err
	}

	var dec limit.Decision
	if cmd == "check" {
		dec, err = cl.Check(ctx, name, a)
	} else {
		dec, err = cl.Limit(ctx, name, a)
	}
	if err != nil {
		return err
	}
	return printJSON(out, dec)
}

func valueCmd(ctx context.Context, cl *client.Client, args []string, out io.Writer) error {
	name, fs, err := named("value", args)
	if err != nil {
		return err
	}
	key := fs.String("key", "", "limit key")
	sample := fs.Int("sample", 0, "shards to sample")
	inline := fs.String("config", "", "inline limit config as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	va := limit.ValueArgs{Key: *key, SampleShards: *sample}
	if va.Config, err = parseConfig(*inline); err != nil {
		return err
	}
	snap, err := cl.GetValue(ctx, name, va)
	if err != nil {
		return err
	}
	return printJSON(out, snap)
}

func watchCmd(ctx context.Context, cl *client.Client, args []string, out io.Writer) error {
	name, fs, err := named("watch", args)
	if err != nil {
		return err
	}
	key := fs.String("key", "", "limit key")
	count := fs.Float64("count", 1, "units to wait for")
	inline := fs.String("config", "", "inline limit config as JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	va := limit.ValueArgs{Key: *key}
	if va.Config, err = parseConfig(*inline); err != nil {
		return err
	}

	p := client.NewPredictor(cl, name, va)
	if err := p.SyncClock(ctx); err != nil {
		return err
	}
	if err := p.Refresh(ctx); err != nil {
		return err
	}
	var werr error
	err = p.Watch(ctx, *count, func(pr client.Prediction) {
		if werr != nil {
			return
		}
		if pr.OK {
			_, werr = fmt.Fprintf(out, "available now (value %.2f)\n", pr.Value)
			return
		}
		_, werr = fmt.Fprintf(out, "limited, retry at %s (in %s)\n",
			pr.RetryAt.Format(time.RFC3339Nano), time.Duration(pr.RetryAfter*float64(time.Millisecond)).Round(time.Millisecond))
	})
	if err != nil {
		return err
	}
	return werr
}

func parseConfig(s string) (*limit.Config, error) {
	if s == "" {
		return nil, nil
	}
	var c limit.Config
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("-config: %w", err)
	}
	return &c, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
