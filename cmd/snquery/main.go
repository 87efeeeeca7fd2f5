// Command snquery runs a ServiceNow table query over SOAP and writes every
// record to stdout as one JSON object per line.
//
//	SN_INSTANCE=dev12345 SN_USERNAME=admin SN_PASSWORD=... \
//	  snquery -table incident -query active=true -page-size 100
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
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/sn-soap-client/pkg/client"
	"github.com/Sternrassler/sn-soap-client/pkg/logging"
	"github.com/Sternrassler/sn-soap-client/pkg/metrics"
	"github.com/Sternrassler/sn-soap-client/pkg/query"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// params collects repeated -query field=value flags.
type params map[string]any

func (p params) String() string {
	return query.EncodeFilter(p)
}

func (p params) Set(s string) error {
	field, value, ok := strings.Cut(s, "=")
	if !ok || field == "" {
		return fmt.Errorf("expected field=value, got %q", s)
	}
	p[field] = value
	return nil
}

type options struct {
	table    string
	params   params
	encoded  string
	sysIDs   []string
	pageSize int
	timeout  time.Duration
}

func main() {
	os.Exit(realMain(os.Args[1:]))
}

// realMain runs the command and returns the process exit code, so that
// deferred cleanup runs before the process exits.
func realMain(args []string) int {
	logger := logging.Setup(logging.FromEnv()).With().Str("component", logging.ComponentCLI).Logger()

	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return exitUsage
	}

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, logger); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisClient, err := connectRedis(ctx, redisURL)
		if err != nil {
			logger.Warn().Err(err).Str("redis", redisURL).Msg("Redis unavailable, continuing without WSDL cache and rate limit tracking")
		} else {
			defer redisClient.Close()
			cfg.Redis = redisClient
			logger.Info().Str("redis", redisURL).Msg("Connected to Redis")
		}
	}

	if err := run(ctx, cfg, opts, os.Stdout, logger); err != nil {
		logger.Error().Err(err).Str("table", opts.table).Msg("Query failed")
		return exitError
	}
	return exitOK
}

// parseFlags parses the command line into options.
func parseFlags(args []string, stderr io.Writer) (options, error) {
	opts := options{params: params{}}

	fs := flag.NewFlagSet("snquery", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.table, "table", "", "table to query (required)")
	fs.Var(opts.params, "query", "field=value filter, repeatable")
	fs.StringVar(&opts.encoded, "encoded", "", "pre-encoded ServiceNow query, e.g. active=true^priority=1")
	sysIDs := fs.String("sys-ids", "", "comma separated sys_ids to fetch; overrides -query")
	fs.IntVar(&opts.pageSize, "page-size", 0, "records per page (default 250)")
	fs.DurationVar(&opts.timeout, "timeout", 0, "overall query timeout, 0 for none")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.table == "" {
		return options{}, errors.New("-table is required")
	}

	if opts.encoded != "" {
		opts.params[query.EncodedQueryKey] = opts.encoded
	}
	for _, id := range strings.Split(*sysIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			opts.sysIDs = append(opts.sysIDs, id)
		}
	}

	return opts, nil
}

// loadConfig builds the client configuration from environment variables.
func loadConfig(getenv func(string) string) (client.Config, error) {
	env := func(key, defaultValue string) string {
		if value := getenv(key); value != "" {
			return value
		}
		return defaultValue
	}

	cfg := client.DefaultConfig(env("SN_INSTANCE", ""), env("SN_USERNAME", ""), env("SN_PASSWORD", ""))
	cfg.BaseURL = env("SN_BASE_URL", "")

	if cfg.Instance == "" {
		return cfg, errors.New("SN_INSTANCE is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return cfg, errors.New("SN_USERNAME and SN_PASSWORD are required")
	}
	return cfg, nil
}

func connectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var redisOpts *redis.Options
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisOpts = parsed
	} else {
		redisOpts = &redis.Options{Addr: redisURL}
	}

	redisClient := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		redisClient.Close()
		return nil, err
	}
	return redisClient, nil
}

// run connects, executes the query and streams records to out.
func run(ctx context.Context, cfg client.Config, opts options, out io.Writer, logger zerolog.Logger) error {
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	c, err := client.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	runner := query.NewRunner(c, query.WithLogger(logging.NewLogger(logging.ComponentQuery)))

	pages, err := runner.Run(query.Request{
		Table:    opts.table,
		Params:   opts.params,
		SysIDs:   opts.sysIDs,
		PageSize: opts.pageSize,
	})
	if err != nil {
		return err
	}

	logger.Info().
		Str("table", opts.table).
		Str("mode", string(pages.Mode())).
		Str("filter", pages.Filter()).
		Msg("Running query")

	enc := json.NewEncoder(out)
	count := 0
	for page, err := range pages.All(ctx) {
		if err != nil {
			return err
		}
		for _, rec := range page {
			if err := writeRecord(enc, rec); err != nil {
				return fmt.Errorf("write record: %w", err)
			}
			count++
		}
	}

	logger.Info().Str("table", opts.table).Int("records", count).Msg("Query finished")
	return nil
}

func writeRecord(enc *json.Encoder, rec query.Record) error {
	if r, ok := rec.(*client.Record); ok {
		return enc.Encode(r)
	}
	return enc.Encode(client.Serialize(rec))
}
