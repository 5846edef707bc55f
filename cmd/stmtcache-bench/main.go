package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentuity/go-stmtcache/env"
	"github.com/agentuity/go-stmtcache/logger"
	"github.com/agentuity/go-stmtcache/stmtcache"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/xhit/go-str2duration/v2"
	_ "modernc.org/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "stmtcache-bench",
	Short: "Exercise a statement cache against a SQLite database",
	Long: `Runs a number of worker tasks that each prepare the same set of statements
through one shared cache, ends the tasks, and reports what the cache did.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("db", "", "SQLite database path (default: a temporary file)")
	flags.String("env-file", ".env", "file to read STMTCACHE_ settings from")
	flags.Int("workers", 8, "number of concurrent tasks")
	flags.Int("statements", 16, "distinct statements per task")
	flags.Int("iterations", 100, "executions of each statement per task")
	flags.String("timeout", "", "overall time limit, e.g. 30s or 1m30s")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "", "log format (console, json); json lines go to stderr")
}

func seed(ctx context.Context, db *sql.DB, rows int) error {
	if _, err := db.ExecContext(ctx, `create table if not exists items (id integer primary key, bucket integer not null, label text not null)`); err != nil {
		return errors.Wrap(err, "creating table")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i := 0; i < rows; i++ {
		if _, err := tx.ExecContext(ctx, `insert or replace into items (id, bucket, label) values (?, ?, ?)`, i, i%16, fmt.Sprintf("item-%d", i)); err != nil {
			return errors.Wrap(err, "seeding")
		}
	}
	return tx.Commit()
}

// worker runs every statement iterations times on its own connection.
func worker(task *stmtcache.Task, cache *stmtcache.Cache, db *sql.DB, statements, iterations int) error {
	ctx := task.Context()
	conn, err := db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "acquiring connection")
	}
	defer conn.Close()
	c := stmtcache.SQLConn{Conn: conn}
	for i := 0; i < iterations; i++ {
		for s := 0; s < statements; s++ {
			// the comment makes each statement's text distinct
			query := fmt.Sprintf("select count(*) from items where bucket = ? /* q%d */", s)
			h, err := cache.PrepareContext(ctx, c, query)
			if err != nil {
				return err
			}
			var n int
			if err := h.SQLStmt().QueryRowContext(ctx, s%16).Scan(&n); err != nil {
				return errors.Wrapf(err, "running %s", h.Fingerprint())
			}
		}
	}
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if _, err := env.LoadFile(envFile); err != nil {
		return err
	}
	base, err := env.NewLogger(cmd)
	if err != nil {
		return err
	}
	log := base.WithPrefix("[bench]")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if val, _ := cmd.Flags().GetString("timeout"); val != "" {
		d, err := str2duration.ParseDuration(val)
		if err != nil {
			return errors.Wrap(err, "parsing --timeout")
		}
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, d)
		defer tcancel()
	}

	workers, _ := cmd.Flags().GetInt("workers")
	statements, _ := cmd.Flags().GetInt("statements")
	iterations, _ := cmd.Flags().GetInt("iterations")
	if workers < 1 || statements < 1 || iterations < 1 {
		return errors.New("--workers, --statements and --iterations must be positive")
	}

	path := env.FlagOrEnv(cmd, "db", "STMTCACHE_BENCH_DB", "")
	if path == "" {
		// every worker holds its own connection, which rules out :memory:
		dir, err := os.MkdirTemp("", "stmtcache-bench")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "bench.db")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return errors.Wrap(err, "opening database")
	}
	defer db.Close()
	log.Debug("using %s", path)
	if err := seed(ctx, db, 1000); err != nil {
		return err
	}

	opts, err := stmtcache.OptionsFromEnv()
	if err != nil {
		return err
	}
	opts = append(opts,
		stmtcache.WithLogger(log.WithPrefix("[cache]")),
		stmtcache.WithCloseErrorHandler(func(owner stmtcache.ContextID, errs stmtcache.CloseErrors) {
			fmt.Fprintf(os.Stderr, "%s: %s\n", owner, errs)
		}),
	)
	cache := stmtcache.New(ctx, opts...)

	started := time.Now()
	errs := make(chan error, workers)
	tasks := make([]*stmtcache.Task, 0, workers)
	for i := 0; i < workers; i++ {
		tasks = append(tasks, stmtcache.Go(ctx, func(t *stmtcache.Task) {
			errs <- worker(t, cache, db, statements, iterations)
		}))
	}
	for _, t := range tasks {
		t.Wait()
	}
	close(errs)
	elapsed := time.Since(started)
	var failed error
	for err := range errs {
		if err != nil {
			log.Error("worker failed: %s", err)
			failed = errors.CombineErrors(failed, err)
		}
	}

	closeErr := cache.Close()
	stats := cache.Stats()
	fmt.Printf("workers:        %d\n", workers)
	fmt.Printf("elapsed:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("executions:     %d\n", workers*statements*iterations)
	fmt.Printf("prepares:       %d\n", stats.Prepares)
	fmt.Printf("hits:           %d\n", stats.Hits)
	fmt.Printf("evictions:      %d\n", stats.Evictions)
	fmt.Printf("close failures: %d\n", stats.CloseFailures)
	if closeErr != nil {
		log.Error("closing cache: %s", closeErr)
	}
	return errors.CombineErrors(failed, closeErr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.NewConsoleLogger(logger.LevelError).Error("%s", err)
		os.Exit(1)
	}
}
