package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	wcdb "github.com/Tencent/wcdb-sub005"
	"github.com/Tencent/wcdb-sub005/metrics"
)

// maxConsecutiveFailures stops the run loop when steps keep failing.
const maxConsecutiveFailures = 10

var (
	logFormat string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:               "wcdb-migrate",
	Short:             "Live incremental SQLite table migration",
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

var runCmd = &cobra.Command{
	Use:   "run <config.toml>",
	Short: "Migrate every configured table until the sources are dropped",
	Args:  cobra.ExactArgs(1),
	RunE:  runMigration,
}

var planCmd = &cobra.Command{
	Use:   "plan <config.toml>",
	Short: "Print the migration decision of every table without moving rows",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

var statusCmd = &cobra.Command{
	Use:   "status <config.toml>",
	Short: "Print per-state table counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(runCmd, planCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	switch logFormat {
	case "text":
		wcdb.SetDefaultLogger(wcdb.NewLogger(os.Stderr, level))
	case "json":
		wcdb.SetDefaultLogger(wcdb.NewJSONLogger(os.Stderr, level))
	default:
		return fmt.Errorf("unsupported --log-format %q (want text or json)", logFormat)
	}
	return nil
}

// openDB loads the config, opens the database and registers its sources.
func openDB(ctx context.Context, path string) (*wcdb.DB, *wcdb.Config, error) {
	cfg, err := wcdb.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	db, err := wcdb.Open(ctx, cfg.Database, cfg.Options())
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Apply(db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, cfg, nil
}

func runMigration(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, cfg, err := openDB(ctx, args[0])
	if err != nil {
		return err
	}
	defer db.Close()
	log := wcdb.GetLogger().WithComponent("cli")
	log.Info("migration starting", "database", cfg.Database, "sources", len(cfg.Sources), "interval", cfg.Stepper.Interval)

	var serveErr chan error
	if cfg.Metrics.Addr != "" {
		srv, err := metrics.Listen(cfg.Metrics.Addr, db.IsMigrated)
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		serveCtx, stopServe := context.WithCancel(ctx)
		serveErr = make(chan error, 1)
		go func() { serveErr <- srv.Serve(serveCtx) }()
		defer func() {
			stopServe()
			if err := <-serveErr; err != nil {
				log.Warn("metrics shutdown", "error", err)
			}
		}()
		log.Info("serving metrics", "addr", srv.Addr())
	}

	// The spinner only makes sense on a terminal; pipelines get the logs.
	var sp *spinner.Spinner
	if fd := os.Stderr.Fd(); isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		sp = spinner.New(spinner.CharSets[14], 120*time.Millisecond)
		sp.Writer = os.Stderr
		sp.Suffix = " migrating"
		sp.Start()
		defer sp.Stop()
	}

	start := time.Now()
	steps, failures := 0, 0
	for {
		res, err := db.Step(ctx)
		steps++
		switch {
		case err != nil && ctx.Err() != nil:
			log.Info("migration interrupted", "steps", steps)
			return ctx.Err()
		case err != nil:
			failures++
			if failures >= maxConsecutiveFailures {
				return fmt.Errorf("step failed %d times in a row: %w", failures, err)
			}
		default:
			failures = 0
		}
		if res == wcdb.StepDone {
			break
		}
		select {
		case err := <-serveErr:
			// The deferred shutdown waits on the channel again.
			serveErr <- nil
			return fmt.Errorf("metrics server: %w", err)
		default:
		}
		if sp != nil {
			st := db.Status()
			sp.Lock()
			sp.Suffix = fmt.Sprintf(" migrating: %d in flight, %d dropped", st.Migrating+st.Migrated+st.Dumpster, st.Dropped)
			sp.Unlock()
		}

		select {
		case <-ctx.Done():
			log.Info("migration interrupted", "steps", steps)
			return ctx.Err()
		case <-time.After(cfg.Stepper.Interval):
		}
	}

	st := db.Status()
	log.Info("migration completed",
		"steps", steps,
		"dropped", st.Dropped,
		"no_need", st.NoNeed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, _, err := openDB(ctx, args[0])
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Acquire(ctx); err != nil {
		return fmt.Errorf("enumerate tables: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tSTATE\tSOURCE\tSOURCE TABLE\tIDENTITY")
	for _, d := range db.Decisions() {
		source, sourceTable, identity := "-", "-", "-"
		if d.Source != "" {
			source, sourceTable, identity = d.Source, d.SourceTable, d.Identity.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Table, d.State, source, sourceTable, identity)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, _, err := openDB(ctx, args[0])
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Acquire(ctx); err != nil {
		return fmt.Errorf("enumerate tables: %w", err)
	}

	st := db.Status()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "sources:     %d\n", st.Sources)
	fmt.Fprintf(out, "migrating:   %d\n", st.Migrating)
	fmt.Fprintf(out, "migrated:    %d\n", st.Migrated)
	fmt.Fprintf(out, "dumpster:    %d\n", st.Dumpster)
	fmt.Fprintf(out, "dropped:     %d\n", st.Dropped)
	fmt.Fprintf(out, "no need:     %d\n", st.NoNeed)
	fmt.Fprintf(out, "hinted:      %d\n", st.Hinted)
	fmt.Fprintf(out, "all migrated: %t\n", st.AllMigrated)
	return nil
}
