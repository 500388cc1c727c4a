package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/namehu/PixiShelf-sub001/internal/ingest"
	"github.com/namehu/PixiShelf-sub001/internal/store"
	"github.com/namehu/PixiShelf-sub001/migrations"
)

var version = "dev"

var (
	root     string
	force    bool
	dbDriver string
	dbDSN    string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:           "pixishelf-scan",
	Short:         "Import a PixiShelf library directory into the database",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if root == "" {
			return fmt.Errorf("--root is required")
		}
		if dbDSN == "" {
			dbDSN = os.Getenv("PIXISHELF_DB_DSN")
		}
		if dbDSN == "" {
			return fmt.Errorf("--db-dsn or PIXISHELF_DB_DSN is required")
		}

		logWriter := io.Discard
		if verbose {
			logWriter = cmd.ErrOrStderr()
		}
		logger := slog.New(slog.NewTextHandler(logWriter, nil)).With("version", version)

		if err := migrations.Up(dbDriver, dbDSN); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		db, err := store.Open(dbDriver, dbDSN)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		scanner := ingest.NewScanner(store.New(db), ingest.DefaultOptions(), logger)
		events := make(chan ingest.Event, 16)
		printed := make(chan struct{})
		out := cmd.OutOrStdout()
		go func() {
			defer close(printed)
			for ev := range events {
				fmt.Fprintf(out, "[%-11s] %5.1f%% %s\n", ev.Phase, ev.Percentage, ev.Message)
			}
		}()

		res, err := scanner.Scan(ctx, ingest.Request{Root: root, Force: force}, events)
		close(events)
		<-printed
		if res != nil {
			printSummary(out, res)
		}
		return err
	},
}

func init() {
	rootCmd.Flags().StringVar(&root, "root", "", "library directory to scan")
	rootCmd.Flags().BoolVar(&force, "force", false, "wipe library tables and import everything again")
	rootCmd.Flags().StringVar(&dbDriver, "db-driver", migrations.DriverSQLite, "database driver: mysql or sqlite")
	rootCmd.Flags().StringVar(&dbDSN, "db-dsn", "", "database DSN (defaults to PIXISHELF_DB_DSN)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")
}

func printSummary(w io.Writer, res *ingest.Result) {
	fmt.Fprintf(w, "\nscan %s %s in %s\n", res.ScanID, res.State, res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  artworks: %d found, %d skipped, %d new\n", res.TotalArtworks, res.SkippedArtworks, res.NewArtworks)
	fmt.Fprintf(w, "  artists:  %d new, %d updated\n", res.NewArtists, res.UpdatedArtists)
	fmt.Fprintf(w, "  images:   %d new\n", res.NewImages)
	fmt.Fprintf(w, "  tags:     %d new, %d links\n", res.NewTags, res.NewRelations)
	if res.Force {
		fmt.Fprintf(w, "  removed:  %d artists, %d artworks, %d images, %d tags\n",
			res.RemovedArtists, res.RemovedArtworks, res.RemovedImages, res.RemovedTags)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  error %-20s %s %s\n", e.Kind, e.Path, e.Message)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if ingest.IsDiscoveryError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
