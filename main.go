package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"scarf/api"
	"scarf/auth"
	"scarf/config"
	"scarf/indexer"
	"scarf/logger"
	"scarf/storage"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:          "scarf",
		Short:        "Torznab indexer aggregator",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "file to load environment variables from")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the Torznab server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe()
			},
		},
		newSearchCmd(),
		&cobra.Command{
			Use:   "categories",
			Short: "List the canonical category tree",
			Run: func(cmd *cobra.Command, args []string) {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, c := range indexer.StandardTaxonomy.All() {
					fmt.Fprintf(w, "%d\t%s\n", c.ID, c.Name)
				}
				w.Flush()
			},
		},
		&cobra.Command{
			Use:   "config",
			Short: "Show the effective configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.GetConfig()
				if err != nil {
					return err
				}
				cfg.PrintConfig(cmd.OutOrStdout())
				return nil
			},
		},
		&cobra.Command{
			Use:   "config-help",
			Short: "Describe every environment variable",
			Run: func(cmd *cobra.Command, args []string) {
				config.PrintConfigHelp(cmd.OutOrStdout())
			},
		},
	)
	return root
}

func newSearchCmd() *cobra.Command {
	var (
		searchType string
		cats       string
		season     int
		episode    string
		imdbID     string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "search <indexer|all> [query]",
		Short: "Run a search from the command line",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.GetConfig()
			if err != nil {
				return err
			}
			logger.Init(logger.Options{Debug: cfg.DebugMode, Console: os.Stderr})

			st, ok := indexer.ParseSearchType(searchType)
			if !ok {
				return fmt.Errorf("unsupported search type %q", searchType)
			}
			q := &indexer.TorznabQuery{
				Type:       st,
				Categories: indexer.ParseCategoryList(cats),
				Season:     season,
				Episode:    episode,
				IMDBID:     imdbID,
				Limit:      limit,
			}
			if len(args) > 1 {
				q.Query = args[1]
			}

			store, mgr, err := openManager(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			var releases []indexer.ReleaseInfo
			if args[0] == "all" {
				res, err := mgr.SearchAll(ctx, q)
				if err != nil {
					return err
				}
				for key, ferr := range res.Failures {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", key, ferr)
				}
				releases = res.Releases
			} else if releases, err = mgr.Search(ctx, args[0], q); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEXER\tSIZE\tSEEDS\tPUBLISHED\tTITLE")
			for _, r := range releases {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.Indexer, humanize.Bytes(uint64(max(r.Size, 0))), r.Seeders, humanize.Time(r.PublishDate), r.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&searchType, "type", "t", "search", "search, tvsearch or movie")
	cmd.Flags().StringVarP(&cats, "cat", "c", "", "comma separated category ids")
	cmd.Flags().IntVar(&season, "season", 0, "season number")
	cmd.Flags().StringVar(&episode, "ep", "", "episode number")
	cmd.Flags().StringVar(&imdbID, "imdbid", "", "IMDb id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of results")
	return cmd
}

// openManager opens the database and loads every definition.
func openManager(cfg *config.ConfigOptions) (*storage.Store, *indexer.Manager, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("could not create data directory: %w", err)
	}
	store, err := storage.Open(cfg.DBPath, time.Hour, slog.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.SkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	mgr, err := indexer.NewManager(indexer.ManagerOptions{
		DefinitionsPath: cfg.DefinitionsPath,
		Store:           store,
		Transport:       transport,
		Timeout:         cfg.RequestTimeout,
		MaxConcurrent:   cfg.MaxConcurrentSearches,
		Logger:          slog.Default(),
		Debug:           cfg.DebugMode,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to load indexer definitions: %w", err)
	}
	return store, mgr, nil
}

func runServe() error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	// --- Initialization ---
	_, logCloser := logger.Init(logger.Options{Debug: cfg.DebugMode, File: cfg.LogFile})
	defer logCloser.Close()
	auth.Configure(cfg.JWTSecret)

	slog.Info("--- Scarf Starting Up ---", "log_level", ifThen(cfg.DebugMode, "DEBUG", "INFO"))
	slog.Info("Torznab API Key", "key", cfg.APIKey)

	store, idxManager, err := openManager(cfg)
	if err != nil {
		slog.Error("Startup failed", "error", err)
		return err
	}
	slog.Info("Database opened", "path", cfg.DBPath)
	if len(idxManager.GetAllIndexers()) == 0 {
		slog.Warn("No indexer definitions were loaded.")
	}

	// A nil *storage.Store must not end up inside the interface.
	var cache api.Cache
	if cfg.CacheEnabled {
		cache = store
	}

	// --- Scheduler setup ---
	c := cron.New()

	// Function to update scheduled jobs when indexers are reloaded
	updateScheduledJobs := func() {
		if !cfg.CronjobsEnabled {
			return
		}
		slog.Info("Updating scheduled jobs after indexer reload...")

		// Stop existing cron jobs and create a new scheduler
		c.Stop()
		c = cron.New()

		// Re-add jobs for all indexers with schedules
		for _, inst := range idxManager.GetAllIndexers() {
			def, ok := idxManager.GetDefinition(inst.Key())
			if !ok || def.Schedule == "" || !inst.Enabled() {
				continue
			}
			indexerKey := inst.Key()
			_, err := c.AddFunc(def.Schedule, func() {
				slog.Info("Scheduler: Running job", "indexer", indexerKey)
				// Give scheduled jobs a longer timeout
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				q := &indexer.TorznabQuery{Type: indexer.SearchTypeGeneric, Limit: cfg.DefaultAPILimit}
				results, err := idxManager.Search(ctx, indexerKey, q)
				if err != nil {
					slog.Error("Scheduler: Failed to fetch latest", "indexer", indexerKey, "error", err)
					return
				}
				api.CacheSearchResults(cache, indexerKey, q, results, cfg.CacheTTL)
				slog.Info("Scheduler: Successfully fetched releases", "indexer", indexerKey, "count", len(results))
			})
			if err != nil {
				slog.Warn("Could not schedule job", "indexer", indexerKey, "error", err)
			}
		}

		if len(c.Entries()) > 0 {
			c.Start()
			slog.Info("Scheduler updated", "jobs", len(c.Entries()))
		}
	}

	// Set up initial scheduled jobs
	updateScheduledJobs()

	// Set the reload callback for the indexer manager
	idxManager.SetReloadCallback(updateScheduledJobs)

	// --- API Server Setup ---
	apiHandler := api.NewAPIHandler(idxManager, cache, cfg.CacheTTL, cfg.APIKey, cfg.UIPassword, cfg.DefaultAPILimit)

	if cfg.WebUIEnabled {
		slog.Info("Web UI is enabled", "url", "http://localhost:"+cfg.AppPort)
	} else {
		slog.Info("Web UI is disabled. Set WEB_UI=true to enable it.")
		slog.Info("Health check available", "url", "http://localhost:"+cfg.AppPort+"/health")
	}

	server := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           api.NewRouter(apiHandler, cfg.WebUIEnabled, "./web"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	err = startServer(server)

	<-c.Stop().Done()
	if cerr := store.Close(); cerr != nil {
		slog.Error("Error closing database", "error", cerr)
	} else {
		slog.Info("Database closed")
	}
	slog.Info("Application shutdown complete")
	return err
}

// startServer handles graceful shutdown
func startServer(server *http.Server) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("Failed to start server", "error", err)
		return err
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down gracefully", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server shutdown error", "error", err)
		return err
	}
	slog.Info("Server shutdown completed")
	return nil
}

// ifThen is a simple ternary helper
func ifThen[T any](condition bool, a, b T) T {
	if condition {
		return a
	}
	return b
}
