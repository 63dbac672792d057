package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joylabs/catalogd/internal/catalogsync"
	"github.com/joylabs/catalogd/internal/config"
	"github.com/joylabs/catalogd/internal/push"
	"github.com/joylabs/catalogd/internal/search"
)

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "catalogd",
		Short:         "Local catalog replica with sync, webhook ingestion and search",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("CATALOGD_CONFIG"), "path to YAML config file")

	root.AddCommand(
		newServeCmd(opts),
		newSyncCmd(opts),
		newSearchCmd(opts),
	)
	return root
}

// loadConfig reads configuration and builds the process logger from it. The
// first read only decides the log level; the returned loader logs reloads.
func loadConfig(opts *rootOptions) (*config.Loader, config.Config, *zap.Logger, zap.AtomicLevel, error) {
	cfg, err := config.NewLoader(opts.configPath, nil).Load()
	if err != nil {
		return nil, config.Config{}, nil, zap.AtomicLevel{}, err
	}
	logger, atom, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, config.Config{}, nil, zap.AtomicLevel{}, err
	}
	loader := config.NewLoader(opts.configPath, logger)
	if cfg, err = loader.Load(); err != nil {
		return nil, config.Config{}, nil, zap.AtomicLevel{}, err
	}
	return loader, cfg, logger, atom, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook workers and periodic sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			loader, cfg, logger, atom, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(ctx, loader, cfg, logger, atom)
		},
	}
}

func serve(ctx context.Context, loader *config.Loader, cfg config.Config, logger *zap.Logger, atom zap.AtomicLevel) error {
	a := newApp(cfg, logger)
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.buildSync(); err != nil {
		return err
	}
	if err := a.buildIngestor(); err != nil {
		return err
	}
	if err := a.buildImages(); err != nil {
		return err
	}
	if err := a.buildSearch(); err != nil {
		return err
	}

	go a.images.WatchCatalog(ctx, a.bus.Catalog)
	go a.index.Watch(ctx, a.bus.Catalog)
	a.startPeriodic(ctx, cfg.Sync)
	loader.Watch(func(previous, next config.Config) {
		a.applyConfig(ctx, atom, previous, next)
	})

	if cfg.Push.URL != "" {
		sub, err := push.NewSubscriber(cfg.Push.URL, a.ingestor, push.Options{
			Logger: logger,
			Header: bearerHeader(cfg.Remote.Token),
		})
		if err != nil {
			return err
		}
		go func() { _ = sub.Run(ctx) }()
	}

	if run, started := a.coordinator.StartIncrementalSync(); started {
		logger.Info("startup sync started", zap.String("runId", run.ID))
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.httpHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("catalogd listening", zap.String("addr", cfg.HTTP.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func bearerHeader(token string) http.Header {
	if token == "" {
		return nil
	}
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

type syncOptions struct {
	full bool
}

func newSyncCmd(root *rootOptions) *cobra.Command {
	opts := &syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass against the remote catalog and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			_, cfg, logger, _, err := loadConfig(root)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a := newApp(cfg, logger)
			defer func() { _ = a.close() }()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			if err := a.buildSync(); err != nil {
				return err
			}
			var out catalogsync.Outcome
			if opts.full {
				out = a.service.RunFull(ctx, catalogsync.RunOptions{})
			} else {
				out = a.service.RunIncremental(ctx, "", catalogsync.RunOptions{})
			}
			if err := writeOutcome(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return out.Err
		},
	}
	cmd.Flags().BoolVar(&opts.full, "full", false, "run a full sync instead of an incremental one")
	return cmd
}

func writeOutcome(w io.Writer, out catalogsync.Outcome) error {
	summary := map[string]any{
		"state":   out.State(),
		"pages":   out.Pages,
		"applied": out.Applied,
		"skipped": out.Skipped,
		"failed":  out.Failed,
		"cursor":  out.Cursor,
	}
	if out.Err != nil {
		summary["error"] = out.Err.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

type searchOptions struct {
	filters search.Filters
	limit   int
	token   string
	asJSON  bool
}

func newSearchCmd(root *rootOptions) *cobra.Command {
	opts := &searchOptions{}
	cmd := &cobra.Command{
		Use:   "search <term>",
		Short: "Search the local replica",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, logger, _, err := loadConfig(root)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a := newApp(cfg, logger)
			defer func() { _ = a.close() }()
			if err := a.openStore(cmd.Context()); err != nil {
				return err
			}
			if err := a.buildSearch(); err != nil {
				return err
			}
			page, err := a.index.Search(cmd.Context(), strings.Join(args, " "), opts.filters, search.PageRequest{
				Token: opts.token,
				Size:  opts.limit,
			})
			if err != nil {
				return err
			}
			return writePage(cmd.OutOrStdout(), page, opts.asJSON)
		},
	}
	cmd.Flags().BoolVar(&opts.filters.ByName, "name", false, "match item names")
	cmd.Flags().BoolVar(&opts.filters.BySKU, "sku", false, "match SKUs")
	cmd.Flags().BoolVar(&opts.filters.ByBarcode, "barcode", false, "match barcodes")
	cmd.Flags().BoolVar(&opts.filters.ByCategory, "category", false, "match category names")
	cmd.Flags().StringVar(&opts.filters.CategoryID, "category-id", "", "restrict results to one category")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&opts.token, "page-token", "", "continue from a previous page")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the result page as JSON")
	return cmd
}

func writePage(w io.Writer, page search.ResultPage, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(page)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSKU\tCATEGORY\tPRICE")
	for _, r := range page.Results {
		price := ""
		if p, ok := r.Price.Get(); ok {
			price = p.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, strings.Join(r.SKUs, ","), r.CategoryName.OrElse(""), price)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if page.NextToken != "" {
		_, err := fmt.Fprintf(w, "next page: --page-token %s\n", page.NextToken)
		return err
	}
	return nil
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
