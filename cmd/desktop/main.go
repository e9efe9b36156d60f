// Package main provides the Stockroom desktop backend: the local HTTP API,
// the WebSocket status feed and maintenance commands.
// Desktop clients communicate via REST/WebSocket on localhost:8090.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/stockroom/backend/internal/config"
	"github.com/kimhsiao/stockroom/backend/internal/crypto"
	"github.com/kimhsiao/stockroom/backend/internal/db"
	"github.com/kimhsiao/stockroom/backend/internal/logging"
	"github.com/kimhsiao/stockroom/backend/internal/models"
	"github.com/kimhsiao/stockroom/backend/internal/remote"
	"github.com/kimhsiao/stockroom/backend/internal/services"
)

type rootOptions struct {
	configPath string
	dataDir    string

	cfg       *config.Config
	logCloser io.Closer
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "stockroom",
		Short:        "Offline-first point-of-sale backend",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["skipConfig"] == "true" {
				return nil
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.dataDir != "" {
				cfg.SetDataDir(opts.dataDir)
			}
			opts.cfg = cfg
			opts.logCloser = setupLogging(cfg)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (YAML, TOML or JSON)")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides data_dir)")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newStatusCmd(opts),
		newSyncCmd(opts),
		newPurgeCmd(opts),
		newTokenCmd(opts),
		newConfigCmd(),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local API, the sync scheduler and the status feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			app.Start(ctx)

			srv := &http.Server{Addr: opts.cfg.HTTP.Addr, Handler: app.Router()}
			errCh := make(chan error, 1)
			go func() {
				logging.Info("HTTP API listening", map[string]interface{}{"addr": srv.Addr})
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
			case err = <-errCh:
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				logging.Error("HTTP shutdown failed", serr)
			}
			if cerr := app.Close(); cerr != nil {
				logging.Error("Store close failed", cerr)
			}
			logging.Info("Stockroom backend stopped", nil)
			return err
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and print the schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			return printSchemaVersion(cmd, store.Migrator())
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the latest schema migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			m := store.Migrator()
			if err := m.Down(ctx); err != nil {
				return err
			}
			return printSchemaVersion(cmd, m)
		},
	})
	return cmd
}

func printSchemaVersion(cmd *cobra.Command, m *db.Migrator) error {
	version, err := m.CurrentVersion(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
	return nil
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print record counts and unsynced totals from the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := services.NewOfflineService(store, nil).Stats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, c := range models.AllCollections() {
				cs := stats.For(c)
				if c.Syncable() {
					fmt.Fprintf(out, "%-28s total %-6d unsynced %d\n", c, cs.Total, cs.Unsynced)
				} else {
					fmt.Fprintf(out, "%-28s total %d\n", c, cs.Total)
				}
			}
			fmt.Fprintf(out, "unsynced total: %d\n", stats.TotalUnsynced())
			return nil
		},
	}
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "sync [sales|inventory|all]",
		Short:     "Run one foreground sync pass",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(models.SyncSales), string(models.SyncInventory), string(models.SyncAll)},
		RunE: func(cmd *cobra.Command, args []string) error {
			var arg string
			if len(args) > 0 {
				arg = args[0]
			}
			t, err := models.ParseSyncType(arg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			app, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.RunOnce(ctx, t)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: succeeded %d, failed %d, skipped %d\n", t, result.Succeeded, result.Failed, result.Skipped)
			for id, msg := range result.Failures {
				fmt.Fprintf(out, "  %s: %s\n", id, msg)
			}
			if result.Failed > 0 {
				return fmt.Errorf("%d records failed to sync", result.Failed)
			}
			return nil
		},
	}
}

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	var yes, syncedOnly bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete local data",
		Long: "Delete every record in the local store, including unsynced sales and stock changes.\n" +
			"With --synced only records already accepted by the remote system are removed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !syncedOnly && !yes {
				return errors.New("refusing to delete all local data without --yes")
			}

			ctx := cmd.Context()
			store, err := openStore(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			svc := services.NewOfflineService(store, nil)
			out := cmd.OutOrStdout()

			if syncedOnly {
				for _, c := range models.SyncCollections() {
					n, err := svc.PurgeSynced(ctx, c)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s: removed %d synced records\n", c, n)
				}
				return nil
			}

			if err := svc.ClearAll(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "local store cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting all local data")
	cmd.Flags().BoolVar(&syncedOnly, "synced", false, "only remove synced queue records")
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the remote API token",
	}

	save := func(cmd *cobra.Command, token string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx, opts.cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		return remote.NewSettingsToken(store, crypto.NewSealer(machineID(opts.cfg))).Save(ctx, token)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <token>",
			Short: "Store the API token, sealed with the machine key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := save(cmd, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "token saved")
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove the stored API token",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := save(cmd, ""); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "token removed")
				return nil
			},
		},
	)
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "config",
		Short:       "Configuration helpers",
		Annotations: map[string]string{"skipConfig": "true"},
	}
	cmd.AddCommand(&cobra.Command{
		Use:         "init <path>",
		Short:       "Write the default configuration as YAML",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfig": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	})
	return cmd
}
