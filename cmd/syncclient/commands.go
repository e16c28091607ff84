package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scheme-hand/messaging"
	"scheme-hand/models"
	"scheme-hand/syncclient"
)

var validFormats = map[string]bool{"text": true, "json": true}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "syncclient",
		Short:        "Device-side cache of child-welfare schemes",
		Long:         "Keeps a local cache of schemes in sync with the scheme-hand store and answers queries offline.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !validFormats[a.format] {
				return fmt.Errorf("invalid format %q: must be text or json", a.format)
			}
			a.out = cmd.OutOrStdout()
			return a.init(cmd.Context())
		},
	}
	cmd.PersistentFlags().StringVar(&a.format, "format", "text", "output format (text|json)")

	cmd.AddCommand(newSyncCommand(a))
	cmd.AddCommand(newWatchCommand(a))
	cmd.AddCommand(newQueryCommand(a))
	cmd.AddCommand(newFavoritesCommand(a))
	cmd.AddCommand(newShowCommand(a))
	cmd.AddCommand(newStatusCommand(a))
	return cmd
}

func newSyncCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull all changes since the last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.syncer.SyncNow(cmd.Context())
			if err != nil {
				a.printFreshness(cmd.Context())
				return err
			}
			if a.format == "json" {
				return a.printJSON(report)
			}
			fmt.Fprintf(a.writer(), "synced %d records in %d batches (cursor %d)\n", report.Records, report.Batches, report.Cursor)
			return nil
		},
	}
}

func newWatchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync on schedule and on push notifications until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.syncer.Run(ctx) })

			if a.cfg.NATSURL != "" {
				sub, err := messaging.NewNATSSubscriber(a.cfg.NATSURL, messaging.NewZapLoggerAdapter(a.logger))
				if err != nil {
					return err
				}
				defer sub.Close()
				listener := syncclient.NewListener(sub, a.cfg.NotifyTopic, a.syncer, a.logger)
				g.Go(func() error { return listener.Run(ctx) })
			} else {
				a.logger.Info("NATS_URL not set, syncing on schedule only", zap.String("schedule", a.cfg.Schedule))
			}
			return g.Wait()
		},
	}
}

func newQueryCommand(a *app) *cobra.Command {
	var age int
	var gender string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List cached schemes matching age and gender",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var f syncclient.Filter
			if cmd.Flags().Changed("age") {
				if age < 0 {
					return fmt.Errorf("age must not be negative")
				}
				f.Age = &age
			}
			if gender != "" {
				g, ok := models.ParseGender(gender)
				if !ok {
					return fmt.Errorf("unknown gender %q: use male, female or all", gender)
				}
				f.Gender = g
			}
			rows, err := a.cache.Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			if err := a.printSchemes(rows); err != nil {
				return err
			}
			a.printFreshness(cmd.Context())
			return nil
		},
	}
	cmd.Flags().IntVar(&age, "age", 0, "age of the child in years")
	cmd.Flags().StringVar(&gender, "gender", "", "male, female or all")
	return cmd
}

func newFavoritesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "favorites",
		Short: "Manage saved schemes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved schemes, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := a.cache.ListFavorites(cmd.Context())
			if err != nil {
				return err
			}
			return a.printSchemes(rows)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add <id>",
		Short: "Save a cached scheme",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.cache.AddFavorite(cmd.Context(), args[0], time.Now())
			if errors.Is(err, syncclient.ErrNotCached) {
				return fmt.Errorf("scheme %s is not cached yet, run sync first", args[0])
			}
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a saved scheme",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.cache.RemoveFavorite(cmd.Context(), args[0])
		},
	})
	return cmd
}

func newShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a scheme with its full text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sc, err := a.syncer.FetchDetail(ctx, args[0])
			if errors.Is(err, syncclient.ErrFullTextDenied) {
				// ohne Volltext aus dem Cache
				cached, cerr := a.cache.Get(ctx, args[0])
				if cerr != nil {
					return err
				}
				cached.FullText = ""
				sc = cached
				err = nil
			}
			if err != nil {
				return err
			}
			if a.format == "json" {
				return a.printJSON(sc)
			}
			w := a.writer()
			fmt.Fprintf(w, "%s\n%s\n\n", sc.Title, sc.SourceURL)
			fmt.Fprintf(w, "age: %s  gender: %s  level: %s\n", ageRange(sc.AgeMin, sc.AgeMax), sc.Gender, sc.GovernmentLevel)
			fmt.Fprintf(w, "updated: %s\n\n", sc.LastUpdated.Local().Format(time.RFC1123))
			if sc.Summary != "" {
				fmt.Fprintln(w, sc.Summary)
			}
			if sc.FullText != "" {
				fmt.Fprintf(w, "\n%s\n", sc.FullText)
			}
			return nil
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cursor, last sync time and cache size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.cache.Status(cmd.Context())
			if err != nil {
				return err
			}
			if a.format == "json" {
				return a.printJSON(st)
			}
			w := a.writer()
			fmt.Fprintf(w, "cursor:    %d\n", st.Cursor)
			fmt.Fprintf(w, "schemes:   %d\n", st.Schemes)
			fmt.Fprintf(w, "favorites: %d\n", st.Favorites)
			a.printFreshness(cmd.Context())
			return nil
		},
	}
}
