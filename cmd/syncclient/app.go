package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scheme-hand/config"
	"scheme-hand/syncclient"
)

// app hält die pro Aufruf aufgebauten Abhängigkeiten.
type app struct {
	format string
	out    io.Writer

	cfg    *config.ClientConfig
	logger *zap.Logger
	cache  *syncclient.Cache
	syncer *syncclient.Syncer
}

func (a *app) init(ctx context.Context) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	a.cfg = cfg

	if cfg.LogDevelopment {
		a.logger, err = zap.NewDevelopment()
	} else {
		a.logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("can't initialize zap logger: %w", err)
	}

	a.cache, err = syncclient.OpenCache(ctx, cfg.DBPath, a.logger)
	if err != nil {
		return err
	}
	api := syncclient.NewAPIClient(cfg.APIURL, cfg.APIKey, cfg.HTTPTimeout)
	a.syncer = syncclient.NewSyncer(cfg, api, a.cache, nil, a.logger)
	return nil
}

// execute führt cmd aus und räumt danach immer auf, auch wenn der Befehl fehlschlägt.
// Cobra überspringt PersistentPostRun bei Fehlern.
func (a *app) execute(ctx context.Context, cmd *cobra.Command) error {
	defer a.close()
	return cmd.ExecuteContext(ctx)
}

func (a *app) close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *app) writer() io.Writer {
	if a.out != nil {
		return a.out
	}
	return os.Stdout
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.writer())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printSchemes(rows []syncclient.CachedScheme) error {
	if a.format == "json" {
		return a.printJSON(rows)
	}
	w := tabwriter.NewWriter(a.writer(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tAGE\tGENDER\tLEVEL\tFAV")
	for _, r := range rows {
		fav := ""
		if r.Favorite {
			fav = "*"
		}
		if r.Orphaned {
			fav += " (removed)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Title, ageRange(r.AgeMin, r.AgeMax), r.Gender, r.GovernmentLevel, fav)
	}
	return w.Flush()
}

// printFreshness zeigt, wie aktuell der Cache ist. Nach fehlgeschlagenem Sync bleiben die Daten sichtbar.
func (a *app) printFreshness(ctx context.Context) {
	if a.format == "json" {
		return
	}
	st, err := a.cache.Status(ctx)
	if err != nil {
		return
	}
	w := a.writer()
	if st.LastSyncAt == nil {
		fmt.Fprintln(w, "\nlast updated: never")
	} else {
		fmt.Fprintf(w, "\nlast updated: %s\n", st.LastSyncAt.Local().Format(time.RFC1123))
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "last sync failed: %s\n", st.LastError)
	}
}

func ageRange(lo, hi *int) string {
	switch {
	case lo == nil && hi == nil:
		return "any"
	case hi == nil:
		return fmt.Sprintf("%d+", *lo)
	case lo == nil:
		return fmt.Sprintf("0-%d", *hi)
	default:
		return fmt.Sprintf("%d-%d", *lo, *hi)
	}
}
