// Command screener collects Korean equity data, builds daily metric
// snapshots and serves the screener API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"KRScreener/internal/api"
	"KRScreener/internal/common"
	"KRScreener/internal/config"
	"KRScreener/internal/model"
	"KRScreener/internal/notifier"
	"KRScreener/internal/scheduler"
	"KRScreener/internal/screener"
)

var (
	cfg    *config.Config
	logger *common.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "screener",
	Short:         "KOSPI/KOSDAQ snapshot screener",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = "configs/config.yaml"
			if v := os.Getenv("CONFIG_PATH"); v != "" {
				path = v
			}
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.Log.Level = lvl
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config validation: %w", err)
		}
		logger = common.NewLogger(cfg.Log.Level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: configs/config.yaml or $CONFIG_PATH)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	collectCmd.Flags().String("asof", "", "collect up to this date (YYYY-MM-DD, default today KST)")
	recomputeCmd.Flags().String("date", "", "snapshot date (YYYY-MM-DD, default latest trading day)")
	screenCmd.Flags().String("preset", "", "start from a built-in preset")
	screenCmd.Flags().String("query", "", "conditions as a query string, e.g. 'pbr=range::1&market=bucket:kospi'")
	screenCmd.Flags().String("date", "", "snapshot date (default effective as-of)")
	screenCmd.Flags().String("sort", "avg_value_20d", "sort field")
	screenCmd.Flags().Bool("asc", false, "sort ascending")
	screenCmd.Flags().Int("limit", 30, "rows to print")

	invalidateCmd.Flags().String("kind", string(model.KindPrices), "data kind (prices or fundamentals)")
	invalidateCmd.Flags().String("from", "", "first day (YYYY-MM-DD)")
	invalidateCmd.Flags().String("to", "", "last day (YYYY-MM-DD, default --from)")
	_ = invalidateCmd.MarkFlagRequired("from")

	rootCmd.AddCommand(serveCmd, collectCmd, recomputeCmd, reserveCmd, invalidateCmd, asofCmd, screenCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, cron jobs and Telegram bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		deps := scheduler.Deps{
			Collector: a.collector,
			Builder:   a.rebuilder,
			Resolver:  a.resolver,
			Store:     a.store,
		}
		if a.updater != nil {
			deps.Reserve = a.updater
		}
		var tn *notifier.TelegramNotifier
		if cfg.TelegramEnabled() {
			tn = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy,
				notifier.WithLogger(logger.Component("telegram")))
			deps.Sender = tn
		}

		sched := scheduler.NewScheduler(ctx, deps, logger)
		if err := sched.RegisterAll(cfg.Schedule.CollectCron, cfg.Schedule.ReserveCron); err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()

		srv := api.NewServer(cfg.Server.Addr, api.NewHandlers(a.store, a.resolver, a.rebuilder, logger.Component("api")), logger.Component("api"))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Run(gctx) })
		if tn != nil {
			g.Go(func() error {
				tn.StartPolling(gctx, sched.HandleCommand)
				return nil
			})
			logger.Info().Msg("telegram polling started")
		}
		if os.Getenv("RUN_ON_START") == "true" {
			g.Go(func() error {
				if _, err := sched.RunCollect(gctx); err != nil {
					logger.Error().Err(err).Msg("startup collection failed")
				}
				return nil
			})
		}

		logger.Info().Msg("screener is running, press Ctrl+C to stop")
		err = g.Wait()
		logger.Info().Msg("screener stopped")
		return err
	},
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Fill the cache with missing data and rebuild the snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		day := model.Day(time.Now().In(scheduler.KST))
		if v, _ := cmd.Flags().GetString("asof"); v != "" {
			if day, err = model.ParseDate(v); err != nil {
				return err
			}
		}

		ctx, stop := signalContext()
		defer stop()
		res, err := a.collector.Run(ctx, day)
		if res != nil {
			fmt.Print(notifier.FormatBatchResult(res))
		}
		return err
	},
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Rebuild one snapshot from the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		var day time.Time
		if v, _ := cmd.Flags().GetString("date"); v != "" {
			if day, err = model.ParseDate(v); err != nil {
				return err
			}
		} else if day, err = a.store.LatestPriceDate(ctx); err != nil {
			return fmt.Errorf("latest trading day: %w", err)
		}

		n, err := a.rebuilder.Rebuild(ctx, day)
		if err != nil {
			return err
		}
		fmt.Printf("snapshot %s rebuilt: %d rows\n", model.FormatDate(day), n)
		return nil
	},
}

var reserveCmd = &cobra.Command{
	Use:   "reserve [ticker...]",
	Short: "Crawl reserve ratios (all active tickers when none given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.updater == nil {
			return fmt.Errorf("reserve_ratio.enabled is false")
		}

		ctx, stop := signalContext()
		defer stop()
		n, err := a.updater.UpdateReserveRatios(ctx, args)
		if err != nil {
			return err
		}
		fmt.Printf("reserve ratios updated: %d rows\n", n)
		return nil
	},
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate [ticker...]",
	Short: "Drop cached rows in a date range so the next collection refetches them",
	RunE: func(cmd *cobra.Command, args []string) error {
		kindFlag, _ := cmd.Flags().GetString("kind")
		kind, err := parseKind(kindFlag)
		if err != nil {
			return err
		}
		fromFlag, _ := cmd.Flags().GetString("from")
		from, err := model.ParseDate(fromFlag)
		if err != nil {
			return err
		}
		to := from
		if v, _ := cmd.Flags().GetString("to"); v != "" {
			if to, err = model.ParseDate(v); err != nil {
				return err
			}
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		r := model.NewDateRange(from, to)
		n, err := invalidateRange(cmd.Context(), a.store, kind, r, args)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s invalidated: %d rows deleted\n", kind, r, n)
		return nil
	},
}

var asofCmd = &cobra.Command{
	Use:   "asof",
	Short: "Print the effective as-of date",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.resolver.Resolve(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var screenCmd = &cobra.Command{
	Use:   "screen",
	Short: "Filter a snapshot and print the matches",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		preset, _ := cmd.Flags().GetString("preset")
		query, _ := cmd.Flags().GetString("query")
		sel, warning, err := screenSelection(preset, query)
		if err != nil {
			return err
		}
		if warning != "" {
			fmt.Fprintln(os.Stderr, "warning:", warning)
		}

		var day time.Time
		if v, _ := cmd.Flags().GetString("date"); v != "" {
			want, err := model.ParseDate(v)
			if err != nil {
				return err
			}
			// Non-trading days resolve to the previous stored snapshot.
			if day, err = a.store.LatestSnapshotOnOrBefore(ctx, want); err != nil {
				return fmt.Errorf("no snapshot on or before %s: %w", v, err)
			}
		} else {
			res, err := a.resolver.Resolve(ctx)
			if err != nil {
				return err
			}
			day = res.Date
		}

		rows, err := a.store.LoadSnapshot(ctx, day)
		if err != nil {
			return err
		}
		matched, err := screener.Apply(rows, sel)
		if err != nil {
			return err
		}
		sortField, _ := cmd.Flags().GetString("sort")
		asc, _ := cmd.Flags().GetBool("asc")
		if err := screener.Sort(matched, sortField, asc); err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		return printRows(day, sel, matched, limit)
	},
}

func printRows(day time.Time, sel screener.Selection, rows []model.SnapshotRow, limit int) error {
	fmt.Printf("as-of %s  query %q  matches %d\n\n", model.FormatDate(day), screener.Encode(sel), len(rows))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TICKER\tNAME\tMARKET\tCLOSE\tPBR\tPER\tAVG VALUE 20D\tRET 3M")
	for i, r := range rows {
		if limit > 0 && i == limit {
			break
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%s\t%s\t%s\t%s\n",
			r.Ticker, r.Name, r.Market, r.Close, cell(r.PBR.Ptr(), "%.2f"), cell(r.PER.Ptr(), "%.1f"),
			cell(r.AvgValue20d.Ptr(), "%.0f"), cell(r.Ret3m.Ptr(), "%+.3f"))
	}
	return w.Flush()
}

func cell(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}
