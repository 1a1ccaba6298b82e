// Command beesense watches hive weights and escalates notifications on
// sudden changes.
//
// Usage:
//
//	beesense run --config ./config.yaml
//	beesense once
//	beesense state list
//	beesense state reset hive7
//	beesense history hive7 --days 3
//	beesense config check
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"beesense/internal/app"
	"beesense/internal/config"
	"beesense/internal/storage"
	logx "beesense/pkg/logx"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 20 * time.Second

func main() {
	// .env next to the binary/working dir is optional
	_ = godotenv.Load(".env")

	var cfgPath string
	root := &cobra.Command{
		Use:           "beesense",
		Short:         "Hive weight change monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", envOr("BEESENSE_CONFIG", "./config.yaml"), "path to config (yaml or json)")

	root.AddCommand(runCmd(&cfgPath))
	root.AddCommand(onceCmd(&cfgPath))
	root.AddCommand(stateCmd(&cfgPath))
	root.AddCommand(historyCmd(&cfgPath))
	root.AddCommand(configCmd(&cfgPath))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		cancel()
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func cliLogger() logx.Logger { return logx.NewConsole("warn") }

// --------------------------------------------------------------------------
// run / once
// --------------------------------------------------------------------------

func runCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

func onceCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Execute a single monitoring run and print the per-hive outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Stop(context.Background(), app.StopAppStop) }()

			res, err := a.Run(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.SkipReason != "" {
				fmt.Fprintf(out, "run skipped: %s\n", res.SkipReason)
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HIVE\tOUTCOME\tDELTA_KG\tSEVERITY\tERROR")
			for _, e := range res.Entities {
				sev, errText := "-", "-"
				if e.Severity.Valid() {
					sev = e.Severity.String()
				}
				if e.Err != nil {
					errText = e.Err.Error()
				}
				fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\n", e.Entity, e.Outcome, e.DeltaKg, sev, errText)
			}
			_ = tw.Flush()
			fmt.Fprintf(out, "%d hives in %s, %d failed\n", len(res.Entities), res.Duration().Round(time.Millisecond), res.Failures())

			if hist := a.Notifier().Snapshot(); len(hist) > 0 {
				fmt.Fprintln(out)
				tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "HIVE\tSLOT\tDRIVER\tERROR")
				for _, h := range hist {
					errText := "-"
					if h.Error != "" {
						errText = h.Error
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.Entity, h.Slot, h.Driver, errText)
				}
				_ = tw.Flush()
			}
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// state
// --------------------------------------------------------------------------

func stateCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset escalation state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the escalation state of every hive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *cfgPath, func(ctx context.Context, st storage.Store) error {
				recs, err := st.List(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "HIVE\tSEVERITY\tLAST_NOTIFIED\tUPDATED")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Entity, r.State.Severity,
						r.State.LastNotifiedAt.Local().Format(time.DateTime),
						r.UpdatedAt.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <hive>",
		Short: "Forget the escalation state of a hive (next change notifies at INFO)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *cfgPath, func(ctx context.Context, st storage.Store) error {
				existed, err := st.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				if !existed {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: no state\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: state reset\n", args[0])
				return nil
			})
		},
	})
	return cmd
}

func withStore(ctx context.Context, cfgPath string, fn func(context.Context, storage.Store) error) error {
	_, cfg, err := app.LoadConfig(ctx, cfgPath)
	if err != nil {
		return err
	}
	st, err := app.OpenStore(ctx, cfg, cliLogger())
	if err != nil {
		return err
	}
	return errors.Join(fn(ctx, st), st.Close())
}

// --------------------------------------------------------------------------
// history
// --------------------------------------------------------------------------

func historyCmd(cfgPath *string) *cobra.Command {
	var (
		days   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history <hive>",
		Short: "Print the measurements of a hive for the last N days",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, cfg, err := app.LoadConfig(ctx, *cfgPath)
			if err != nil {
				return err
			}
			src, err := app.OpenSource(cfg, cliLogger())
			if err != nil {
				return err
			}
			ms, err := src.GetLastXDays(ctx, args[0], days)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(ms)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTOTAL_KG\tLEFT_KG\tRIGHT_KG\tTEMP_IN\tTEMP_OUT\tHUMIDITY\tPRESSURE")
			for _, m := range ms {
				ts := m.RawTime
				if !m.Timestamp.IsZero() {
					ts = m.Timestamp.Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%.1f\t%.1f\t%.1f\t%.1f\n",
					ts, m.TotalKg, m.LeftKg, m.RightKg, m.TempInside, m.TempOut, m.Humidity, m.Pressure)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&days, "days", 1, "number of days to fetch")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

// --------------------------------------------------------------------------
// config
// --------------------------------------------------------------------------

func configCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Parse and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := app.LoadConfig(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			sections, _ := config.SummarizeConfigChange(nil, cfg)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (%s)\n", *cfgPath, config.Format(*cfgPath))
			fmt.Fprintf(out, "sections: %s\n", strings.Join(sections, ", "))
			s, err := app.SettingsFromConfig(cfg)
			if err != nil {
				fmt.Fprintln(out, "monitoring: not configured (runs are no-ops)")
				return nil
			}
			if err := s.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(out, "monitoring: enabled=%t threshold=%gkg inactivity=%dh renotify=%dh\n",
				s.MonitoringEnabled, s.WeightDeltaThresholdKg, s.InactivityThresholdHours, s.RenotifyIntervalHours)
			return nil
		},
	})
	return cmd
}
