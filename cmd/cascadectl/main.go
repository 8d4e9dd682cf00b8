package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalworks/cascade/internal/api"
	"github.com/signalworks/cascade/internal/engine"
	"github.com/signalworks/cascade/internal/store"
	"github.com/signalworks/cascade/internal/wal"
)

var (
	// Global flags
	kvBackend    string
	snapshotPath string
	redisAddr    string
	postgresConn string
	walDir       string
	jsonOut      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cascadectl",
		Short: "Operator tool for the cascade inference engine",
		Long: `Operate a cascade engine's persisted state directly:
load seed datasets, run walk-forward validation, force prior recalibration,
and produce audit reports without going through the HTTP surface.`,
	}

	rootCmd.PersistentFlags().StringVar(&kvBackend, "kv", "memory", "Persistence backend: silent, memory, redis, postgres")
	rootCmd.PersistentFlags().StringVar(&snapshotPath, "snapshot", "data/cascade.json", "Snapshot path for the memory backend")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address for the redis backend")
	rootCmd.PersistentFlags().StringVar(&postgresConn, "postgres-conn", "", "Postgres connection string for the postgres backend")
	rootCmd.PersistentFlags().StringVar(&walDir, "wal-dir", "", "Observation WAL directory (empty disables the WAL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Emit raw JSON instead of a summary")

	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(walkforwardCmd())
	rootCmd.AddCommand(recalibrateCmd())
	rootCmd.AddCommand(estimateCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(walReplayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type noTruth struct{}

func (noTruth) OccurredInWindow(ctx context.Context, start, end int64) (bool, error) {
	return false, fmt.Errorf("ground truth lookup is not available offline")
}

func openEngine(ctx context.Context) (*engine.Engine, func(), error) {
	var kv store.KV
	var err error

	switch kvBackend {
	case "silent":
		kv = store.SilentKV{}
	case "memory":
		kv = store.NewMemoryKV(snapshotPath)
	case "redis":
		kv, err = store.NewRedisKV(redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
	case "postgres":
		kv, err = store.NewPostgresKV(postgresConn)
	default:
		err = fmt.Errorf("unknown kv backend %q", kvBackend)
	}
	if err != nil {
		return nil, nil, err
	}

	var journal *wal.Journal
	if walDir != "" {
		journal, err = wal.NewJournal(walDir)
		if err != nil {
			kv.Close()
			return nil, nil, fmt.Errorf("open WAL: %w", err)
		}
	}

	st := store.New(api.DefaultEngineParams(), kv, journal)
	eng, err := engine.New(st, noTruth{})
	if err != nil {
		kv.Close()
		return nil, nil, err
	}
	if err := eng.Load(ctx); err != nil {
		kv.Close()
		return nil, nil, fmt.Errorf("hydrate state: %w", err)
	}

	cleanup := func() {
		if journal != nil {
			journal.Close()
		}
		kv.Close()
	}
	return eng, cleanup, nil
}

func emit(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// seedCmd loads a historical dataset
func seedCmd() *cobra.Command {
	var (
		dryRun    bool
		cutoff    float64
		direction string
		metric    string
		source    string
	)

	cmd := &cobra.Command{
		Use:   "seed <dataset.json>",
		Short: "Load a seed dataset, cross-checking labels against the declared cutoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, cleanup, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read dataset: %w", err)
			}
			var records []api.SeedRecord
			if err := json.Unmarshal(data, &records); err != nil {
				return fmt.Errorf("parse dataset: %w", err)
			}

			def := api.LabelDefinition{Metric: metric, Cutoff: cutoff, Direction: direction, Source: source}
			report, err := eng.LoadSeed(ctx, records, def, dryRun)
			if err != nil {
				return err
			}
			if jsonOut {
				return emit(report)
			}

			fmt.Printf("=== Seed Load ===\n")
			fmt.Printf("Records: %d  loaded: %d  rejected: %d  dry-run: %v\n",
				report.Total, report.Loaded, report.Rejected, report.DryRun)
			if report.AlreadyLoaded {
				fmt.Println("Dataset was already loaded; nothing changed.")
			}
			if report.Sanity != nil {
				fmt.Printf("Cutoff %.2f (%s): base rate %.3f over %d records -> %s\n",
					report.Sanity.Cutoff, report.Sanity.Direction, report.Sanity.BaseRate,
					report.Sanity.N, report.Sanity.Verdict)
			}
			for _, inc := range report.Inconsistencies {
				fmt.Printf("MISMATCH record %d (%s): value %.2f, supplied label %d, derived %d\n",
					inc.Index, inc.Event, inc.ReturnPct, inc.SuppliedLabel, inc.DerivedLabel)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate and analyze without mutating the store")
	cmd.Flags().Float64Var(&cutoff, "cutoff", 5.0, "Label definition cutoff")
	cmd.Flags().StringVar(&direction, "direction", "absolute", "Label direction: absolute or above")
	cmd.Flags().StringVar(&metric, "metric", "return_pct", "Metric the cutoff applies to")
	cmd.Flags().StringVar(&source, "source", "", "Ground-truth source name")
	return cmd
}

// walkforwardCmd runs expanding-window validation
func walkforwardCmd() *cobra.Command {
	var (
		patternID string
		splitDate string
		stepDays  int
	)

	cmd := &cobra.Command{
		Use:   "walkforward",
		Short: "Run walk-forward validation against the frequency baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, cleanup, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			split, err := time.Parse("2006-01-02", splitDate)
			if err != nil {
				return fmt.Errorf("split date %q is not YYYY-MM-DD", splitDate)
			}

			report, err := eng.WalkForward(ctx, patternID, split.UnixMilli(), time.Duration(stepDays)*24*time.Hour)
			if err != nil {
				return err
			}
			if jsonOut {
				return emit(report)
			}

			fmt.Printf("=== Walk-Forward: %s ===\n", report.PatternID)
			for i, f := range report.Folds {
				fmt.Printf("fold %d: train %d/%d  test %d/%d  pred %.3f  brier %.4f vs %.4f  lift %+.1f%%\n",
					i+1, f.TrainK, f.TrainN, f.TestK, f.TestN, f.PredictedProb,
					f.BrierBayesian, f.BrierBaseline, f.Lift*100)
			}
			fmt.Printf("simple lift %+.1f%%  weighted lift %+.1f%%  bayesian preferred: %v\n",
				report.SimpleLift*100, report.WeightedLift*100, report.BayesianPreferred)
			return nil
		},
	}

	cmd.Flags().StringVar(&patternID, "pattern", "", "Pattern id to validate")
	cmd.Flags().StringVar(&splitDate, "split", "", "Walk-forward split date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&stepDays, "step-days", 30, "Fold width in days")
	cmd.MarkFlagRequired("pattern")
	cmd.MarkFlagRequired("split")
	return cmd
}

// recalibrateCmd forces empirical-Bayes recalibration
func recalibrateCmd() *cobra.Command {
	var patternID string

	cmd := &cobra.Command{
		Use:   "recalibrate",
		Short: "Force empirical-Bayes prior recalibration for a pattern",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, cleanup, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			res := eng.ForceRecalibrate(ctx, patternID)
			if res == nil {
				return fmt.Errorf("no observations for pattern %q", patternID)
			}
			if jsonOut {
				return emit(res)
			}

			fmt.Printf("=== Recalibration: %s ===\n", res.PatternID)
			fmt.Printf("n=%d blocks=%d block-variance=%.5f mean-rate=%.4f concentration=%.2f fell-back=%v\n",
				res.N, res.BlockCount, res.BlockVariance, res.MeanRate, res.Concentration, res.FellBack)
			fmt.Printf("prior Beta(%.3f, %.3f) -> Beta(%.3f, %.3f) applied=%v\n",
				res.Before.Alpha, res.Before.Beta, res.After.Alpha, res.After.Beta, res.Applied)
			if res.Reason != "" {
				fmt.Printf("reason: %s\n", res.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&patternID, "pattern", "", "Pattern id to recalibrate")
	cmd.MarkFlagRequired("pattern")
	return cmd
}

// estimateCmd prints the current posterior estimate
func estimateCmd() *cobra.Command {
	var patternID string

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Print the current cascade probability estimate for a pattern",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, cleanup, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			est := eng.CascadeProbability(ctx, patternID)
			if jsonOut {
				return emit(est)
			}

			fmt.Printf("%s: p=%.4f  80%% CI [%.4f, %.4f]  95%% CI [%.4f, %.4f]\n",
				est.PatternID, est.Probability, est.CI80Low, est.CI80High, est.CI95Low, est.CI95High)
			fmt.Printf("observed %d/%d  effective n=%.1f  sufficient=%v\n",
				est.ObservedK, est.ObservedN, est.EffectiveSampleSize, est.Sufficient)
			return nil
		},
	}

	cmd.Flags().StringVar(&patternID, "pattern", "", "Pattern id")
	cmd.MarkFlagRequired("pattern")
	return cmd
}

// reportCmd prints the audit-ready status report
func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Produce the audit-ready status report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, cleanup, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			status := eng.Status(ctx)
			if jsonOut {
				return emit(status)
			}

			fmt.Printf("=== Cascade Engine Status ===\n")
			fmt.Printf("Observations: %d  pending: %d\n", status.Observations, status.PendingCount)
			for id, est := range status.Patterns {
				flag := ""
				if !est.Sufficient {
					flag = "  [insufficient data]"
				}
				fmt.Printf("  %s: p=%.4f (%d/%d)%s\n", id, est.Probability, est.ObservedK, est.ObservedN, flag)
			}
			if status.Calibration != nil {
				b := status.Calibration.Brier
				fmt.Printf("Calibration: brier %.4f (%s) over %d scored predictions\n",
					b.Score, b.Interpretation, status.Calibration.ScoredN)
			}
			return nil
		},
	}
}

// walReplayCmd inspects an observation WAL segment
func walReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wal-replay <segment>",
		Short: "Replay a WAL segment and summarize its observations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := wal.Replay(args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return emit(entries)
			}

			byPattern := map[string]int{}
			for _, e := range entries {
				key := e.Observation.PatternID
				if key == "" {
					key = string(e.Observation.Type)
				}
				byPattern[key]++
			}
			fmt.Printf("%d entries\n", len(entries))
			for key, count := range byPattern {
				fmt.Printf("  %s: %d\n", key, count)
			}
			return nil
		},
	}
}
