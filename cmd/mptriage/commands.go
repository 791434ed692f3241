package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/osiriscare/mptriage/internal/baseline"
	"github.com/osiriscare/mptriage/internal/batch"
	"github.com/osiriscare/mptriage/internal/config"
	"github.com/osiriscare/mptriage/internal/history"
	"github.com/osiriscare/mptriage/internal/mpstore"
	"github.com/osiriscare/mptriage/internal/plan"
)

// buildStore constructs the preference store for the configured transport.
func buildStore(cfg *config.Config) (mpstore.Store, error) {
	switch cfg.Transport {
	case config.TransportLocal:
		return mpstore.NewLocalStore(), nil
	case config.TransportWinRM:
		password := ""
		if cfg.Target.Password != nil {
			password = *cfg.Target.Password
		}
		if password == "" {
			return nil, fmt.Errorf("winrm transport needs target.password or MPTRIAGE_PASSWORD")
		}
		return mpstore.NewWinRMStore(mpstore.WinRMTarget{
			Hostname:  cfg.Target.Hostname,
			Port:      cfg.Target.Port,
			Username:  cfg.Target.Username,
			Password:  password,
			UseSSL:    cfg.Target.UseSSL,
			VerifySSL: cfg.Target.VerifySSL,
		}), nil
	case config.TransportSSH:
		return mpstore.NewSSHStore(mpstore.SSHTarget{
			Hostname:       cfg.Target.Hostname,
			Port:           cfg.Target.Port,
			Username:       cfg.Target.Username,
			Password:       cfg.Target.Password,
			PrivateKeyPath: cfg.Target.PrivateKeyPath,
		}, cfg.StateDir), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// --- apply ---

// failureKinds wraps a store and records the classified kind of each failed
// SetValue, so the progress sink can print an operator hint next to the
// failure line. The applier runs items one at a time, so the map entry for
// an item is current when its sink call fires.
type failureKinds struct {
	mpstore.Store
	kinds map[string]mpstore.ErrorKind
}

func (f *failureKinds) SetValue(ctx context.Context, name string, value batch.Value) error {
	err := f.Store.SetValue(ctx, name, value)
	if err != nil {
		f.kinds[name] = mpstore.KindOf(err)
	}
	return err
}

// hintFor suggests the operator's next move for a classified failure.
// Rejected values get no hint: the cmdlet message already says what was
// wrong with the value.
func hintFor(kind mpstore.ErrorKind) string {
	switch kind {
	case mpstore.TransientAccessFailure:
		return "hint: access failure; check elevation and tamper protection, then re-run"
	case mpstore.UnknownSetting:
		return "hint: setting not known to this Defender version; drop it from the plan"
	}
	return ""
}

var applyCmd = &cobra.Command{
	Use:   "apply <plan>",
	Short: "Apply a relaxation plan to the endpoint",
	Long: `Apply a relaxation plan to the endpoint.

Each setting in the plan is applied independently: one failure never stops
the rest of the batch. The command exits nonzero if any setting failed, so
it can gate scripted step sequences.

Examples:
  mptriage apply cloud
  mptriage apply scanning --dry-run
  mptriage apply restore`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		withBaseline, _ := cmd.Flags().GetBool("capture-baseline")

		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}

		p, err := plan.Lookup(args[0], cfg.PlansDir)
		if err != nil {
			return err
		}

		fmt.Printf("Plan %s: %s (%d settings, target %s via %s)\n",
			p.Name, p.Description, len(p.Changes), cfg.TargetLabel(), cfg.Transport)

		if dryRun {
			for _, c := range p.Changes {
				fmt.Printf("  would set %s = %s\n", c.Name, c.Value)
			}
			return nil
		}

		store, err := buildStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()

		if withBaseline {
			all, err := plan.All(cfg.PlansDir)
			if err != nil {
				return err
			}
			_, path, err := baseline.Capture(ctx, store, cfg.TargetLabel(), plan.SettingNames(all), cfg.BaselineDir())
			if err != nil {
				return fmt.Errorf("baseline capture before apply: %w", err)
			}
			fmt.Printf("Baseline captured: %s\n", path)
		}

		tracked := &failureKinds{Store: store, kinds: map[string]mpstore.ErrorKind{}}

		sink := func(r batch.ApplyResult) {
			switch r.Outcome {
			case batch.OutcomeSuccess:
				fmt.Printf("  ok    %s = %s\n", r.Name, r.Requested)
			default:
				fmt.Printf("  FAIL  %s = %s: %s\n", r.Name, r.Requested, r.Reason)
				if hint := hintFor(tracked.kinds[r.Name]); hint != "" {
					fmt.Printf("        %s\n", hint)
				}
			}
		}

		started := time.Now().UTC()
		report, err := batch.Apply(ctx, p.Changes, tracked, sink)
		if err != nil {
			return err
		}

		recordRun(ctx, cfg, p.Name, started, report)

		fmt.Printf("Done: %d applied, %d failed\n", report.Succeeded, report.Failed)
		if !report.AllSucceeded() {
			return fmt.Errorf("%d of %d settings failed", report.Failed, len(report.Results))
		}
		return nil
	},
}

// recordRun persists the run locally and mirrors it to central when
// configured. History trouble never fails the apply; the report on
// stdout is the contract.
func recordRun(ctx context.Context, cfg *config.Config, planName string, started time.Time, report *batch.BatchReport) {
	run := &history.Run{
		RunID:        uuid.NewString(),
		Plan:         planName,
		Target:       cfg.TargetLabel(),
		Transport:    cfg.Transport,
		StartedAt:    started,
		DurationSecs: time.Since(started).Seconds(),
		Succeeded:    report.Succeeded,
		Failed:       report.Failed,
		Results:      report.Results,
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		log.Printf("[history] Cannot create state dir: %v", err)
		return
	}

	store, err := history.OpenSQLite(cfg.HistoryDBPath())
	if err != nil {
		log.Printf("[history] Open failed: %v", err)
		return
	}
	defer store.Close()

	if err := store.RecordRun(run); err != nil {
		log.Printf("[history] Record failed: %v", err)
	}
	if pruned, err := store.Prune(time.Duration(cfg.HistoryRetentionDays) * 24 * time.Hour); err == nil && pruned > 0 {
		log.Printf("[history] Pruned %d old runs", pruned)
	}

	if cfg.CentralDSN != "" {
		submitter, err := history.NewPostgresSubmitter(ctx, cfg.CentralDSN)
		if err != nil {
			log.Printf("[history] Central connect failed (run kept locally): %v", err)
			return
		}
		defer submitter.Close()
		if err := submitter.SubmitRun(ctx, run); err != nil {
			log.Printf("[history] Central submit failed (run kept locally): %v", err)
		}
	}
}

// --- plans ---

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List available plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		plans, err := plan.All(cfg.PlansDir)
		if err != nil {
			return err
		}
		for _, p := range plans {
			fmt.Printf("%-10s %2d settings  %s\n", p.Name, len(p.Changes), p.Description)
		}
		return nil
	},
}

// --- baseline ---

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Capture or compare preference snapshots",
}

var baselineCaptureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Snapshot current values of every setting any plan touches",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		store, err := buildStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		all, err := plan.All(cfg.PlansDir)
		if err != nil {
			return err
		}

		snap, path, err := baseline.Capture(context.Background(), store, cfg.TargetLabel(), plan.SettingNames(all), cfg.BaselineDir())
		if err != nil {
			return err
		}
		fmt.Printf("Captured %d values for %s -> %s\n", len(snap.Values), snap.Hostname, path)
		return nil
	},
}

var baselineDiffCmd = &cobra.Command{
	Use:   "diff <snapshot.json>",
	Short: "Compare live values against a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		snap, err := baseline.Load(args[0])
		if err != nil {
			return err
		}
		store, err := buildStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		diffs, err := baseline.Diff(context.Background(), store, snap)
		if err != nil {
			return err
		}
		if len(diffs) == 0 {
			fmt.Printf("No drift from baseline %s (%s)\n", args[0], snap.CapturedAt.Format(time.RFC3339))
			return nil
		}
		for _, d := range diffs {
			fmt.Printf("%-35s %s -> %s\n", d.Name, orUnset(d.Snapshot), orUnset(d.Current))
		}
		fmt.Printf("%d settings differ from baseline\n", len(diffs))
		return nil
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent triage runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		store, err := history.OpenSQLite(cfg.HistoryDBPath())
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.ListRuns(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %-10s %-20s %2d ok %2d failed  %.1fs  %s\n",
				r.StartedAt.Format("2006-01-02 15:04:05"), r.Plan, r.Target,
				r.Succeeded, r.Failed, r.DurationSecs, r.RunID)
		}
		return nil
	},
}

func orUnset(s string) string {
	if s == "" {
		return "<unset>"
	}
	return s
}

func init() {
	applyCmd.Flags().Bool("dry-run", false, "Print the plan without touching the endpoint")
	applyCmd.Flags().Bool("capture-baseline", false, "Capture a baseline snapshot before applying")
	historyCmd.Flags().Int("limit", 20, "Number of runs to show")
	baselineCmd.AddCommand(baselineCaptureCmd, baselineDiffCmd)
}
