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
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"slidegate/internal/config"
	"slidegate/internal/metrics"
	"slidegate/internal/schemavalidation"
	"slidegate/internal/session"
	"slidegate/internal/store"
	"slidegate/internal/synth"
)

func newProfilesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List difficulty presets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewLoader(resolveConfigPath(opts)).Load()
			if err != nil {
				return err
			}
			presets := cfg.ChallengePresets()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tTOLERANCE\tMIN MS\tMAX MS\tMIN SAMPLES\t")
			for _, name := range presets.Names() {
				p := presets[name]
				marker := ""
				if strings.EqualFold(name, cfg.Gate.Difficulty) {
					marker = " *"
				}
				_, _ = fmt.Fprintf(tw, "%s%s\t%d\t%d\t%d\t%d\t\n",
					name, marker, p.ToleranceDistance, p.MinDurationMs, p.MaxDurationMs, p.MinPathSamples)
			}
			return tw.Flush()
		},
	}
}

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	var kind, difficulty, outDir string
	var runs int
	var seed int64
	var verbose bool

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive synthetic gestures through a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := synth.ParseKind(kind)
			if err != nil {
				return err
			}
			a, err := loadApp(opts, func(c *config.Config) {
				if difficulty != "" {
					c.Gate.Difficulty = difficulty
				}
				if seed != 0 {
					c.Gate.Seed = seed
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.gate.SimulateRuns(k, runs)
			if rep != nil {
				out := cmd.OutOrStdout()
				if verbose {
					for _, at := range rep.Attempts {
						printAttempt(out, at)
					}
				}
				_, _ = fmt.Fprintf(out, "%d %s runs:", rep.Runs, k)
				for _, o := range rep.Outcomes() {
					_, _ = fmt.Fprintf(out, " %s=%d", o, rep.ByOutcome[o])
				}
				_, _ = fmt.Fprintln(out)
				for _, flag := range sortedKeys(rep.ByFlag) {
					_, _ = fmt.Fprintf(out, "  %-24s %d\n", flag, rep.ByFlag[flag])
				}
				if outDir != "" {
					if werr := writeDocuments(outDir, rep.Attempts); werr != nil {
						return werr
					}
					_, _ = fmt.Fprintf(out, "wrote %d gesture documents to %s\n", len(rep.Attempts), outDir)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(synth.KindHuman), "gesture kind: human|scripted|teleport")
	cmd.Flags().IntVar(&runs, "runs", 10, "number of gestures")
	cmd.Flags().StringVar(&difficulty, "difficulty", "", "override gate.difficulty")
	cmd.Flags().Int64Var(&seed, "seed", 0, "override gate.seed")
	cmd.Flags().StringVar(&outDir, "out", "", "write each gesture as a document into this directory")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every attempt")
	return cmd
}

func writeDocuments(dir string, attempts []session.Attempt) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	for _, at := range attempts {
		data, err := schemavalidation.NewDocument(at.Challenge, at.Telemetry, at.At).Encode()
		if err != nil {
			return err
		}
		name := fmt.Sprintf("gesture-%03d.json", at.Number)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func printAttempt(w io.Writer, at session.Attempt) {
	v := at.Verdict
	_, _ = fmt.Fprintf(w, "#%-3d target=%-4d end=%-4d %-9s dur=%dms samples=%d vvar=%.3f ratio=%.2f ivar=%.1f",
		at.Number, at.Challenge.TargetOffset, at.Telemetry.EndOffset, store.OutcomeOf(v),
		v.Stats.DurationMs, v.Stats.Samples, v.Stats.VelocityVariance, v.Stats.PathRatio, v.Stats.IntervalVariance)
	if len(v.Flags) > 0 {
		flags := make([]string, len(v.Flags))
		for i, f := range v.Flags {
			flags[i] = string(f)
		}
		_, _ = fmt.Fprintf(w, " flags=%s", strings.Join(flags, ","))
	}
	_, _ = fmt.Fprintln(w)
}

func newClassifyCmd(opts *rootOptions) *cobra.Command {
	var record, asJSON bool

	cmd := &cobra.Command{
		Use:   "classify <gesture.json>...",
		Short: "Classify recorded gesture documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			rejected := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				doc, err := schemavalidation.Decode(data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				at, err := a.gate.ClassifyDocument(doc, record)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if !at.Verdict.Accepted {
					rejected++
				}
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if err := enc.Encode(struct {
						File    string `json:"file"`
						Verdict any    `json:"verdict"`
					}{path, at.Verdict}); err != nil {
						return err
					}
					continue
				}
				_, _ = fmt.Fprintf(out, "%s: ", path)
				printAttempt(out, at)
			}
			if rejected > 0 {
				return fmt.Errorf("%d of %d gestures rejected", rejected, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&record, "record", false, "store the attempts under the offline session")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print verdicts as JSON")
	return cmd
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var kind, listen string
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep simulating gestures and follow config changes until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := synth.ParseKind(kind)
			if err != nil {
				return err
			}
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			a, err := loadApp(opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			a.gate.Follow(a.loader)
			if err := a.loader.Watch(); err != nil {
				a.logger.Warn("config watch unavailable", "error", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if listen != "" {
				srv := &http.Server{
					Addr:              listen,
					Handler:           a.gate.Handler(),
					ReadHeaderTimeout: 2 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("health server", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				a.logger.Info("serving health and metrics", "addr", listen)
			}
			return runLoop(ctx, a, k, interval, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(synth.KindHuman), "gesture kind: human|scripted|teleport")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "time between gestures")
	cmd.Flags().StringVar(&listen, "listen", "", "serve /livez, /readyz, /healthz and /metrics on this address")
	return cmd
}

func runLoop(ctx context.Context, a *app, kind synth.Kind, interval time.Duration, out io.Writer) error {
	ctrl, err := a.gate.OpenSession(session.Hooks{})
	if err != nil {
		return err
	}

	if n, err := a.gate.Prune(time.Now()); err != nil {
		a.logger.Warn("prune failed", "error", err)
	} else if n > 0 {
		_, _ = fmt.Fprintf(out, "pruned %d attempts\n", n)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-a.loader.Errors():
			a.logger.Error("config reload", "error", err)
		case <-ticker.C:
			at, err := a.gate.Simulate(ctrl, kind)
			if err != nil {
				if errors.Is(err, session.ErrClosed) {
					return err
				}
				a.logger.Warn("simulate", "error", err)
				continue
			}
			printAttempt(out, at)
		}
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var sessionID, outcome string
	var limit int
	var since time.Duration
	var summary, prune, verify bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the attempt store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			st := a.gate.Store()
			if st == nil {
				return fmt.Errorf("storage is disabled (storage.type = %q)", a.cfg.Storage.Type)
			}
			out := cmd.OutOrStdout()

			switch {
			case prune:
				n, err := a.gate.Prune(time.Now())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "pruned %d attempts older than %d days\n", n, a.cfg.Storage.RetentionDays)
				return nil
			case verify:
				bad, err := st.VerifyAttempts()
				if err != nil {
					return err
				}
				if len(bad) > 0 {
					return fmt.Errorf("fingerprint mismatch on attempts %v", bad)
				}
				_, _ = fmt.Fprintln(out, "all attempt fingerprints verified")
				return nil
			case summary:
				sum, err := st.Summarize()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "sessions: %d\nattempts: %d\n", sum.Sessions, sum.Attempts)
				for _, o := range sortedKeys(sum.ByOutcome) {
					_, _ = fmt.Fprintf(out, "  %-9s %d\n", o, sum.ByOutcome[o])
				}
				if sum.First != nil && sum.Last != nil {
					_, _ = fmt.Fprintf(out, "span: %s .. %s\n", sum.First.Format(time.RFC3339), sum.Last.Format(time.RFC3339))
				}
				return nil
			}

			f := store.Filter{SessionID: sessionID, Outcome: outcome, Limit: limit}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			records, err := st.ListAttempts(f)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				_, _ = fmt.Fprintln(out, "no attempts")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tTIME\tSESSION\t#\tPROFILE\tTARGET\tEND\tOUTCOME\tFLAGS\t")
			for _, r := range records {
				flags := make([]string, len(r.Flags))
				for i, fl := range r.Flags {
					flags[i] = string(fl)
				}
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%d\t%d\t%s\t%s\t\n",
					r.ID, r.CreatedAt.Format(time.RFC3339), shortID(r.SessionID), r.Number, r.Profile,
					r.TargetOffset, r.EndOffset, r.Outcome, strings.Join(flags, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "only this session")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only this outcome: accepted|position|bot-like")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows (0 for all)")
	cmd.Flags().DurationVar(&since, "since", 0, "only attempts newer than this")
	cmd.Flags().BoolVar(&summary, "summary", false, "print totals instead of rows")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete attempts older than storage.retention_days")
	cmd.Flags().BoolVar(&verify, "verify", false, "recompute and check stored fingerprints")
	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func newMetricsCmd(opts *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Rebuild gate metrics from the attempt store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			st := a.gate.Store()
			if st == nil {
				return fmt.Errorf("storage is disabled (storage.type = %q)", a.cfg.Storage.Type)
			}
			records, err := st.ListAttempts(store.Filter{})
			if err != nil {
				return err
			}

			m := metrics.NewGateMetrics(metrics.NewRegistry("slidegate", ""))
			for i := range records {
				m.RecordVerdict(records[i].Verdict())
			}
			if format == "" {
				format = a.cfg.Metrics.Format
			}
			return m.Registry().Write(cmd.OutOrStdout(), format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "prometheus|json (default: metrics.format)")
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Show, create or validate the configuration"}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(resolveConfigPath(opts))
			if err != nil {
				return err
			}
			data, err := cfg.Encode()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file if none exists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.configPath
			if path == "" {
				path = config.ConfigPath()
			}
			_, created, err := config.LoadOrCreate(path)
			if err != nil {
				return err
			}
			if created {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
			} else {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", path)
			}
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := resolveConfigPath(opts)
			if _, err := config.NewLoader(path).Load(); err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, v := range verrs {
						_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s\n", v.Field, v.Message)
					}
				}
				return fmt.Errorf("%s: %w", path, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return nil
		},
	})
	return cfgCmd
}
