package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/medimg/volumetry/internal/domain/reference"
	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/internal/platform/db"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseScope(batch, tag, period string) (volumetry.Scope, error) {
	var s volumetry.Scope
	if batch != "" {
		id, err := uuid.Parse(batch)
		if err != nil {
			return s, fmt.Errorf("invalid batch id %q: %w", batch, err)
		}
		s.BatchID = id
	}
	s.SourceTag = rules.SourceTag(strings.TrimSpace(tag))
	if period != "" {
		p, err := volumetry.ParsePeriod(period)
		if err != nil {
			return s, err
		}
		s.Period = p
	}
	return s, nil
}

func migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL schema migrations",
	}
	withMigrator := func(fn func(ctx context.Context, m *db.Migrator) error) error {
		return withApp(func(ctx context.Context, a *app) error {
			if a.pool == nil {
				a.logger.Info().Msg("embedded store migrates on open, nothing to do")
				return nil
			}
			return fn(ctx, db.NewMigrator(a.pool, dir))
		})
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				applied, err := m.Up(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("applied %d migration(s)\n", applied)
				return nil
			})
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				infos, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, info := range infos {
					state := "pending"
					if info.Applied {
						state = "applied"
					}
					fmt.Printf("%03d  %-40s  %s\n", info.Version, info.Name, state)
				}
				return nil
			})
		},
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "./migrations", "migrations directory")
	cmd.AddCommand(up, status)
	return cmd
}

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "batch", Short: "Manage ingestion batches"}
	stage := &cobra.Command{
		Use:   "stage <file.json>",
		Short: "Stage a batch of records from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var req volumetry.StageRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			return withApp(func(ctx context.Context, a *app) error {
				b, err := a.volumetry.StageBatch(ctx, &req)
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.AddCommand(stage)
	return cmd
}

func pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pipeline", Short: "Run the rule pipeline"}
	var batch string
	run := &cobra.Command{
		Use:   "run",
		Short: "Run every applicable rule over a staged batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(batch)
			if err != nil {
				return fmt.Errorf("invalid batch id %q: %w", batch, err)
			}
			return withApp(func(ctx context.Context, a *app) error {
				r, err := a.executor.Run(ctx, id)
				if r != nil {
					if perr := printJSON(r); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	run.Flags().StringVar(&batch, "batch", "", "batch id")
	_ = run.MarkFlagRequired("batch")
	cmd.AddCommand(run)
	return cmd
}

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "monitor", Short: "Verify rule effectiveness"}
	var ruleIDs []string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Report pending records per rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				reports, err := a.monitor.Verify(ctx, ruleIDs)
				if err != nil {
					return err
				}
				return printJSON(reports)
			})
		},
	}
	verify.Flags().StringSliceVar(&ruleIDs, "rule", nil, "rule ids to verify (default: all active)")
	cmd.AddCommand(verify)
	return cmd
}

func remediateCmd() *cobra.Command {
	var ruleIDs []string
	var batch, tag, period string
	cmd := &cobra.Command{
		Use:   "remediate",
		Short: "Re-apply period-window exclusion rules to stored data",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(batch, tag, period)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				res, err := a.remediation.Remediate(ctx, ruleIDs, scope)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringSliceVar(&ruleIDs, "rule", nil, "rule ids to remediate")
	cmd.Flags().StringVar(&batch, "batch", "", "restrict to a batch id")
	cmd.Flags().StringVar(&tag, "source-tag", "", "restrict to a source tag")
	cmd.Flags().StringVar(&period, "period", "", "restrict to a period (YYYY-MM)")
	_ = cmd.MarkFlagRequired("rule")
	return cmd
}

func exclusionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "exclusions", Short: "Inspect the exclusion log"}
	var batch, period, ruleID, out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Export exclusion log entries as Parquet",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(batch, "", period)
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			return withApp(func(ctx context.Context, a *app) error {
				n, err := volumetry.ExportExclusions(ctx, a.store, volumetry.ExclusionFilter{
					BatchID: scope.BatchID, Period: scope.Period, RuleID: ruleID,
				}, f)
				if err != nil {
					return err
				}
				a.logger.Info().Int("rows", n).Str("file", out).Msg("exclusions exported")
				return nil
			})
		},
	}
	export.Flags().StringVar(&batch, "batch", "", "filter by batch id")
	export.Flags().StringVar(&period, "period", "", "filter by period (YYYY-MM)")
	export.Flags().StringVar(&ruleID, "rule", "", "filter by rule id")
	export.Flags().StringVar(&out, "out", "exclusions.parquet", "output file")
	cmd.AddCommand(export)
	return cmd
}

func periodCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "period", Short: "Manage period status"}
	var by string

	withPeriod := func(fn func(ctx context.Context, a *app, p volumetry.Period) (*volumetry.PeriodStatus, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			p, err := volumetry.ParsePeriod(args[0])
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				st, err := fn(ctx, a, p)
				if err != nil {
					return err
				}
				return printJSON(st)
			})
		}
	}

	closeCmd := &cobra.Command{
		Use:   "close <YYYY-MM>",
		Short: "Close a period to further pipeline writes",
		Args:  cobra.ExactArgs(1),
		RunE: withPeriod(func(ctx context.Context, a *app, p volumetry.Period) (*volumetry.PeriodStatus, error) {
			return a.volumetry.ClosePeriod(ctx, p, by)
		}),
	}
	closeCmd.Flags().StringVar(&by, "by", os.Getenv("USER"), "operator closing the period")

	openCmd := &cobra.Command{
		Use:   "open <YYYY-MM>",
		Short: "Reopen a closed period",
		Args:  cobra.ExactArgs(1),
		RunE: withPeriod(func(ctx context.Context, a *app, p volumetry.Period) (*volumetry.PeriodStatus, error) {
			return a.volumetry.OpenPeriod(ctx, p)
		}),
	}
	showCmd := &cobra.Command{
		Use:   "show <YYYY-MM>",
		Short: "Show period status",
		Args:  cobra.ExactArgs(1),
		RunE: withPeriod(func(ctx context.Context, a *app, p volumetry.Period) (*volumetry.PeriodStatus, error) {
			return a.volumetry.GetPeriod(ctx, p)
		}),
	}
	cmd.AddCommand(closeCmd, openCmd, showCmd)
	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rules", Short: "Inspect the rule catalog"}
	var module, tag string
	list := &cobra.Command{
		Use:   "list",
		Short: "List rules in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var reg *rules.Registry
			if cfg.RuleCatalog != "" {
				reg, err = rules.LoadFile(cfg.RuleCatalog)
			} else {
				reg, err = rules.Default()
			}
			if err != nil {
				return err
			}
			return printJSON(reg.ListRules(module, rules.SourceTag(tag)))
		},
	}
	list.Flags().StringVar(&module, "module", "", "filter by module (exclusion, normalization)")
	list.Flags().StringVar(&tag, "source-tag", "", "filter by applicable source tag")
	cmd.AddCommand(list)
	return cmd
}

func referenceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reference", Short: "Manage reference tables"}
	load := &cobra.Command{
		Use:   "load <dataset.yaml>",
		Short: "Replace every reference table with a YAML dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := reference.LoadDatasetFile(args[0])
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.refs.Replace(ctx, ds); err != nil {
					return err
				}
				a.logger.Info().
					Int("values", len(ds.Values)).
					Int("clients", len(ds.Clients)).
					Int("doctors", len(ds.Doctors)).
					Int("dynamic_rules", len(ds.DynamicRules)).
					Msg("reference tables replaced")
				return nil
			})
		},
	}
	cmd.AddCommand(load)
	return cmd
}
