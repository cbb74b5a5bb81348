package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aonescu/aegis/internal/diagnosis"
	"github.com/aonescu/aegis/internal/formatting"
	"github.com/aonescu/aegis/internal/oracle"
	"github.com/aonescu/aegis/internal/pipeline"
	"github.com/aonescu/aegis/internal/planner"
	"github.com/aonescu/aegis/internal/scenario"
	"github.com/aonescu/aegis/internal/store"
)

var (
	runTier   int
	runCycles int
	runJSON   bool
)

var runCmd = &cobra.Command{
	Use:   "run <scenario>",
	Short: "Run decision cycles against a scenario",
	Long: `Loads a scenario by id from the scenario directory (or by file path),
runs the requested number of decision cycles and prints a report per cycle.
Learned beliefs and rules are committed to the configured store.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		tier := a.cfg.Tier
		if cmd.Flags().Changed("tier") {
			tier = runTier
		}
		cycles := a.cfg.Cycles
		if cmd.Flags().Changed("cycles") {
			cycles = runCycles
		}

		var orc diagnosis.Oracle
		if a.cfg.Oracle.Enabled {
			o, err := oracle.NewOpenAI(a.cfg.Oracle, a.logger.Named("oracle"))
			if err != nil {
				return err
			}
			orc = o
		}

		rec := pipeline.NewRecorder(0)
		runner, err := pipeline.NewRunner(a.cfg.Engine, scenario.DirLoader{Dir: a.cfg.ScenarioDir}, a.book, orc, rec, a.logger)
		if err != nil {
			return err
		}

		res, err := runner.Run(ctx, pipeline.RunSpec{ScenarioID: args[0], Tier: planner.Tier(tier), Cycles: cycles})
		if err != nil {
			return err
		}

		if archive, ok := a.store.(store.EventLog); ok {
			if err := archive.AppendEvents(ctx, rec.Events(res.RunID, 0)); err != nil {
				a.logger.Warn("failed to archive stage events", zap.String("run_id", res.RunID), zap.Error(err))
			}
		}

		out := cmd.OutOrStdout()
		if runJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		fmt.Fprintf(out, "run %s scenario %s tier %d\n", res.RunID, res.Scenario, res.Tier)
		for _, report := range formatting.FormatResult(res) {
			fmt.Fprint(out, report)
		}
		summary := formatting.GenerateSummary(res)
		fmt.Fprintf(out, "\n%d cycles: %d applied, %d without a plan, %d wrong diagnoses, %d rules learned\n",
			summary["cycles"], summary["applied"], summary["no_plan"], summary["wrong"], summary["rules"])
		return nil
	},
}

func init() {
	runCmd.Flags().IntVar(&runTier, "tier", 1, "planning tier (1, 2 or 3)")
	runCmd.Flags().IntVar(&runCycles, "cycles", 1, "number of decision cycles")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full result as JSON")
}
