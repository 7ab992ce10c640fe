package main

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/quantlens/quantlens/internal/instrument"
	"github.com/quantlens/quantlens/internal/logger"
	"github.com/quantlens/quantlens/internal/match"
	"github.com/quantlens/quantlens/internal/metrics"
	"github.com/quantlens/quantlens/internal/results"
	"github.com/quantlens/quantlens/internal/tensor"
)

func matchOptions() match.Options {
	opts := match.Options{}
	if len(activeCfg.ExtraUnmatchable) > 0 {
		opts.Unmatchable = append(match.DefaultUnmatchable(), activeCfg.ExtraUnmatchable...)
	}
	return opts
}

func newCompareCmd() *cobra.Command {
	var arrowOut string
	cmd := &cobra.Command{
		Use:   "compare <model.json>",
		Short: "Inject loggers into both variants, run them, and report per-node divergence",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			start := time.Now()
			defer func() { metrics.RecordPassDuration("compare", time.Since(start)) }()

			g, input, err := loadModelFile(args[0])
			if err != nil {
				return err
			}
			qg, err := quantizedVariant(g, input)
			if err != nil {
				return err
			}

			ma, mb, err := instrument.AddLoggers(
				activeCfg.ModelNameA, g, activeCfg.ModelNameB, qg,
				instrument.Options{Match: matchOptions(), LogInputs: activeCfg.LogInputs})
			if err != nil {
				return err
			}
			for _, m := range []*instrument.Model{ma, mb} {
				if _, err := m.Run(input); err != nil {
					return fmt.Errorf("run %s: %w", m.Name, err)
				}
			}

			r, err := results.ExtractLoggerInfo(ma, mb, activeCfg.RefModelName)
			if err != nil {
				return err
			}
			return finishComparison(r, arrowOut)
		},
	}
	cmd.Flags().StringVar(&arrowOut, "arrow-out", "", "Write raw captures to an Arrow IPC file")
	return cmd
}

// finishComparison attaches the configured metric and prints the
// per-group summary shared by compare, shadow, and weights.
func finishComparison(r results.Results, arrowOut string) error {
	metric, err := tensor.MetricByName(activeCfg.Metric)
	if err != nil {
		return err
	}
	if err := results.ExtendResultsWithComparison(
		r, activeCfg.ModelNameA, activeCfg.ModelNameB, metric, activeCfg.Metric); err != nil {
		return err
	}
	printResults(r)

	if arrowOut != "" {
		f, err := os.Create(arrowOut)
		if err != nil {
			return fmt.Errorf("create arrow file: %w", err)
		}
		defer f.Close()
		if err := results.WriteArrowIPC(f, r); err != nil {
			return err
		}
		logger.Log.Info("captures written", "path", arrowOut)
	}
	return nil
}

func printResults(r results.Results) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"node", "type", "slot", "fqn", activeCfg.Metric})
	table.SetAutoFormatHeaders(false)

	for _, name := range r.SortedNames() {
		for resultsType, byModel := range r[name] {
			for _, rec := range byModel[activeCfg.ModelNameB] {
				vals := rec.Comparisons[activeCfg.Metric]
				table.Append([]string{
					name,
					resultsType,
					fmt.Sprintf("(%d,%d)", rec.IndexOfArg, rec.IndexWithinArg),
					rec.FQN,
					formatMetricSeq(vals),
				})
			}
		}
	}
	table.Render()
}

func formatMetricSeq(vals []float64) string {
	if len(vals) == 0 {
		return "-"
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return fmt.Sprintf("%.3f", sum/float64(len(vals)))
}
