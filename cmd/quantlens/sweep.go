package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/metrics"
	"github.com/quantlens/quantlens/internal/quantize"
	"github.com/quantlens/quantlens/internal/sweep"
	"github.com/quantlens/quantlens/internal/tensor"
)

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep <model.json>",
		Short: "Measure every quantization candidate per subgraph in one pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			start := time.Now()
			defer func() { metrics.RecordPassDuration("sweep", time.Since(start)) }()

			g, input, err := loadModelFile(args[0])
			if err != nil {
				return err
			}
			candidates := []quantize.ConfigMapping{
				{Global: quantize.Int8Affine()},
				{Global: quantize.Int8Symmetric()},
			}

			m, err := sweep.PrepareNShadowsModel(g, []graph.Value{input}, candidates, sweep.Options{})
			if err != nil {
				return err
			}
			// calibration pass, probes still off
			if _, err := m.Run(input); err != nil {
				return fmt.Errorf("calibration run: %w", err)
			}
			if err := sweep.ConvertNShadowsModel(m); err != nil {
				return err
			}
			if _, err := m.Run(input); err != nil {
				return fmt.Errorf("measurement run: %w", err)
			}

			r, err := sweep.ExtractResultsNShadowsModel(m)
			if err != nil {
				return err
			}
			grouped, err := sweep.GroupResultsBySubgraph(r)
			if err != nil {
				return err
			}
			metric, err := tensor.MetricByName(activeCfg.Metric)
			if err != nil {
				return err
			}
			cmp, err := sweep.CreateResultsComparison(grouped, metric)
			if err != nil {
				return err
			}
			sweep.PrintNShadowsSummary(os.Stdout, cmp, activeCfg.Metric)
			return nil
		},
	}
	return cmd
}
