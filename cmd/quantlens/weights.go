package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/quantlens/quantlens/internal/metrics"
	"github.com/quantlens/quantlens/internal/results"
)

func newWeightsCmd() *cobra.Command {
	var arrowOut string
	cmd := &cobra.Command{
		Use:   "weights <model.json>",
		Short: "Compare weights between the float and quantized variants, no execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			start := time.Now()
			defer func() { metrics.RecordPassDuration("weights", time.Since(start)) }()

			g, input, err := loadModelFile(args[0])
			if err != nil {
				return err
			}
			qg, err := quantizedVariant(g, input)
			if err != nil {
				return err
			}

			r, err := results.ExtractWeights(
				activeCfg.ModelNameA, g, activeCfg.ModelNameB, qg,
				activeCfg.RefModelName, matchOptions())
			if err != nil {
				return err
			}
			return finishComparison(r, arrowOut)
		},
	}
	cmd.Flags().StringVar(&arrowOut, "arrow-out", "", "Write weight tensors to an Arrow IPC file")
	return cmd
}
