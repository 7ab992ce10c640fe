package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantlens/quantlens/internal/instrument"
	"github.com/quantlens/quantlens/internal/metrics"
	"github.com/quantlens/quantlens/internal/results"
)

func newShadowCmd() *cobra.Command {
	var arrowOut string
	cmd := &cobra.Command{
		Use:   "shadow <model.json>",
		Short: "Run float shadow branches inside the quantized model to isolate per-op error",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			start := time.Now()
			defer func() { metrics.RecordPassDuration("shadow", time.Since(start)) }()

			g, input, err := loadModelFile(args[0])
			if err != nil {
				return err
			}
			qg, err := quantizedVariant(g, input)
			if err != nil {
				return err
			}

			m, err := instrument.AddShadowLoggers(
				activeCfg.ModelNameA, g, activeCfg.ModelNameB, qg,
				instrument.Options{Match: matchOptions()})
			if err != nil {
				return err
			}
			if _, err := m.Run(input); err != nil {
				return fmt.Errorf("run combined model: %w", err)
			}

			r, err := results.ExtractShadowLoggerInfo(m, activeCfg.RefModelName)
			if err != nil {
				return err
			}
			return finishComparison(r, arrowOut)
		},
	}
	cmd.Flags().StringVar(&arrowOut, "arrow-out", "", "Write raw captures to an Arrow IPC file")
	return cmd
}
