package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/quantlens/quantlens/internal/config"
	"github.com/quantlens/quantlens/internal/logger"
)

var (
	cfgFile     string
	logLevel    string
	logFormat   string
	metricsAddr string
	activeCfg   config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:   "quantlens",
		Short: "Numerical comparison between float and quantized computation graphs",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger.Setup(logLevel, logFormat)
			loaded, err := config.Load(config.LoadOptions{
				Flags:      cmd.Flags(),
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			activeCfg = loaded
			if metricsAddr != "" {
				go serveMetrics(metricsAddr)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (TRACE|DEBUG|INFO|WARN|ERROR)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console|json)")
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address while running")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newWeightsCmd())
	cmd.AddCommand(newCompareCmd())
	cmd.AddCommand(newShadowCmd())
	cmd.AddCommand(newSweepCmd())

	return cmd
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Log.Error("metrics server stopped", "error", err.Error())
	}
}
