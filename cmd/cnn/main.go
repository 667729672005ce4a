// Command cnn runs the three-stage image network on an accelerator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haormj/cnn/logger"
)

var (
	configFile  string
	backendName string
	device      int
	logLevel    string
	logFormat   string
	weightsPath string

	log logger.Logger = logger.Discard()
	cfg Config
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cnn",
		Short:         "Run the convolution, relu and output network on an accelerator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			cfg = loaded
			applyConfig(cmd, cfg)
			log = logger.ForFormat(logFormat, os.Stderr, logger.ParseLevel(logLevel))
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default "+configPath()+")")
	flags.StringVar(&backendName, "backend", "auto", "device backend: auto, cpu, blackcl or goopencl")
	flags.IntVar(&device, "device", 0, "device ordinal")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.StringVar(&logFormat, "log-format", "console", "log format: console, text or json")
	flags.StringVar(&weightsPath, "weights", "", "weights JSON file")

	root.AddCommand(runCmd(), serveCmd(), devicesCmd(), versionCmd())
	return root
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
