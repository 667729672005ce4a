package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haormj/cnn/backend"
)

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the backends compiled into this binary and whether they open",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, name := range strings.Split(backend.Available(), ",") {
				drv, err := backend.New(name, device)
				if err != nil {
					fmt.Fprintf(out, "%-10s unavailable: %v\n", name, err)
					continue
				}
				ctx, err := drv.Open(device)
				if err != nil {
					fmt.Fprintf(out, "%-10s unavailable: %v\n", name, err)
					continue
				}
				fmt.Fprintf(out, "%-10s %s\n", name, ctx.Device())
				if err := ctx.Release(); err != nil {
					log.Warn("release probe context", "backend", name, "err", err)
				}
			}
			return nil
		},
	}
}
