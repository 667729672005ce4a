package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/haormj/cnn/api"
)

func serveCmd() *cobra.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the inference API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ServerAddress != "" && !isSet(cmd, "addr") {
				addr = cfg.ServerAddress
			}

			w, err := loadWeights(weightsPath)
			if err != nil {
				return err
			}
			s, drv, err := openSession(w)
			if err != nil {
				return err
			}
			defer func() {
				if err := s.Close(); err != nil {
					log.Warn("close session", "err", err)
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			api.NewServer(s, drv.Name(), log).Register(e)

			log.Info("starting server", "address", addr, "backend", drv.Name(), "device", s.Device())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().DurationVar(&readTimeout, "read-timeout", 30*time.Second, "read header timeout")
	return cmd
}
