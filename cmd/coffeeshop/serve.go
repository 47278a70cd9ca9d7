package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oriys/coffeeshop"
	"github.com/oriys/coffeeshop/config"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Open the shop and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			config.ApplyEnv(cfg)
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if baristas > 0 {
				cfg.Baristas = baristas
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shop, err := coffeeshop.New[greeterQuery, person, greeting](ctx, cfg, &greeter{})
			if err != nil {
				return err
			}
			return shop.Run(ctx)
		},
	}
}
