package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	listenAddr string
	baristas   int
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "coffeeshop",
		Short:   "Coffeeshop - distributed async request processing",
		Long:    "Runs one shop instance of the coffeeshop framework with the demo greeter handler.",
		Version: "0.1.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "", "HTTP listen address override")
	rootCmd.PersistentFlags().IntVar(&baristas, "baristas", 0, "Barista pool size override")

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
