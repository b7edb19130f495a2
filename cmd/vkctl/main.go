package main

import (
	"fmt"
	"os"

	"github.com/pcoutinho/vkd/internal/config"
	"github.com/pcoutinho/vkd/internal/session"
	"github.com/spf13/cobra"
)

var addrFlag string

func main() {
	root := &cobra.Command{
		Use:   "vkctl",
		Short: "Control a running vkd daemon",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if addrFlag == "" {
				addrFlag = defaultAddr()
			}
		},
	}
	root.PersistentFlags().StringVar(&addrFlag, "addr", "", "daemon control address (defaults to config http.listen)")

	root.AddCommand(
		statusCmd(),
		entriesCmd(),
		chatsCmd(),
		historyCmd(),
		sendCmd(),
		uploadCmd(),
		syncCmd(),
		authCmd(),
		resumeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func defaultAddr() string {
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return config.Default().HTTP.Listen
	}
	return cfg.HTTP.Listen
}
