package main

import (
	"os"

	"github.com/Wyydra/parley/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "parley-peer",
	Short: "Command line peer for a parley relay",
	Long: `parley-peer joins a room on a parley relay and negotiates a WebRTC
session with every other member, receiving their audio and video.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := config.NewLogger(os.Stderr, flagLogLevel, flagLogFormat)
		if err != nil {
			return err
		}
		log.Logger = l
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagServer, "server", "http://localhost:8080", "relay base url")
	pf.StringVar(&flagLogLevel, "log-level", "info", "trace, debug, info, warn or error")
	pf.StringVar(&flagLogFormat, "log-format", "console", "console or json")

	rootCmd.AddCommand(joinCmd, roomsCmd, codeCmd)
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
