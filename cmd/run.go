package cmd

import (
	"fmt"
	"github.com/TopThammanun/bot-discord/manee"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Manee bot, and the optional webhook and API servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			bot, err := manee.New(cfg)
			if err != nil {
				return fmt.Errorf("error creating bot: %w", err)
			}
			if err = bot.Run(cmd.Context()); err != nil {
				return fmt.Errorf("error running bot: %w", err)
			}
			return nil
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
