package cmd

import (
	"errors"
	"fmt"
	"github.com/TopThammanun/bot-discord/manee"
	"github.com/spf13/cobra"
)

var registerGuildIDs []string

var registerCmd = &cobra.Command{
	Use:   "register [flags]",
	Short: "Registers the /manee command without connecting to the gateway",
	Long: `Overwrites the /manee slash command in each guild given by --guild,
or globally when no guild is given. Requires discord.application_id.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.Discord.ApplicationID == "" {
			return errors.New("discord.application_id is required to register commands")
		}
		bot, err := manee.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		if err = bot.RegisterSlashCommands(registerGuildIDs); err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
		cmd.Println("registered /manee")
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	registerCmd.Flags().StringSliceVar(
		&registerGuildIDs,
		"guild",
		nil,
		"Guild ID to register the command in (repeatable). Defaults to discord.guild_id, or global.",
	)
	registerCmd.PreRun = func(_ *cobra.Command, _ []string) {
		if len(registerGuildIDs) == 0 && cfg.Discord.GuildID != "" {
			registerGuildIDs = []string{cfg.Discord.GuildID}
		}
	}
	rootCmd.AddCommand(registerCmd)
}
