/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	cmds "github.com/microsoft/gdbrsp/internal/commands"
	"github.com/microsoft/gdbrsp/pkg/logger"
)

func NewRootCommand(log *logger.Logger) (*cobra.Command, error) {
	var envFile string

	rootCmd := &cobra.Command{
		SilenceErrors: true,
		Use:           "rspctl",
		Short:         "Serves and probes GDB remote serial protocol targets",
		Long: `Serves and probes GDB remote serial protocol targets.

	Every flag can also be set with an RSP_<FLAG> environment variable (for example RSP_ACK_TIMEOUT),
	or in a file passed with --env-file. Flags take precedence over the environment, which takes precedence over the file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envErr := cmds.ApplyEnvironment(cmd.Flags(), envFile); envErr != nil {
				return envErr
			}
			cmds.LogVersion(log.Logger, "Starting rspctl...")(cmd, args)
			return nil
		},
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	log.AddLevelFlag(rootCmd.PersistentFlags())
	cmds.AddEnvFileFlag(rootCmd.PersistentFlags(), &envFile)

	var err error
	var cmd *cobra.Command

	if cmd, err = cmds.NewVersionCommand(log.Logger); err != nil {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	} else {
		rootCmd.AddCommand(cmd)
	}

	rootCmd.AddCommand(NewServeCommand(log.Logger))
	rootCmd.AddCommand(NewProbeCommand(log.Logger))

	return rootCmd, nil
}
