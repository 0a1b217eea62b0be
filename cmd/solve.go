package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/autoattend/internal/captcha"
	"github.com/xkilldash9x/autoattend/internal/config"
	"github.com/xkilldash9x/autoattend/internal/observability"
)

var errNoGap = errors.New("no gap found")

func newSolveCmd() *cobra.Command {
	var threshold uint8

	solveCmd := &cobra.Command{
		Use:   "solve <image>",
		Short: "Print the gap index of a stored captcha background",
		Args:  cobra.ExactArgs(1),
		// Needs no portal configuration.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			observability.InitializeLogger(config.LoggerConfig{Level: "warn", Format: "console", ServiceName: "autoattend"})
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			solver := captcha.New(observability.GetLogger().Named("captcha"), captcha.WithThreshold(threshold))
			gap := solver.SolveFile(args[0])
			fmt.Fprintln(cmd.OutOrStdout(), gap)
			if gap == captcha.NotFound {
				return errNoGap
			}
			return nil
		},
	}

	solveCmd.Flags().Uint8Var(&threshold, "threshold", captcha.DefaultThreshold, "brightness at or above which a pixel counts as the gap")
	return solveCmd
}
