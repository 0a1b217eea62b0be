package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/autoattend/internal/portal"
)

func newPunchCmd(a *app) *cobra.Command {
	var action string

	punchCmd := &cobra.Command{
		Use:   "punch",
		Short: "Log in and submit one attendance record now",
		RunE: func(cmd *cobra.Command, args []string) error {
			act, err := parseAction(action)
			if err != nil {
				return err
			}

			components, err := a.factory.Create(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			if !components.Puncher.Punch(cmd.Context(), act) {
				return fmt.Errorf("attendance record (%s) was not accepted", act)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attendance recorded: %s\n", act)
			return nil
		},
	}

	punchCmd.Flags().StringVarP(&action, "action", "a", string(portal.ActionManual), "record label: in, out or manual")
	return punchCmd
}

func parseAction(s string) (portal.Action, error) {
	switch act := portal.Action(strings.ToLower(strings.TrimSpace(s))); act {
	case portal.ActionIn, portal.ActionOut, portal.ActionManual:
		return act, nil
	default:
		return "", fmt.Errorf("unknown action %q (want in, out or manual)", s)
	}
}
