package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gmscreen/internal/model"
)

var onlineCmd = &cobra.Command{
	Use:     "online <session> <gm|front>",
	Short:   "Mark a role online for a session",
	GroupID: "presence",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		role, err := parseRoleArg(args[1])
		if err != nil {
			return err
		}
		entry, err := apiClient.RecordOnline(context.Background(), tenant, args[0], role)
		if err != nil {
			return fmt.Errorf("recording online: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), entry)
		}
		return printEntry(cmd.OutOrStdout(), entry)
	},
}

func parseRoleArg(s string) (model.Role, error) {
	switch strings.ToLower(s) {
	case string(model.RoleGM):
		return model.RoleGM, nil
	case string(model.RoleFront):
		return model.RoleFront, nil
	}
	return "", fmt.Errorf("invalid role %q (want gm or front)", s)
}
