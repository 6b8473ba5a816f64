package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antoniostano/lilith/internal/config"
)

func newCompactCmd(opts *rootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Rewrite a user's memory summary from their recent turns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			ctx := cmd.Context()
			res, err := opts.build(ctx, func(cfg *config.Config) {
				cfg.LogFormat = "console"
			})
			if err != nil {
				return err
			}
			defer res.Cleanup(ctx)

			summary, err := res.Pipeline.CompactMemory(ctx, userID)
			if err != nil {
				return fmt.Errorf("compact %s: %w", userID, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), summary.Text)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id to compact")
	return cmd
}
