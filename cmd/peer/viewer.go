package main

import (
	"fmt"

	"peercam/internal/core/domain"
	"peercam/pkg/utils"
	"peercam/pkg/validation"

	"github.com/spf13/cobra"
)

func newViewerCommand(opts *rootOptions) *cobra.Command {
	var (
		connect string
		auto    bool
	)

	cmd := &cobra.Command{
		Use:   "viewer",
		Short: "Watch a camera peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(domain.RoleViewer)
			if err != nil {
				return err
			}
			if connect = utils.SanitizeString(connect); connect != "" {
				if err := validation.ValidatePeerID(connect); err != nil {
					return fmt.Errorf("--connect: %w", err)
				}
				cfg.Discovery.Target = connect
				cfg.Discovery.AutoConnect = true
			}
			if auto {
				cfg.Discovery.AutoConnect = true
			}
			return runNode(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&connect, "connect", "", "camera peer id to connect to")
	cmd.Flags().BoolVar(&auto, "auto", false, "connect to the first camera that comes online")
	return cmd
}
