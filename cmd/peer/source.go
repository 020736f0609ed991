package main

import (
	"peercam/internal/core/domain"

	"github.com/spf13/cobra"
)

func newSourceCommand(opts *rootOptions) *cobra.Command {
	var videoFile string

	cmd := &cobra.Command{
		Use:   "source",
		Short: "Publish a camera feed to whichever viewer connects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(domain.RoleSource)
			if err != nil {
				return err
			}
			if videoFile != "" {
				cfg.WebRTC.VideoFile = videoFile
			}
			// cameras wait to be called
			cfg.Discovery.AutoConnect = false
			cfg.Discovery.Target = ""
			return runNode(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&videoFile, "video", "", "IVF (VP8) file to loop instead of the synthetic feed")
	return cmd
}
