package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adgenius/carousel-tv/internal/localstore"
)

func newResetCommand(ctx *commandContext) *cobra.Command {
	var keepCache bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget the pairing so the TV shows a new code on its next start",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			lock, err := ctx.lock(cfg)
			if err != nil {
				return fmt.Errorf("stop the player before resetting: %w", err)
			}
			defer lock.Unlock()

			local, err := localstore.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer local.Close()

			if keepCache {
				err = local.ClearIdentity(cmd.Context())
			} else {
				err = local.Reset(cmd.Context())
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Pairing cleared")
			return nil
		},
	}

	cmd.Flags().BoolVar(&keepCache, "keep-cache", false, "Keep the cached carousel")
	return cmd
}
