package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	apperrors "github.com/adgenius/carousel-tv/internal/errors"
	"github.com/adgenius/carousel-tv/internal/localstore"
	"github.com/adgenius/carousel-tv/internal/model"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cache",
		Short: "Show the stored identity and the cached carousel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			local, err := localstore.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer local.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Store: %s\n", local.Path())

			identity, err := local.LoadIdentity(cmd.Context())
			switch {
			case apperrors.HasCode(err, apperrors.ErrCodeIncompleteIdentity):
				fmt.Fprintln(out, "Identity: claimed, waiting for a location")
			case err != nil:
				return err
			case identity == nil:
				fmt.Fprintln(out, "Identity: not paired")
			default:
				fmt.Fprintf(out, "Identity: device %s at location %s\n", identity.DeviceID, identity.LocationID)
			}

			snapshot, err := local.LoadSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			if snapshot == nil {
				fmt.Fprintln(out, "Cached carousel: none")
				return nil
			}
			fmt.Fprintf(out, "Cached carousel: %s (%s) for location %s\n", snapshot.Carousel.Name, snapshot.Carousel.ID, snapshot.LocationID)
			fmt.Fprintln(out, renderItems(snapshot.Carousel.PlaybackItems()))
			return nil
		},
	}
}

func renderItems(items []model.MediaItem) string {
	rows := make([][]string, 0, len(items))
	for i, item := range items {
		duration := "-"
		if item.Duration > 0 {
			duration = strconv.Itoa(item.Duration) + "s"
		}
		rows = append(rows, []string{strconv.Itoa(i + 1), item.Name, string(item.Type), duration, item.URL})
	}
	return renderTable(
		[]string{"#", "Name", "Type", "Duration", "URL"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
	)
}
