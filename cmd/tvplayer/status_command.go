package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/adgenius/carousel-tv/internal/handler"
	"github.com/adgenius/carousel-tv/internal/pairing"
	"github.com/adgenius/carousel-tv/internal/playback"
)

const statusRequestTimeout = 3 * time.Second

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show what the running player is doing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			status, err := fetchStatus(cmd.Context(), cfg.StatusAddr)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(status))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status as JSON")
	return cmd
}

func fetchStatus(ctx context.Context, addr string) (*handler.PlayerStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, statusRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("player is not reachable on %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("player status: %s: %s", resp.Status, body)
	}

	var status handler.PlayerStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode player status: %w", err)
	}
	return &status, nil
}

func renderStatus(status *handler.PlayerStatus) string {
	switch {
	case status.Playback != nil:
		return renderFields(playbackFields(status.Playback))
	case status.Pairing != nil:
		return renderFields(pairingFields(status.Pairing))
	default:
		return "Player is starting"
	}
}

func pairingFields(state *pairing.AcceptorState) [][2]string {
	fields := [][2]string{
		{"Stage", "pairing"},
		{"Claim", state.Claim},
		{"Device", state.DeviceID},
		{"Location", state.LocationID},
	}
	if p := state.Pairing; p != nil {
		fields = append(fields,
			[2]string{"Phase", string(p.Phase)},
			[2]string{"Code", p.Code},
			[2]string{"Link", p.LinkURL},
			[2]string{"Error", p.Error},
		)
		if p.CountdownSeconds != nil {
			fields = append(fields, [2]string{"Expires in", (time.Duration(*p.CountdownSeconds) * time.Second).String()})
		}
	}
	return fields
}

func playbackFields(status *playback.Status) [][2]string {
	connectivity := "online"
	if status.Offline {
		connectivity = "offline"
	}
	source := ""
	if status.FromCache {
		source = "local cache"
	}
	position := ""
	if status.CurrentIndex != nil && status.ItemCount != nil {
		position = strconv.Itoa(*status.CurrentIndex+1) + " of " + strconv.Itoa(*status.ItemCount)
	}
	return [][2]string{
		{"Stage", "playback"},
		{"Phase", string(status.Phase)},
		{"Connectivity", connectivity},
		{"Device", status.DeviceID},
		{"Location", status.LocationID},
		{"Carousel", status.CarouselID},
		{"Item", position},
		{"Source", source},
		{"Error", status.Error},
	}
}
