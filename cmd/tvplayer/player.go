package main

import (
	"context"
	"sync"

	apperrors "github.com/adgenius/carousel-tv/internal/errors"
	"github.com/adgenius/carousel-tv/internal/handler"
	"github.com/adgenius/carousel-tv/internal/pairing"
	"github.com/adgenius/carousel-tv/internal/playback"
)

// pairingStep is the part of the acceptor the local surface drives.
type pairingStep interface {
	State() pairing.AcceptorState
	SubmitLocation(ctx context.Context, locationID string) error
}

// playbackLoop is the part of the playback client the local surface drives.
type playbackLoop interface {
	Status() playback.Status
	Refresh()
}

// player tracks which stage the TV is in. It answers for the acceptor until
// playback is attached and for the playback client afterwards.
type player struct {
	mu       sync.Mutex
	pairing  pairingStep
	playback playbackLoop
}

var _ handler.Player = (*player)(nil)

func newPlayer(step pairingStep) *player {
	return &player{pairing: step}
}

func (p *player) attach(loop playbackLoop) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playback = loop
}

func (p *player) Status() handler.PlayerStatus {
	p.mu.Lock()
	step, loop := p.pairing, p.playback
	p.mu.Unlock()

	if loop != nil {
		status := loop.Status()
		return handler.PlayerStatus{Playback: &status}
	}
	if step == nil {
		return handler.PlayerStatus{}
	}
	state := step.State()
	return handler.PlayerStatus{Pairing: &state}
}

func (p *player) SubmitLocation(ctx context.Context, locationID string) error {
	p.mu.Lock()
	step, loop := p.pairing, p.playback
	p.mu.Unlock()

	if loop != nil || step == nil {
		return apperrors.ValidationError("device is not awaiting a location")
	}
	return step.SubmitLocation(ctx, locationID)
}

func (p *player) Refresh() error {
	p.mu.Lock()
	loop := p.playback
	p.mu.Unlock()

	if loop == nil {
		return apperrors.ValidationError("device is not playing yet")
	}
	loop.Refresh()
	return nil
}
