package render

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/model"
)

// DefaultPlayerArgs keep mpv fullscreen and hold images until the next item.
var DefaultPlayerArgs = []string{"--fs", "--really-quiet", "--no-terminal", "--image-display-duration=inf"}

// Exec renders each item with an external player process, started with the
// item URL as its last argument. A clean exit is reported as ended, any other
// exit as failed. The process of the previous item is killed on the next Show
// and its exit is not reported.
type Exec struct {
	command string
	args    []string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewExec parses command as a program followed by arguments. When command is
// just a program name, DefaultPlayerArgs are used.
func NewExec(command string) (*Exec, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("player command is empty")
	}
	args := fields[1:]
	if len(args) == 0 {
		args = DefaultPlayerArgs
	}
	return &Exec{command: fields[0], args: args}, nil
}

func (e *Exec) Show(ctx context.Context, item model.MediaItem, report Report) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		report(CueFailed, errors.New("renderer closed"))
		return
	}
	e.stopLocked()

	procCtx, cancel := context.WithCancel(ctx)
	args := append(append([]string{}, e.args...), item.URL)
	cmd := exec.CommandContext(procCtx, e.command, args...)

	if err := cmd.Start(); err != nil {
		cancel()
		e.mu.Unlock()
		report(CueFailed, fmt.Errorf("start %s: %w", e.command, err))
		return
	}

	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	log.Debug().
		Str("itemId", item.ID).
		Int("pid", cmd.Process.Pid).
		Msg("player process started")
	report(CueReady, nil)

	go func() {
		err := cmd.Wait()
		stopped := procCtx.Err() != nil
		cancel()
		// report may start the next item, which waits on done.
		close(done)
		if stopped {
			return
		}
		if err != nil {
			report(CueFailed, fmt.Errorf("player exited: %w", err))
			return
		}
		report(CueEnded, nil)
	}()
}

func (e *Exec) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Exec) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.stopLocked()
	return nil
}

// stopLocked kills the running player and waits for it to be reaped.
func (e *Exec) stopLocked() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
	e.done = nil
}
