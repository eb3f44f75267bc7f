package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/adgenius/carousel-tv/internal/clock"
	"github.com/adgenius/carousel-tv/internal/config"
	"github.com/adgenius/carousel-tv/internal/database"
	"github.com/adgenius/carousel-tv/internal/docstore"
	"github.com/adgenius/carousel-tv/internal/handler"
	"github.com/adgenius/carousel-tv/internal/localstore"
	"github.com/adgenius/carousel-tv/internal/middleware"
	"github.com/adgenius/carousel-tv/internal/pairing"
	"github.com/adgenius/carousel-tv/internal/playback"
	redisclient "github.com/adgenius/carousel-tv/internal/redis"
	"github.com/adgenius/carousel-tv/internal/render"
	"github.com/adgenius/carousel-tv/internal/service"
	"github.com/adgenius/carousel-tv/internal/sse"
)

const (
	pairingRestartDelay = 3 * time.Second
	publishTimeout      = 2 * time.Second
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var demo bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Pair this TV if needed, then play its carousel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(demo); err != nil {
				return err
			}

			lock, err := ctx.lock(cfg)
			if err != nil {
				return err
			}
			defer lock.Unlock()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runPlayer(runCtx, cfg, demo, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&demo, "demo", false, "Use an in-memory store with a sample carousel and link the TV automatically")
	return cmd
}

// backend is the shared document store as seen from the TV, plus the broker
// used to report status to the dashboard.
type backend struct {
	store  docstore.Store
	broker *sse.Broker
	close  func()
}

func openBackend(ctx context.Context, cfg *config.PlayerConfig, demo bool) (*backend, error) {
	if demo {
		mem := docstore.NewMemory(clock.New())
		if err := seedDemo(ctx, mem); err != nil {
			mem.Close()
			return nil, err
		}
		return &backend{store: mem, close: mem.Close}, nil
	}

	// Nothing here dials out. The connectivity monitor decides whether the
	// TV starts online, and an unreachable backend means cached playback.
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	redisClient, err := redisclient.New(cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open redis: %w", err)
	}

	store := docstore.NewSQL(db.DB, redisClient)
	broker := sse.NewBroker(redisClient)
	return &backend{
		store:  store,
		broker: broker,
		close: func() {
			broker.Close()
			store.Close()
			redisClient.Close()
			db.Close()
		},
	}, nil
}

// publish reports an event to dashboard watchers of topic. Failures only
// cost the dashboard an update.
func (b *backend) publish(topic, eventType string, data any) {
	if b.broker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.broker.PublishJSON(ctx, topic, eventType, data); err != nil {
		log.Debug().Err(err).Str("topic", topic).Msg("failed to publish player event")
	}
}

func newRenderer(cfg *config.PlayerConfig) (render.Renderer, error) {
	if cfg.Renderer == config.RendererHeadless {
		return render.NewHeadless(), nil
	}
	return render.NewExec(cfg.PlayerCommand)
}

func runPlayer(ctx context.Context, cfg *config.PlayerConfig, demo bool, out io.Writer) error {
	local, err := localstore.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer local.Close()

	be, err := openBackend(ctx, cfg, demo)
	if err != nil {
		return err
	}
	defer be.close()

	renderer, err := newRenderer(cfg)
	if err != nil {
		return err
	}
	defer renderer.Close()

	clk := clock.New()

	var autoLink *demoLinker
	if demo {
		autoLink = newDemoLinker(be.store, clk, cfg.PairingTTL())
		defer autoLink.Stop()
	}

	screen := &pairingScreen{out: out}
	acceptor := pairing.NewAcceptor(be.store, local, pairing.AcceptorOptions{
		Session: pairing.Options{
			TTL:         cfg.PairingTTL(),
			MaxAttempts: cfg.PairingMaxAttempts,
			Clock:       clk,
			LinkBaseURL: cfg.LinkBaseURL,
		},
		RestartDelay: pairingRestartDelay,
		OnChange: func(state pairing.AcceptorState) {
			log.Info().
				Str("claim", state.Claim).
				Str("deviceId", state.DeviceID).
				Msg("pairing state changed")
			if state.Pairing == nil {
				return
			}
			screen.show(*state.Pairing)
			if state.Pairing.Code != "" {
				be.publish(redisclient.SetupTopic(state.Pairing.Code), service.SetupStateEvent, state.Pairing)
			}
			if autoLink != nil {
				autoLink.offer(*state.Pairing)
			}
		},
	})

	p := newPlayer(acceptor)
	srv, err := serveLocal(cfg.StatusAddr, p)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("status server forced to shutdown")
		}
	}()

	identity, err := acceptor.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info().Msg("stopped before pairing finished")
			return nil
		}
		return err
	}

	client := playback.NewClient(be.store, local, renderer, playback.ClientOptions{
		Engine: playback.EngineOptions{
			Clock:           clk,
			DefaultDuration: cfg.DefaultItemDuration(),
			VideoGrace:      cfg.VideoGrace(),
			ErrorBackoff:    cfg.ErrorBackoff(),
		},
		Identities: local,
		OnStatus: func(status playback.Status) {
			log.Debug().
				Str("phase", string(status.Phase)).
				Bool("offline", status.Offline).
				Str("carouselId", status.CarouselID).
				Msg("playback status changed")
			if status.DeviceID != "" {
				be.publish(redisclient.DeviceTopic(status.DeviceID), handler.StatusEvent, status)
			}
		},
	})
	defer client.Stop()

	monitor := playback.NewMonitor(be.store, cfg.ProbeInterval(), config.ProbeTimeout, client.SetOnline)
	online := monitor.Probe()

	if err := client.Start(identity, online); err != nil {
		return err
	}
	p.attach(client)

	monitor.Start()
	defer monitor.Stop()

	log.Info().
		Str("deviceId", identity.DeviceID).
		Str("locationId", identity.LocationID).
		Bool("online", online).
		Msg("playback started")

	<-ctx.Done()
	log.Info().Msg("shutting down player")
	return nil
}

// serveLocal starts the loopback control surface. It fails fast when the
// address is taken.
func serveLocal(addr string, p handler.Player) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Mount("/", handler.NewPlayerHandler(p).Routes())

	srv := &http.Server{
		Handler:     r,
		ReadTimeout: config.ServerReadTimeout,
		IdleTimeout: config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("status server error")
		}
	}()

	return srv, nil
}

// pairingScreen prints the code and a scannable QR once per code.
type pairingScreen struct {
	out io.Writer

	mu       sync.Mutex
	lastCode string
}

func (s *pairingScreen) show(state pairing.State) {
	if state.Phase != pairing.PhaseCodeReady || state.Code == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state.Code == s.lastCode {
		return
	}
	s.lastCode = state.Code

	fmt.Fprintf(s.out, "\nLink this TV with code %s\n", state.Code)
	if state.LinkURL == "" {
		return
	}
	qr, err := qrcode.New(state.LinkURL, qrcode.Medium)
	if err != nil {
		log.Warn().Err(err).Msg("failed to render pairing qr code")
		return
	}
	fmt.Fprintf(s.out, "%s\n%s\n", qr.ToSmallString(false), state.LinkURL)
}
