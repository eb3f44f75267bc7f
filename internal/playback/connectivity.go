package playback

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor derives online/offline from a periodic probe of the document
// store. report receives the outcome of every probe, not only transitions,
// so consumers can also repair state that went stale while online.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	report   func(online bool)
	done     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	online bool
	known  bool
}

func NewMonitor(pinger Pinger, interval, timeout time.Duration, report func(online bool)) *Monitor {
	return &Monitor{
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		report:   report,
		done:     make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	go m.run()
	log.Info().Dur("interval", m.interval).Msg("connectivity monitor started")
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		log.Info().Msg("connectivity monitor stopped")
	})
}

// Online returns the outcome of the last probe. It is false before the
// first probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Probe()
		}
	}
}

// Probe pings the store once, records the result and reports it.
func (m *Monitor) Probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	err := m.pinger.Ping(ctx)
	online := err == nil

	m.mu.Lock()
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	m.mu.Unlock()

	if changed {
		if online {
			log.Info().Msg("document store reachable, device online")
		} else {
			log.Warn().Err(err).Msg("document store unreachable, device offline")
		}
	}

	if m.report != nil {
		m.report(online)
	}
	return online
}
