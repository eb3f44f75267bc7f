package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/clock"
	"github.com/adgenius/carousel-tv/internal/docstore"
	"github.com/adgenius/carousel-tv/internal/model"
	"github.com/adgenius/carousel-tv/internal/util"
)

// ExpirySweeper marks pending pairing records older than the TTL as
// expired. Screens already treat such codes as expired on their own; the
// sweep makes the stored status agree.
type ExpirySweeper struct {
	store docstore.Store
	ttl   time.Duration
	clock clock.Clock
}

func NewExpirySweeper(store docstore.Store, ttl time.Duration, clk clock.Clock) *ExpirySweeper {
	if clk == nil {
		clk = clock.New()
	}
	return &ExpirySweeper{store: store, ttl: ttl, clock: clk}
}

func (s *ExpirySweeper) Sweep(ctx context.Context) (int64, error) {
	filter := docstore.Filter{Equals: map[string]string{"status": string(model.PairingStatusPending)}}
	docs, err := s.store.Query(ctx, docstore.CollectionSetup, filter)
	if err != nil {
		return 0, fmt.Errorf("query pending pairing records: %w", err)
	}

	now := s.clock.Now()
	var expired int64
	for _, doc := range docs {
		var record model.PairingRecord
		if err := doc.Decode(&record); err != nil {
			log.Warn().Err(err).Str("code", util.MaskCode(doc.ID)).Msg("skipping malformed pairing record")
			continue
		}
		if !record.IsExpired(now, s.ttl) {
			continue
		}

		// A claim that landed since the query keeps its linked status.
		ok, err := s.store.UpdateRecordIf(ctx, docstore.CollectionSetup, doc.ID, filter, docstore.Fields{
			"status": model.PairingStatusExpired,
		})
		if err != nil {
			return expired, fmt.Errorf("expire pairing record: %w", err)
		}
		if !ok {
			continue
		}
		expired++
	}

	return expired, nil
}
