package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/database"
	redisclient "github.com/adgenius/carousel-tv/internal/redis"
)

const refetchTimeout = 10 * time.Second

// SQL stores documents as JSONB rows in Postgres and announces every write
// on a redis channel per collection. Subscriptions re-read their result set
// whenever the channel fires.
type SQL struct {
	db    database.DBTX
	redis *redisclient.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type documentRow struct {
	ID        string    `db:"id"`
	Data      []byte    `db:"data"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r documentRow) toDocument() Document {
	return Document{ID: r.ID, Data: json.RawMessage(r.Data), UpdatedAt: r.UpdatedAt}
}

var _ Store = (*SQL)(nil)

func NewSQL(db database.DBTX, redisClient *redisclient.Client) *SQL {
	ctx, cancel := context.WithCancel(context.Background())
	return &SQL{
		db:     db,
		redis:  redisClient,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close cancels every running subscription and waits for them to exit.
func (s *SQL) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *SQL) CreateRecord(ctx context.Context, collection, id string, fields any) error {
	data, err := encodeFields(fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}

	query := `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
	`
	if _, err := s.db.ExecContext(ctx, query, collection, id, string(data)); err != nil {
		if database.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}

	s.notify(ctx, collection, id)
	return nil
}

func (s *SQL) GetRecord(ctx context.Context, collection, id string) (*Document, error) {
	var row documentRow
	query := `SELECT id, data, updated_at FROM documents WHERE collection = $1 AND id = $2`
	if err := s.db.GetContext(ctx, &row, query, collection, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	doc := row.toDocument()
	return &doc, nil
}

func (s *SQL) UpdateRecord(ctx context.Context, collection, id string, fields Fields) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}

	query := `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE
		SET data = documents.data || EXCLUDED.data, updated_at = now()
	`
	if _, err := s.db.ExecContext(ctx, query, collection, id, string(patch)); err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}

	s.notify(ctx, collection, id)
	return nil
}

func (s *SQL) UpdateRecordIf(ctx context.Context, collection, id string, expect Filter, fields Fields) (bool, error) {
	patch, err := json.Marshal(fields)
	if err != nil {
		return false, fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}

	query, args := buildConditionalUpdate(collection, id, string(patch), expect)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if affected == 0 {
		return false, nil
	}

	s.notify(ctx, collection, id)
	return true, nil
}

func (s *SQL) Query(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	query, args := buildQuery(collection, filter)

	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}

	docs := make([]Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.toDocument())
	}
	return docs, nil
}

func (s *SQL) Subscribe(collection string, filter Filter, fn func([]Document, error)) (Subscription, error) {
	sub := s.watch(collection, func(ctx context.Context, changedID string, initial bool) func() {
		docs, err := s.Query(ctx, collection, filter)
		if err != nil {
			return func() { fn(nil, err) }
		}
		return func() { fn(docs, nil) }
	}, func(err error) { fn(nil, err) })
	return sub, nil
}

func (s *SQL) SubscribeDoc(collection, id string, fn func(*Document, error)) (Subscription, error) {
	sub := s.watch(collection, func(ctx context.Context, changedID string, initial bool) func() {
		if !initial && changedID != id {
			return nil
		}
		doc, err := s.GetRecord(ctx, collection, id)
		if err != nil {
			return func() { fn(nil, err) }
		}
		return func() { fn(doc, nil) }
	}, func(err error) { fn(nil, err) })
	return sub, nil
}

func (s *SQL) Ping(ctx context.Context) error {
	var one int
	if err := s.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("ping document store: %w", err)
	}
	return nil
}

func (s *SQL) notify(ctx context.Context, collection, id string) {
	channel := redisclient.DocumentChannel(collection)
	if err := s.redis.Publish(ctx, channel, id).Err(); err != nil {
		log.Warn().
			Err(err).
			Str("collection", collection).
			Str("id", id).
			Msg("failed to publish document change")
	}
}

type sqlSub struct {
	cancel context.CancelFunc
	closed atomic.Bool
}

func (s *sqlSub) Unsubscribe() {
	s.closed.Store(true)
	s.cancel()
}

// refetchFunc reads the current state and returns the callback delivering
// it, or nil when the change is of no interest.
type refetchFunc func(ctx context.Context, changedID string, initial bool) func()

// refresh runs one refetch. Nothing is delivered once the subscription is
// closed, including the error of a fetch that Unsubscribe cancelled.
func (s *sqlSub) refresh(ctx context.Context, changedID string, initial bool, refetch refetchFunc) {
	if s.closed.Load() {
		return
	}
	fetchCtx, cancel := context.WithTimeout(ctx, refetchTimeout)
	deliver := refetch(fetchCtx, changedID, initial)
	cancel()
	if deliver == nil || s.closed.Load() {
		return
	}
	deliver()
}

// watch runs refetch once the redis subscription is confirmed and then again
// for every change announced on the collection channel. All refetches of a
// subscription run on one goroutine, in the order changes were announced.
func (s *SQL) watch(
	collection string,
	refetch refetchFunc,
	fail func(err error),
) *sqlSub {
	ctx, cancel := context.WithCancel(s.ctx)
	sub := &sqlSub{cancel: cancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		channel := redisclient.DocumentChannel(collection)
		pubsub := s.redis.Subscribe(ctx, channel)
		defer pubsub.Close()

		if _, err := pubsub.Receive(ctx); err != nil {
			if ctx.Err() == nil && !sub.closed.Load() {
				log.Error().Err(err).Str("channel", channel).Msg("document subscription failed")
				fail(err)
			}
			return
		}

		log.Debug().Str("channel", channel).Msg("document subscription started")
		sub.refresh(ctx, "", true, refetch)

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					if ctx.Err() == nil && !sub.closed.Load() {
						fail(errors.New("document change channel closed"))
					}
					return
				}
				sub.refresh(ctx, msg.Payload, false, refetch)
			}
		}
	}()

	return sub
}

func buildQuery(collection string, filter Filter) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT id, data, updated_at FROM documents WHERE collection = $1")
	args := appendFilter(&b, []any{collection}, filter)

	b.WriteString(" ORDER BY id")
	return b.String(), args
}

// buildConditionalUpdate merges patch into one document in a single
// statement whose WHERE clause also carries expect.
func buildConditionalUpdate(collection, id, patch string, expect Filter) (string, []any) {
	var b strings.Builder
	b.WriteString("UPDATE documents SET data = data || $3::jsonb, updated_at = now()" +
		" WHERE collection = $1 AND id = $2")
	args := appendFilter(&b, []any{collection, id, patch}, expect)
	return b.String(), args
}

func appendFilter(b *strings.Builder, args []any, filter Filter) []any {
	for _, field := range sortedKeys(filter.Equals) {
		args = append(args, field, filter.Equals[field])
		fmt.Fprintf(b, " AND data->>($%d::text) = $%d::text", len(args)-1, len(args))
	}
	for _, field := range sortedKeys(filter.ArrayContains) {
		args = append(args, field, filter.ArrayContains[field])
		fmt.Fprintf(b, " AND data->($%d::text) @> jsonb_build_array($%d::text)", len(args)-1, len(args))
	}
	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
