package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adgenius/carousel-tv/internal/clock"
)

type recorder struct {
	mu     sync.Mutex
	docs   []*Document
	lists  [][]Document
	errors []error
}

func (r *recorder) onDoc(doc *Document, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errors = append(r.errors, err)
		return
	}
	r.docs = append(r.docs, doc)
}

func (r *recorder) onList(docs []Document, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errors = append(r.errors, err)
		return
	}
	r.lists = append(r.lists, docs)
}

func statusOf(t *testing.T, doc *Document) string {
	t.Helper()
	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, doc.Decode(&body))
	return body.Status
}

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	t.Cleanup(m.Close)
	return m
}

func TestMemoryRecords(t *testing.T) {
	ctx := context.Background()

	t.Run("create rejects duplicate ids", func(t *testing.T) {
		m := newTestMemory(t)
		require.NoError(t, m.CreateRecord(ctx, CollectionSetup, "ABCD-EFGH", Fields{"status": "pending"}))

		err := m.CreateRecord(ctx, CollectionSetup, "ABCD-EFGH", Fields{"status": "pending"})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("get returns nil for a missing document", func(t *testing.T) {
		m := newTestMemory(t)
		doc, err := m.GetRecord(ctx, CollectionSetup, "missing")
		require.NoError(t, err)
		assert.Nil(t, doc)
	})

	t.Run("update merges top-level fields and upserts", func(t *testing.T) {
		m := newTestMemory(t)
		require.NoError(t, m.CreateRecord(ctx, CollectionSetup, "A", Fields{"status": "pending", "createdAt": "t0"}))
		require.NoError(t, m.UpdateRecord(ctx, CollectionSetup, "A", Fields{"status": "linked", "deviceId": "tv-1"}))
		require.NoError(t, m.UpdateRecord(ctx, CollectionDevices, "tv-1", Fields{"locationId": "loc-1"}))

		doc, err := m.GetRecord(ctx, CollectionSetup, "A")
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(doc.Data, &body))
		assert.Equal(t, "linked", body["status"])
		assert.Equal(t, "tv-1", body["deviceId"])
		assert.Equal(t, "t0", body["createdAt"])

		device, err := m.GetRecord(ctx, CollectionDevices, "tv-1")
		require.NoError(t, err)
		require.NotNil(t, device)
	})

	t.Run("conditional update applies only while the filter matches", func(t *testing.T) {
		m := newTestMemory(t)
		pending := Filter{Equals: map[string]string{"status": "pending"}}
		require.NoError(t, m.CreateRecord(ctx, CollectionSetup, "A", Fields{"status": "pending"}))

		ok, err := m.UpdateRecordIf(ctx, CollectionSetup, "A", pending, Fields{"status": "linked", "deviceId": "tv-1"})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = m.UpdateRecordIf(ctx, CollectionSetup, "A", pending, Fields{"status": "linked", "deviceId": "tv-2"})
		require.NoError(t, err)
		assert.False(t, ok)

		doc, err := m.GetRecord(ctx, CollectionSetup, "A")
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(doc.Data, &body))
		assert.Equal(t, "tv-1", body["deviceId"])

		ok, err = m.UpdateRecordIf(ctx, CollectionSetup, "missing", pending, Fields{"status": "linked"})
		require.NoError(t, err)
		assert.False(t, ok)
		doc, err = m.GetRecord(ctx, CollectionSetup, "missing")
		require.NoError(t, err)
		assert.Nil(t, doc, "conditional update never inserts")
	})

	t.Run("query applies equality and array-contains filters in id order", func(t *testing.T) {
		m := newTestMemory(t)
		require.NoError(t, m.CreateRecord(ctx, CollectionCarousels, "c2", Fields{"status": "active", "locations": []string{"loc-1"}}))
		require.NoError(t, m.CreateRecord(ctx, CollectionCarousels, "c1", Fields{"status": "active", "locations": []string{"loc-1", "loc-2"}}))
		require.NoError(t, m.CreateRecord(ctx, CollectionCarousels, "c3", Fields{"status": "draft", "locations": []string{"loc-1"}}))
		require.NoError(t, m.CreateRecord(ctx, CollectionCarousels, "c4", Fields{"status": "active", "locations": []string{"loc-9"}}))

		docs, err := m.Query(ctx, CollectionCarousels, Filter{
			Equals:        map[string]string{"status": "active"},
			ArrayContains: map[string]string{"locations": "loc-1"},
		})
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "c1", docs[0].ID)
		assert.Equal(t, "c2", docs[1].ID)
	})

	t.Run("fault hook fails the chosen operation", func(t *testing.T) {
		m := newTestMemory(t)
		boom := errors.New("backend down")
		m.SetFault(func(op Op, collection string) error {
			if op == OpQuery {
				return boom
			}
			return nil
		})

		_, err := m.Query(ctx, CollectionCarousels, Filter{})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, m.Ping(ctx))
	})
}

func TestMemorySubscriptions(t *testing.T) {
	ctx := context.Background()

	t.Run("doc subscription delivers initial state then every write in order", func(t *testing.T) {
		m := newTestMemory(t)
		rec := &recorder{}
		require.NoError(t, m.CreateRecord(ctx, CollectionSetup, "A", Fields{"status": "pending"}))

		sub, err := m.SubscribeDoc(CollectionSetup, "A", rec.onDoc)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, m.UpdateRecord(ctx, CollectionSetup, "A", Fields{"status": "linked"}))
		require.NoError(t, m.UpdateRecord(ctx, CollectionSetup, "B", Fields{"status": "pending"}))
		require.NoError(t, m.UpdateRecord(ctx, CollectionSetup, "A", Fields{"status": "expired"}))
		m.Flush()

		require.Len(t, rec.docs, 3)
		assert.Equal(t, "pending", statusOf(t, rec.docs[0]))
		assert.Equal(t, "linked", statusOf(t, rec.docs[1]))
		assert.Equal(t, "expired", statusOf(t, rec.docs[2]))
	})

	t.Run("doc subscription on a missing document delivers nil", func(t *testing.T) {
		m := newTestMemory(t)
		rec := &recorder{}
		sub, err := m.SubscribeDoc(CollectionDevices, "tv-1", rec.onDoc)
		require.NoError(t, err)
		defer sub.Unsubscribe()
		m.Flush()

		require.Len(t, rec.docs, 1)
		assert.Nil(t, rec.docs[0])
	})

	t.Run("query subscription delivers full result sets", func(t *testing.T) {
		m := newTestMemory(t)
		rec := &recorder{}
		filter := Filter{ArrayContains: map[string]string{"locations": "loc-1"}}
		sub, err := m.Subscribe(CollectionCarousels, filter, rec.onList)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, m.CreateRecord(ctx, CollectionCarousels, "c1", Fields{"locations": []string{"loc-1"}}))
		require.NoError(t, m.CreateRecord(ctx, CollectionCarousels, "c2", Fields{"locations": []string{"loc-1"}}))
		m.Flush()

		require.Len(t, rec.lists, 3)
		assert.Empty(t, rec.lists[0])
		assert.Len(t, rec.lists[1], 1)
		assert.Len(t, rec.lists[2], 2)
	})

	t.Run("no delivery after unsubscribe", func(t *testing.T) {
		m := newTestMemory(t)
		rec := &recorder{}
		sub, err := m.SubscribeDoc(CollectionSetup, "A", rec.onDoc)
		require.NoError(t, err)
		m.Flush()

		sub.Unsubscribe()
		require.NoError(t, m.UpdateRecord(ctx, CollectionSetup, "A", Fields{"status": "linked"}))
		m.Flush()

		require.Len(t, rec.docs, 1)
		assert.Nil(t, rec.docs[0])
	})

	t.Run("callbacks may write back into the store", func(t *testing.T) {
		m := newTestMemory(t)
		rec := &recorder{}
		sub, err := m.SubscribeDoc(CollectionSetup, "A", func(doc *Document, err error) {
			if doc != nil && statusOf(t, doc) == "pending" {
				_ = m.UpdateRecord(ctx, CollectionSetup, "A", Fields{"status": "linked"})
			}
			rec.onDoc(doc, err)
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, m.CreateRecord(ctx, CollectionSetup, "A", Fields{"status": "pending"}))
		m.Flush()

		require.Len(t, rec.docs, 3)
		assert.Equal(t, "linked", statusOf(t, rec.docs[2]))
	})

	t.Run("subscription failure is delivered as an error", func(t *testing.T) {
		m := newTestMemory(t)
		rec := &recorder{}
		sub, err := m.SubscribeDoc(CollectionSetup, "A", rec.onDoc)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		m.FailSubscriptions(CollectionSetup, errors.New("stream reset"))
		m.Flush()

		require.Len(t, rec.errors, 1)
		assert.EqualError(t, rec.errors[0], "stream reset")
	})

	t.Run("operations fail after close", func(t *testing.T) {
		m := NewMemory(nil)
		m.Close()
		assert.ErrorIs(t, m.Ping(ctx), ErrClosed)
	})
}

func TestFilterMatches(t *testing.T) {
	data := json.RawMessage(`{"status":"active","locations":["a","b"],"count":3}`)

	assert.True(t, Filter{}.Matches(data))
	assert.True(t, Filter{Equals: map[string]string{"status": "active"}}.Matches(data))
	assert.False(t, Filter{Equals: map[string]string{"status": "draft"}}.Matches(data))
	assert.False(t, Filter{Equals: map[string]string{"count": "3"}}.Matches(data))
	assert.True(t, Filter{ArrayContains: map[string]string{"locations": "b"}}.Matches(data))
	assert.False(t, Filter{ArrayContains: map[string]string{"locations": "c"}}.Matches(data))
	assert.False(t, Filter{ArrayContains: map[string]string{"status": "active"}}.Matches(data))
}

func TestBuildQuery(t *testing.T) {
	query, args := buildQuery(CollectionCarousels, Filter{
		Equals:        map[string]string{"status": "active"},
		ArrayContains: map[string]string{"locations": "loc-1"},
	})

	assert.Equal(t,
		"SELECT id, data, updated_at FROM documents WHERE collection = $1"+
			" AND data->>($2::text) = $3::text"+
			" AND data->($4::text) @> jsonb_build_array($5::text)"+
			" ORDER BY id",
		query)
	assert.Equal(t, []any{"carousels", "status", "active", "locations", "loc-1"}, args)
}

func TestBuildConditionalUpdate(t *testing.T) {
	query, args := buildConditionalUpdate(CollectionSetup, "ABCD-EFGH", `{"status":"linked"}`, Filter{
		Equals: map[string]string{"status": "pending"},
	})

	assert.Equal(t,
		"UPDATE documents SET data = data || $3::jsonb, updated_at = now()"+
			" WHERE collection = $1 AND id = $2"+
			" AND data->>($4::text) = $5::text",
		query)
	assert.Equal(t, []any{"tvSetup", "ABCD-EFGH", `{"status":"linked"}`, "status", "pending"}, args)
}

func TestSQLSubRefresh(t *testing.T) {
	t.Run("delivers the refetched state while open", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sub := &sqlSub{cancel: cancel}

		delivered := 0
		sub.refresh(ctx, "A", false, func(ctx context.Context, changedID string, initial bool) func() {
			return func() { delivered++ }
		})
		assert.Equal(t, 1, delivered)
	})

	t.Run("drops the result of a fetch cancelled by unsubscribe", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		sub := &sqlSub{cancel: cancel}

		delivered := 0
		sub.refresh(ctx, "A", false, func(context.Context, string, bool) func() {
			sub.Unsubscribe()
			return func() { delivered++ }
		})
		assert.Zero(t, delivered)
		assert.Error(t, ctx.Err(), "unsubscribe cancels the fetch")
	})

	t.Run("skips changes of no interest", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sub := &sqlSub{cancel: cancel}

		called := false
		sub.refresh(ctx, "B", false, func(context.Context, string, bool) func() {
			called = true
			return nil
		})
		assert.True(t, called)
	})
}
