package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/adgenius/carousel-tv/internal/clock"
)

// Op names a store operation for fault injection.
type Op string

const (
	OpCreate    Op = "create"
	OpGet       Op = "get"
	OpUpdate    Op = "update"
	OpQuery     Op = "query"
	OpSubscribe Op = "subscribe"
	OpPing      Op = "ping"
)

// Memory is an in-process Store. Subscription callbacks run on a single
// dispatcher goroutine in commit order, so callbacks may call back into the
// store without deadlocking.
type Memory struct {
	clock clock.Clock

	mu          sync.Mutex
	cond        *sync.Cond
	collections map[string]map[string]Document
	subs        map[*memorySub]struct{}
	queue       []func()
	pending     int
	closed      bool
	fault       func(op Op, collection string) error
}

type memorySub struct {
	m          *Memory
	collection string
	docID      string
	filter     Filter
	onQuery    func([]Document, error)
	onDoc      func(*Document, error)
	closed     atomic.Bool
}

var _ Store = (*Memory)(nil)

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	m := &Memory{
		clock:       clk,
		collections: make(map[string]map[string]Document),
		subs:        make(map[*memorySub]struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.dispatch()
	return m
}

// SetFault installs a hook consulted before every operation. A non-nil
// return fails the operation with that error.
func (m *Memory) SetFault(fn func(op Op, collection string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// FailSubscriptions delivers err to every live subscription on collection.
func (m *Memory) FailSubscriptions(collection string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sub := range m.subs {
		if sub.collection != collection {
			continue
		}
		sub := sub
		m.enqueueLocked(func() { sub.deliver(nil, nil, err) })
	}
}

// Subscriptions returns the number of live subscriptions.
func (m *Memory) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Flush blocks until every queued subscription delivery has run. It must
// not be called from inside a subscription callback.
func (m *Memory) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.pending > 0 {
		m.cond.Wait()
	}
}

// Close stops the dispatcher after draining queued deliveries.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}

func (m *Memory) CreateRecord(ctx context.Context, collection, id string, fields any) error {
	data, err := encodeFields(fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpCreate, collection); err != nil {
		return err
	}

	docs := m.collectionLocked(collection)
	if _, ok := docs[id]; ok {
		return ErrAlreadyExists
	}
	docs[id] = Document{ID: id, Data: data, UpdatedAt: m.clock.Now().UTC()}
	m.notifyLocked(collection, id)
	return nil
}

func (m *Memory) GetRecord(ctx context.Context, collection, id string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpGet, collection); err != nil {
		return nil, err
	}

	doc, ok := m.collections[collection][id]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (m *Memory) UpdateRecord(ctx context.Context, collection, id string, fields Fields) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpUpdate, collection); err != nil {
		return err
	}

	docs := m.collectionLocked(collection)
	merged, err := mergeJSON(docs[id].Data, patch)
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", collection, id, err)
	}
	docs[id] = Document{ID: id, Data: merged, UpdatedAt: m.clock.Now().UTC()}
	m.notifyLocked(collection, id)
	return nil
}

func (m *Memory) UpdateRecordIf(ctx context.Context, collection, id string, expect Filter, fields Fields) (bool, error) {
	patch, err := json.Marshal(fields)
	if err != nil {
		return false, fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpUpdate, collection); err != nil {
		return false, err
	}

	docs := m.collectionLocked(collection)
	doc, ok := docs[id]
	if !ok || !expect.Matches(doc.Data) {
		return false, nil
	}
	merged, err := mergeJSON(doc.Data, patch)
	if err != nil {
		return false, fmt.Errorf("merge %s/%s: %w", collection, id, err)
	}
	docs[id] = Document{ID: id, Data: merged, UpdatedAt: m.clock.Now().UTC()}
	m.notifyLocked(collection, id)
	return true, nil
}

func (m *Memory) Query(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpQuery, collection); err != nil {
		return nil, err
	}
	return m.queryLocked(collection, filter), nil
}

func (m *Memory) Subscribe(collection string, filter Filter, fn func([]Document, error)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpSubscribe, collection); err != nil {
		return nil, err
	}

	sub := &memorySub{m: m, collection: collection, filter: filter, onQuery: fn}
	m.subs[sub] = struct{}{}
	snapshot := m.queryLocked(collection, filter)
	m.enqueueLocked(func() { sub.deliver(snapshot, nil, nil) })
	return sub, nil
}

func (m *Memory) SubscribeDoc(collection, id string, fn func(*Document, error)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(OpSubscribe, collection); err != nil {
		return nil, err
	}

	sub := &memorySub{m: m, collection: collection, docID: id, onDoc: fn}
	m.subs[sub] = struct{}{}
	doc := m.docLocked(collection, id)
	m.enqueueLocked(func() { sub.deliver(nil, doc, nil) })
	return sub, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(OpPing, "")
}

func (m *Memory) checkLocked(op Op, collection string) error {
	if m.closed {
		return ErrClosed
	}
	if m.fault != nil {
		return m.fault(op, collection)
	}
	return nil
}

func (m *Memory) collectionLocked(collection string) map[string]Document {
	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]Document)
		m.collections[collection] = docs
	}
	return docs
}

func (m *Memory) docLocked(collection, id string) *Document {
	doc, ok := m.collections[collection][id]
	if !ok {
		return nil
	}
	return &doc
}

func (m *Memory) queryLocked(collection string, filter Filter) []Document {
	result := make([]Document, 0)
	for _, doc := range m.collections[collection] {
		if filter.Matches(doc.Data) {
			result = append(result, doc)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// notifyLocked snapshots state for every interested subscriber at commit time
// so deliveries observe writes in the order they were made.
func (m *Memory) notifyLocked(collection, id string) {
	for sub := range m.subs {
		if sub.collection != collection {
			continue
		}
		sub := sub
		if sub.onDoc != nil {
			if sub.docID != id {
				continue
			}
			doc := m.docLocked(collection, id)
			m.enqueueLocked(func() { sub.deliver(nil, doc, nil) })
			continue
		}
		snapshot := m.queryLocked(collection, sub.filter)
		m.enqueueLocked(func() { sub.deliver(snapshot, nil, nil) })
	}
}

func (m *Memory) enqueueLocked(job func()) {
	m.queue = append(m.queue, job)
	m.pending++
	m.cond.Broadcast()
}

func (m *Memory) dispatch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			return
		}

		job := m.queue[0]
		m.queue = m.queue[1:]

		m.mu.Unlock()
		job()
		m.mu.Lock()

		m.pending--
		m.cond.Broadcast()
	}
}

func (s *memorySub) deliver(docs []Document, doc *Document, err error) {
	if s.closed.Load() {
		return
	}
	if s.onDoc != nil {
		s.onDoc(doc, err)
		return
	}
	s.onQuery(docs, err)
}

func (s *memorySub) Unsubscribe() {
	if s.closed.Swap(true) {
		return
	}
	s.m.mu.Lock()
	delete(s.m.subs, s)
	s.m.mu.Unlock()
}

// mergeJSON overlays the top-level keys of patch onto base.
func mergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, err
		}
	}

	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return nil, err
	}
	for k, v := range overlay {
		merged[k] = v
	}

	return json.Marshal(merged)
}
