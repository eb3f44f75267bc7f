// Package docstore is the document-store collaborator shared by the pairing
// coordinator, the TV acceptor and the playback client. Records are JSON
// documents grouped in collections and addressed by id. Subscriptions push
// full snapshots on every change, starting with the current state.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Collections used by the carousel system.
const (
	CollectionSetup     = "tvSetup"
	CollectionDevices   = "tvs"
	CollectionCarousels = "carousels"
)

var (
	ErrAlreadyExists = errors.New("document already exists")
	ErrClosed        = errors.New("document store closed")
)

// Fields is a partial document used for merge updates.
type Fields map[string]any

type Document struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Decode unmarshals the document body into v.
func (d *Document) Decode(v any) error {
	return json.Unmarshal(d.Data, v)
}

// Filter selects documents by top-level fields. Every condition must hold.
type Filter struct {
	// Equals maps a field name to the string value it must hold.
	Equals map[string]string
	// ArrayContains maps an array field name to a string element it must contain.
	ArrayContains map[string]string
}

// Matches evaluates the filter against a raw JSON document body.
func (f Filter) Matches(data json.RawMessage) bool {
	if len(f.Equals) == 0 && len(f.ArrayContains) == 0 {
		return true
	}

	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return false
	}

	for field, want := range f.Equals {
		got, ok := body[field].(string)
		if !ok || got != want {
			return false
		}
	}

	for field, want := range f.ArrayContains {
		values, ok := body[field].([]any)
		if !ok {
			return false
		}
		found := false
		for _, v := range values {
			if s, ok := v.(string); ok && s == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// Subscription is a live listener. Once Unsubscribe returns no new callback
// invocation starts.
type Subscription interface {
	Unsubscribe()
}

type Store interface {
	// CreateRecord writes a new document and fails with ErrAlreadyExists when
	// the id is taken.
	CreateRecord(ctx context.Context, collection, id string, fields any) error
	// GetRecord returns nil without error when the document does not exist.
	GetRecord(ctx context.Context, collection, id string) (*Document, error)
	// UpdateRecord merges fields into the document, creating it if needed.
	UpdateRecord(ctx context.Context, collection, id string, fields Fields) error
	// UpdateRecordIf merges fields into an existing document only while it
	// matches expect, as one atomic write. It reports whether the write
	// happened.
	UpdateRecordIf(ctx context.Context, collection, id string, expect Filter, fields Fields) (bool, error)
	// Query returns matching documents ordered by id.
	Query(ctx context.Context, collection string, filter Filter) ([]Document, error)
	Subscribe(collection string, filter Filter, fn func([]Document, error)) (Subscription, error)
	// SubscribeDoc delivers nil when the document does not exist.
	SubscribeDoc(collection, id string, fn func(*Document, error)) (Subscription, error)
	Ping(ctx context.Context) error
}

func encodeFields(fields any) (json.RawMessage, error) {
	if raw, ok := fields.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return data, nil
}
