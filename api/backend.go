package api

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/Galeaf11/sdk/cache"
	"github.com/Galeaf11/sdk/events"
	"github.com/Galeaf11/sdk/messages"
	"github.com/Galeaf11/sdk/registry"
)

//Backend is what the api exposes of a running participant
type Backend interface {
	Role() string
	ListRequests(ctx context.Context, topic string) ([]json.RawMessage, error)
	Subscribe() events.Subscriber
}

//RequestsBackend serves a node or client request registry
type RequestsBackend[Q any, O any] struct {
	role     string
	requests *registry.Requests[Q, O]
}

func NewRequestsBackend[Q any, O any](role string, requests *registry.Requests[Q, O]) *RequestsBackend[Q, O] {
	return &RequestsBackend[Q, O]{role: role, requests: requests}
}

func (b *RequestsBackend[Q, O]) Role() string {
	return b.role
}

func (b *RequestsBackend[Q, O]) ListRequests(_ context.Context, topic string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for _, rec := range b.requests.GetAll() {
		if topic != "" && rec.Data.Topic != topic {
			continue
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, errors.Wrap(err, "marshalling request record")
		}
		out = append(out, raw)
	}
	return out, nil
}

func (b *RequestsBackend[Q, O]) Subscribe() events.Subscriber {
	return b.requests.Events()
}

//CacheSource is a server mode overlay
type CacheSource interface {
	Cached(ctx context.Context) ([]cache.Entry, error)
	Events() events.Subscriber
}

//CacheBackend serves the requests held in a server message cache
type CacheBackend struct {
	source CacheSource
}

func NewCacheBackend(source CacheSource) *CacheBackend {
	return &CacheBackend{source: source}
}

func (b *CacheBackend) Role() string {
	return "server"
}

func (b *CacheBackend) ListRequests(ctx context.Context, topic string) ([]json.RawMessage, error) {
	entries, err := b.source.Cached(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading message cache")
	}

	var out []json.RawMessage
	for _, e := range entries {
		if topic != "" && e.Topic != topic {
			continue
		}
		if messages.KindOf(e.Data) != messages.KindRequest {
			continue
		}
		out = append(out, json.RawMessage(e.Data))
	}
	return out, nil
}

func (b *CacheBackend) Subscribe() events.Subscriber {
	return b.source.Events()
}
