package registry

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/messages"
)

const DefaultClientPrefix = "requests/"

//ClientRequests is the buyer side registry, optionally persisted
type ClientRequests[Q any, O any] struct {
	*Requests[Q, O]
}

func NewClientRequests[Q any, O any](logger *zap.Logger, opts RequestsOptions) *ClientRequests[Q, O] {
	if opts.Storage != nil && opts.Prefix == "" {
		opts.Prefix = DefaultClientPrefix
	}
	return &ClientRequests[Q, O]{
		Requests: newRequests[Q, O](logger, "client", opts),
	}
}

//Restore reloads the persisted records that are still live. Restored records
//emit no events. Expired leftovers are removed from the storage.
func (c *ClientRequests[Q, O]) Restore(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	restored := 0
	_, err := c.loadPersisted(ctx, func(raw []byte) error {
		var rec RequestRecord[Q, O]
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if messages.Expired(rec.Data.Expire, now) {
			c.unpersist(rec.Data.ID)
			return nil
		}
		if c.put(rec.Data.ID, &rec) {
			restored++
		}
		return nil
	})
	if err != nil {
		return restored, errors.Wrap(err, "restoring requests")
	}

	c.logger.Info("restored requests", zap.Int("count", restored))
	return restored, nil
}
