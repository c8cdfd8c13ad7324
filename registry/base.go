package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/events"
	"github.com/Galeaf11/sdk/storage"
	"github.com/Galeaf11/sdk/telemetry"
)

//persistTimeout bounds every storage write a registry makes
const persistTimeout = 5 * time.Second

//base is an insertion ordered map with an event emitter. Every exported
//operation of an embedding registry holds mu for its whole duration, so
//events leave in invocation order.
type base[V any] struct {
	logger *zap.Logger
	name   string

	mu    sync.Mutex
	order []common.Hash
	items map[common.Hash]V

	emitter *events.Emitter

	store  storage.Storage
	prefix string
	now    func() time.Time
}

func newBase[V any](logger *zap.Logger, name string, store storage.Storage, prefix string, now func() time.Time) base[V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return base[V]{
		logger:  logger.Named(name),
		name:    name,
		items:   make(map[common.Hash]V),
		emitter: events.NewEmitter(),
		store:   store,
		prefix:  prefix,
		now:     now,
	}
}

//Events subscribes to the registry life cycle events
func (b *base[V]) Events() events.Subscriber {
	return b.emitter.Subscribe()
}

func (b *base[V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

func (b *base[V]) emit(evt events.Event) {
	telemetry.RegistryEvents.WithLabelValues(b.name, evt.Type()).Inc()
	b.emitter.Emit(evt)
}

func (b *base[V]) reject(reason string, err error, fields ...zap.Field) {
	telemetry.RegistryRejected.WithLabelValues(b.name, reason).Inc()
	b.logger.Debug("rejected message", append(fields, zap.String("reason", reason), zap.Error(err))...)
}

func (b *base[V]) lookup(id common.Hash) (V, bool) {
	v, ok := b.items[id]
	return v, ok
}

//put reports whether id is new
func (b *base[V]) put(id common.Hash, v V) bool {
	_, exists := b.items[id]
	if !exists {
		b.order = append(b.order, id)
	}
	b.items[id] = v
	return !exists
}

func (b *base[V]) remove(id common.Hash) (V, bool) {
	v, ok := b.items[id]
	if !ok {
		return v, false
	}
	delete(b.items, id)
	for i, k := range b.order {
		if k == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return v, true
}

func (b *base[V]) values() []V {
	out := make([]V, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.items[id])
	}
	return out
}

func (b *base[V]) reset() []common.Hash {
	ids := b.order
	b.order = nil
	b.items = make(map[common.Hash]V)
	return ids
}

//---------------------------<PERSISTENCE>

func (b *base[V]) key(id common.Hash) string {
	return b.prefix + id.Hex()
}

func (b *base[V]) persist(id common.Hash, v V) {
	if b.store == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("failed marshalling record", zap.String("id", id.Hex()), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := b.store.Set(ctx, b.key(id), raw); err != nil {
		b.logger.Error("failed persisting record", zap.String("id", id.Hex()), zap.Error(err))
	}
}

func (b *base[V]) unpersist(id common.Hash) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if _, err := b.store.Delete(ctx, b.key(id)); err != nil {
		b.logger.Error("failed deleting persisted record", zap.String("id", id.Hex()), zap.Error(err))
	}
}

//loadPersisted decodes every stored record, oldest first
func (b *base[V]) loadPersisted(ctx context.Context, fn func(raw []byte) error) (int, error) {
	if b.store == nil {
		return 0, nil
	}
	entries, err := b.store.Entries(ctx, b.prefix)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, e := range entries {
		if err := fn(e.Value); err != nil {
			b.logger.Warn("skipping undecodable persisted record", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

//---------------------------</PERSISTENCE>

//startTicker calls fn every interval until ctx is done
func startTicker(ctx context.Context, interval time.Duration, fn func()) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}
