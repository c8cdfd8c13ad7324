package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/messages"
	"github.com/Galeaf11/sdk/storage"
	"github.com/Galeaf11/sdk/telemetry"
)

const DefaultPrefix = "cache/"

var ErrNoStorage = errors.New("message cache requires a storage")

//Entry is a cached wire message. Data is kept opaque so replay is byte-exact.
type Entry struct {
	ID     string  `json:"id"`
	From   peer.ID `json:"from"`
	Topic  string  `json:"topic"`
	Data   []byte  `json:"data"`
	Expire int64   `json:"expire"`
	Nonce  int64   `json:"nonce"`
	//Seq is the first insertion order, kept across updates
	Seq uint64 `json:"seq"`
}

type Options struct {
	//Prefix namespaces cache keys inside a shared storage
	Prefix string
	Now    func() time.Time
}

//MessageCache is an expiry-bounded, sender-attributed message store
type MessageCache struct {
	logger *zap.Logger
	store  storage.Storage
	prefix string
	now    func() time.Time

	//mu serialises read-modify-write cycles on the store
	mu        sync.Mutex
	seq       uint64
	seqLoaded bool
}

func New(logger *zap.Logger, store storage.Storage, opts Options) (*MessageCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		return nil, ErrNoStorage
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &MessageCache{
		logger: logger.Named("cache"),
		store:  store,
		prefix: opts.Prefix,
		now:    opts.Now,
	}, nil
}

//MessageID is the content id of a raw message
func MessageID(data []byte) string {
	digest, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		//sha2-256 is always registered
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, digest).String()
}

func (c *MessageCache) key(id string) string {
	return c.prefix + id
}

//loadSeq resumes the insertion counter of a store that outlived the process.
//Must be called with mu held.
func (c *MessageCache) loadSeq(ctx context.Context) error {
	if c.seqLoaded {
		return nil
	}
	entries, err := c.entries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Seq > c.seq {
			c.seq = e.Seq
		}
	}
	c.seqLoaded = true
	return nil
}

//Set stores a message unless an entry with the same id and an equal or
//greater nonce is already there. It reports whether the entry was written.
func (c *MessageCache) Set(ctx context.Context, id string, from peer.ID, topic string, data []byte, expire, nonce int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadSeq(ctx); err != nil {
		return false, err
	}

	entry := Entry{
		ID:     id,
		From:   from,
		Topic:  topic,
		Data:   append([]byte(nil), data...),
		Expire: expire,
		Nonce:  nonce,
	}

	raw, ok, err := c.store.Get(ctx, c.key(id))
	if err != nil {
		return false, errors.Wrap(err, "reading cached message")
	}
	if ok {
		var existing Entry
		if err := json.Unmarshal(raw, &existing); err != nil {
			c.logger.Warn("overwriting undecodable cache entry", zap.String("id", id), zap.Error(err))
			c.seq++
			entry.Seq = c.seq
		} else if existing.Nonce >= nonce {
			telemetry.CacheWrites.WithLabelValues("stale").Inc()
			return false, nil
		} else {
			entry.Seq = existing.Seq
		}
	} else {
		c.seq++
		entry.Seq = c.seq
	}

	b, err := json.Marshal(entry)
	if err != nil {
		return false, errors.Wrap(err, "marshalling cache entry")
	}
	if err := c.store.Set(ctx, c.key(id), b); err != nil {
		telemetry.CacheWrites.WithLabelValues("failed").Inc()
		return false, errors.Wrap(err, "writing cached message")
	}

	telemetry.CacheWrites.WithLabelValues("stored").Inc()
	return true, nil
}

func (c *MessageCache) entries(ctx context.Context) ([]Entry, error) {
	kvs, err := c.store.Entries(ctx, c.prefix)
	if err != nil {
		return nil, errors.Wrap(err, "listing cached messages")
	}

	out := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		var e Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			c.logger.Warn("skipping undecodable cache entry", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		if e.ID == "" {
			e.ID = strings.TrimPrefix(kv.Key, c.prefix)
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

//Get returns the unexpired entries in insertion order
func (c *MessageCache) Get(ctx context.Context) ([]Entry, error) {
	entries, err := c.entries(ctx)
	if err != nil {
		return nil, err
	}

	now := c.now()
	live := entries[:0]
	for _, e := range entries {
		if messages.Expired(e.Expire, now) {
			continue
		}
		live = append(live, e)
	}
	return live, nil
}

//Prune deletes every expired entry and returns how many were removed.
//Failures are logged, never returned.
func (c *MessageCache) Prune(ctx context.Context) int {
	start := time.Now()
	defer func() {
		telemetry.CachePruneDuration.Observe(time.Since(start).Seconds())
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.entries(ctx)
	if err != nil {
		c.logger.Error("failed listing cache for prune", zap.Error(err))
		return 0
	}

	now := c.now()
	pruned := 0
	for _, e := range entries {
		if !messages.Expired(e.Expire, now) {
			continue
		}
		if _, err := c.store.Delete(ctx, c.key(e.ID)); err != nil {
			c.logger.Error("failed deleting expired message", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		pruned++
	}

	if pruned > 0 {
		telemetry.CachePruned.Add(float64(pruned))
		c.logger.Debug("pruned expired messages", zap.Int("count", pruned))
	}
	return pruned
}
