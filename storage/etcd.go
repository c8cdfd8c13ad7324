package storage

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultEtcdPrefix = "/market/"

//Etcd keeps entries under a key prefix of an etcd cluster. A prefix belongs
//to a single overlay instance, sequence numbers of the message cache are
//process local
type Etcd struct {
	logger *zap.Logger
	cli    *clientv3.Client
	prefix string
}

//DialEtcd connects to the given endpoints
func DialEtcd(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to etcd")
	}
	return cli, nil
}

func NewEtcd(logger *zap.Logger, cli *clientv3.Client, prefix string) *Etcd {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	return &Etcd{
		logger: logger.Named("etcd").With(zap.String("prefix", prefix)),
		cli:    cli,
		prefix: prefix,
	}
}

func (e *Etcd) Set(ctx context.Context, key string, value []byte) error {
	if _, err := e.cli.Put(ctx, e.prefix+key, string(value)); err != nil {
		return errors.Wrap(err, "putting etcd key")
	}
	return nil
}

func (e *Etcd) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := e.cli.Get(ctx, e.prefix+key)
	if err != nil {
		return nil, false, errors.Wrap(err, "getting etcd key")
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (e *Etcd) Delete(ctx context.Context, key string) (bool, error) {
	resp, err := e.cli.Delete(ctx, e.prefix+key)
	if err != nil {
		return false, errors.Wrap(err, "deleting etcd key")
	}
	if resp.Deleted == 0 {
		e.logger.Debug("deleted missing key", zap.String("key", key))
	}
	return resp.Deleted > 0, nil
}

func (e *Etcd) Entries(ctx context.Context, prefix string) ([]Entry, error) {
	resp, err := e.cli.Get(ctx, e.prefix+prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend),
	)
	if err != nil {
		return nil, errors.Wrap(err, "listing etcd keys")
	}

	out := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, Entry{
			Key:   strings.TrimPrefix(string(kv.Key), e.prefix),
			Value: kv.Value,
		})
	}
	e.logger.Debug("listed entries", zap.String("key prefix", prefix), zap.Int("count", len(out)))
	return out, nil
}

func (e *Etcd) Close() error {
	e.logger.Debug("closing etcd client")
	return e.cli.Close()
}
