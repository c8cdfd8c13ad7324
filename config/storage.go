package config

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/storage"
)

//OpenStorage opens the configured backend. The returned close function is
//never nil.
func OpenStorage(logger *zap.Logger, cfg StorageConfig) (storage.Storage, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", BackendMemory:
		return storage.NewMemory(), noop, nil
	case BackendFile:
		f, err := storage.OpenFile(logger, cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		return f, noop, nil
	case BackendEtcd:
		cli, err := storage.DialEtcd(cfg.Endpoints, cfg.DialTimeout.Duration)
		if err != nil {
			return nil, noop, err
		}
		e := storage.NewEtcd(logger, cli, cfg.Prefix)
		return e, e.Close, nil
	}
	return nil, noop, errors.Errorf("unknown storage backend %q", cfg.Backend)
}
