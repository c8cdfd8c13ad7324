package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

//File is a Memory store mirrored into a JSON file after every write
type File struct {
	logger *zap.Logger
	path   string
	mem    *Memory
}

//OpenFile loads path if it exists, otherwise starts empty
func OpenFile(logger *zap.Logger, path string) (*File, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &File{
		logger: logger.With(zap.String("path", path)),
		path:   path,
		mem:    NewMemory(),
	}
	if err := f.loadFromDisk(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) loadFromDisk() error {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		f.logger.Info("no storage file found, starting empty")
		return nil
	} else if err != nil {
		return errors.Wrap(err, "reading storage file")
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return errors.Wrap(err, "unmarshalling storage file")
	}
	for _, e := range entries {
		f.mem.set(e.Key, e.Value)
	}

	f.logger.Info("loaded storage file", zap.Int("entries", len(entries)))
	return nil
}

//writeToDisk must be called with the memory lock held
func (f *File) writeToDisk() error {
	raw, err := json.MarshalIndent(f.mem.entries(""), "", " ")
	if err != nil {
		return errors.Wrap(err, "marshalling storage file")
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "creating storage directory")
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return errors.Wrap(err, "writing storage file")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Wrap(err, "replacing storage file")
	}
	return nil
}

func (f *File) Set(_ context.Context, key string, value []byte) error {
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()

	f.mem.set(key, value)
	return f.writeToDisk()
}

func (f *File) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return f.mem.Get(ctx, key)
}

func (f *File) Delete(_ context.Context, key string) (bool, error) {
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()

	if !f.mem.delete(key) {
		return false, nil
	}
	return true, f.writeToDisk()
}

func (f *File) Entries(ctx context.Context, prefix string) ([]Entry, error) {
	return f.mem.Entries(ctx, prefix)
}
