package storage

import (
	"context"
)

//Entry is a stored key/value pair
type Entry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

//Storage is the key/value collaborator the cache and registries persist into.
//Entries lists pairs whose key starts with prefix, oldest first.
type Storage interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Entries(ctx context.Context, prefix string) ([]Entry, error)
}
