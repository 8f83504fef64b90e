// Package state provides the keyed store for orchestrator-scoped state.
// Keys are plain strings namespaced with '.', e.g. "example.counter".
package state

import (
	"context"
	"strings"

	"github.com/rendis/conductor/pkg/schema"
)

// Store is a key/value store whose writes are visible to the next read.
type Store interface {
	Set(ctx context.Context, key string, value any) error
	// Get returns the value and whether it was present.
	Get(ctx context.Context, key string) (any, bool, error)
	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// ListKeys returns every key starting with prefix, sorted.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// ValidateKey rejects empty keys and empty namespace segments.
func ValidateKey(key string) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "state key must not be empty")
	}
	for _, seg := range strings.Split(key, ".") {
		if seg == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "state key %q has an empty segment", key).
				WithDetails(map[string]any{"key": key})
		}
	}
	return nil
}

// Namespaced is a view of a Store that prefixes every key with "<ns>.".
type Namespaced struct {
	inner  Store
	prefix string
}

// Namespace returns a view of s scoped under ns.
func Namespace(s Store, ns string) *Namespaced {
	return &Namespaced{inner: s, prefix: ns + "."}
}

func (n *Namespaced) Set(ctx context.Context, key string, value any) error {
	return n.inner.Set(ctx, n.prefix+key, value)
}

func (n *Namespaced) Get(ctx context.Context, key string) (any, bool, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *Namespaced) Delete(ctx context.Context, key string) error {
	return n.inner.Delete(ctx, n.prefix+key)
}

// ListKeys returns keys relative to the namespace.
func (n *Namespaced) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.inner.ListKeys(ctx, n.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.TrimPrefix(k, n.prefix)
	}
	return out, nil
}

var _ Store = (*Namespaced)(nil)
