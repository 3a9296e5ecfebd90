package meta

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// metadata is a concurrency-safe bag of values shared by everything running under one request.
type metadata struct {
	carrier map[interface{}]interface{}
	mu      sync.RWMutex
}

func (c *metadata) Value(key interface{}) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.carrier[key]
}

func (c *metadata) WithValue(key, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.carrier[key] = value
}

type contextKey struct{}

var metaContextKey = contextKey{}

type traceKey struct{}

// Begin attaches a metadata carrier to parent.
// Calling it on a context that already has one returns parent unchanged, so it
// is safe to call from every entry point (HTTP middleware, dispatcher, poller).
func Begin(parent context.Context) context.Context {
	value := parent.Value(metaContextKey)
	if value == nil {
		meta := &metadata{
			carrier: make(map[interface{}]interface{}),
		}
		child := context.WithValue(parent, metaContextKey, meta)
		return child
	}
	return parent
}

func metadataFrom(parent context.Context) *metadata {
	value := parent.Value(metaContextKey)
	if value == nil {
		logrus.Debug("meta not found from context, should call meta.Begin() first?")
		return nil
	}
	return value.(*metadata)
}

// WithValue stores key/val in the carrier of parent, if any.
func WithValue(parent context.Context, key, val interface{}) {
	meta := metadataFrom(parent)
	if meta == nil {
		return
	}
	meta.WithValue(key, val)
}

// Value reads key from the carrier of parent.
func Value(parent context.Context, key interface{}) interface{} {
	meta := metadataFrom(parent)
	if meta == nil {
		return nil
	}
	return meta.Value(key)
}

// WithTraceID tags the carrier with a correlation id used in log lines.
func WithTraceID(parent context.Context, id string) {
	WithValue(parent, traceKey{}, id)
}

// TraceID returns the correlation id or "-" when none was set.
func TraceID(parent context.Context) string {
	if id, ok := Value(parent, traceKey{}).(string); ok && id != "" {
		return id
	}
	return "-"
}
