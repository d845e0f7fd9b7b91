package execution

import "github.com/goliatone/go-process/failure"

// PropertyLookup reports how a typed property lookup resolved.
type PropertyLookup int

const (
	PropertyFound PropertyLookup = iota
	PropertyMissing
	PropertyTypeMismatch
)

func (p PropertyLookup) String() string {
	switch p {
	case PropertyFound:
		return "found"
	case PropertyMissing:
		return "missing"
	case PropertyTypeMismatch:
		return "type_mismatch"
	default:
		return "unknown"
	}
}

// SetProperty inserts or overwrites key. Concurrent writers resolve by
// last-write-wins. On a closed context the write is dropped and a warning
// logged; use TrySetProperty to get the error instead.
func (c *Context) SetProperty(key string, value any) *Context {
	if err := c.TrySetProperty(key, value); err != nil {
		c.logger.Warn("property %q not set: %v", key, err)
	}
	return c
}

// TrySetProperty is SetProperty returning ObjectDisposed on a closed context.
func (c *Context) TrySetProperty(key string, value any) error {
	if c.closed.Load() {
		return failure.ObjectDisposed("execution context is closed", map[string]any{
			"context_id": c.id,
			"property":   key,
		})
	}
	c.propsMu.Lock()
	defer c.propsMu.Unlock()
	c.properties[key] = value
	return nil
}

// RawProperty returns the stored value without any type assertion. Reads
// stay available after Close and see the last written values.
func (c *Context) RawProperty(key string) (any, bool) {
	c.propsMu.RLock()
	defer c.propsMu.RUnlock()
	v, ok := c.properties[key]
	return v, ok
}

// Properties returns a snapshot of the property bag.
func (c *Context) Properties() map[string]any {
	c.propsMu.RLock()
	defer c.propsMu.RUnlock()
	out := make(map[string]any, len(c.properties))
	for k, v := range c.properties {
		out[k] = v
	}
	return out
}

// Property returns the value stored under key as T, or def when the key is
// missing or holds another type.
func Property[T any](c *Context, key string, def T) T {
	v, res := LookupProperty[T](c, key)
	if res != PropertyFound {
		return def
	}
	return v
}

// LookupProperty is Property without the default, telling missing keys apart
// from values of another type.
func LookupProperty[T any](c *Context, key string) (T, PropertyLookup) {
	var zero T
	raw, ok := c.RawProperty(key)
	if !ok {
		return zero, PropertyMissing
	}
	v, ok := raw.(T)
	if !ok {
		return zero, PropertyTypeMismatch
	}
	return v, PropertyFound
}
