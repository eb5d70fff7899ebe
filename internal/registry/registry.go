// Package registry tracks which consumers hold which live data subscriptions.
//
// The uniqueness key is (data kind, scope), where scope is the instrument id,
// bar type, or venue the stream is keyed on. Many consumers may share one
// underlying venue subscription; the registry reports the first-add and
// last-remove transitions so the engine knows when to talk to the client.
package registry

import (
	"sort"
	"sync"

	"github.com/coachpo/tidemark/internal/schema"
)

// Key identifies one underlying venue-level subscription.
type Key struct {
	Kind  schema.DataKind
	Scope string
}

// Entry records the consumers and parameters of one active subscription.
type Entry struct {
	Key       Key
	Consumers map[schema.ConsumerID]struct{}
	Params    map[string]string
}

// Registry is the engine's subscription table.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
}

// New constructs an empty registry.
func New() *Registry {
	registry := new(Registry)
	registry.entries = make(map[Key]*Entry)
	return registry
}

// Add registers the consumer under (kind, scope). It returns first=true when
// this creates the underlying subscription, and added=false when the consumer
// was already registered (idempotent per consumer).
func (r *Registry) Add(consumer schema.ConsumerID, kind schema.DataKind, scope string, params map[string]string) (first, added bool) {
	key := Key{Kind: kind, Scope: scope}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		entry = &Entry{
			Key:       key,
			Consumers: make(map[schema.ConsumerID]struct{}, 1),
			Params:    cloneParams(params),
		}
		r.entries[key] = entry
		entry.Consumers[consumer] = struct{}{}
		return true, true
	}
	if _, exists := entry.Consumers[consumer]; exists {
		return false, false
	}
	entry.Consumers[consumer] = struct{}{}
	return false, true
}

// Remove drops the consumer from (kind, scope). It returns last=true when the
// underlying subscription has no consumers left and was deleted, and
// removed=false when the consumer held no such subscription.
func (r *Registry) Remove(consumer schema.ConsumerID, kind schema.DataKind, scope string) (last, removed bool) {
	key := Key{Kind: kind, Scope: scope}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		return false, false
	}
	if _, exists := entry.Consumers[consumer]; !exists {
		return false, false
	}
	delete(entry.Consumers, consumer)
	if len(entry.Consumers) == 0 {
		delete(r.entries, key)
		return true, true
	}
	return false, true
}

// RemoveConsumer drops every subscription held by the consumer, returning the
// keys whose underlying subscription ended with it.
func (r *Registry) RemoveConsumer(consumer schema.ConsumerID) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ended []Key
	for key, entry := range r.entries {
		if _, exists := entry.Consumers[consumer]; !exists {
			continue
		}
		delete(entry.Consumers, consumer)
		if len(entry.Consumers) == 0 {
			delete(r.entries, key)
			ended = append(ended, key)
		}
	}
	sort.Slice(ended, func(i, j int) bool {
		if ended[i].Kind != ended[j].Kind {
			return ended[i].Kind < ended[j].Kind
		}
		return ended[i].Scope < ended[j].Scope
	})
	return ended
}

// Active reports whether (kind, scope) has at least one consumer.
func (r *Registry) Active(kind schema.DataKind, scope string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[Key{Kind: kind, Scope: scope}]
	return ok
}

// Holds reports whether the consumer is registered under (kind, scope).
func (r *Registry) Holds(consumer schema.ConsumerID, kind schema.DataKind, scope string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[Key{Kind: kind, Scope: scope}]
	if !ok {
		return false
	}
	_, exists := entry.Consumers[consumer]
	return exists
}

// Scopes returns the sorted scopes with an active subscription for the kind.
func (r *Registry) Scopes(kind schema.DataKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for key := range r.entries {
		if key.Kind == kind {
			out = append(out, key.Scope)
		}
	}
	sort.Strings(out)
	return out
}

// Consumers returns the consumers registered under (kind, scope).
func (r *Registry) Consumers(kind schema.DataKind, scope string) []schema.ConsumerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[Key{Kind: kind, Scope: scope}]
	if !ok {
		return nil
	}
	out := make([]schema.ConsumerID, 0, len(entry.Consumers))
	for consumer := range entry.Consumers {
		out = append(out, consumer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of active underlying subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func cloneParams(params map[string]string) map[string]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
