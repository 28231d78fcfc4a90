package services

import (
	"context"
	"maps"
	"slices"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/result"
)

// Hook runs right after one service of a Multi has been started and
// before the next one is. It may adjust the options of services that have
// not started yet; its messages are folded into that service's result.
type Hook func(ctx context.Context, id domain.ServiceIdentifier, started result.Result[domain.ServiceInfo], opts map[string]domain.ServiceOptions) result.Result[struct{}]

// Multi drives several named services as one unit. Services are visited
// sequentially in the declared order, then the remaining keys in sorted
// order. A failing service never prevents the others from being visited.
type Multi struct {
	services map[string]Service
	order    []string
	hooks    map[string]Hook
}

func NewMulti(services map[string]Service, order ...string) *Multi {
	return &Multi{services: services, order: order, hooks: map[string]Hook{}}
}

// OnStart registers the post-start hook of key.
func (m *Multi) OnStart(key string, hook Hook) {
	m.hooks[key] = hook
}

// Keys returns the visiting order.
func (m *Multi) Keys() []string {
	seen := map[string]bool{}
	var keys []string
	for _, k := range m.order {
		if _, ok := m.services[k]; ok && !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	rest := slices.Sorted(maps.Keys(m.services))
	for _, k := range rest {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	return keys
}

func (m *Multi) Start(ctx context.Context, id domain.ServiceIdentifier, opts map[string]domain.ServiceOptions) map[string]result.Result[domain.ServiceInfo] {
	pending := make(map[string]domain.ServiceOptions, len(opts))
	for k, o := range opts {
		pending[k] = o.Copy()
	}
	out := map[string]result.Result[domain.ServiceInfo]{}
	for _, key := range m.Keys() {
		r := m.services[key].Start(ctx, id, pending[key])
		if hook, ok := m.hooks[key]; ok {
			result.Absorb(&r, hook(ctx, id, r, pending))
		}
		out[key] = r
	}
	return out
}

// Stop stops every service; copyBack is looked up per key.
func (m *Multi) Stop(ctx context.Context, id *domain.ServiceIdentifier, copyBack map[string]bool) map[string]result.Result[[]string] {
	out := map[string]result.Result[[]string]{}
	for _, key := range m.Keys() {
		out[key] = m.services[key].Stop(ctx, id, copyBack[key])
	}
	return out
}

func (m *Multi) Ready(ctx context.Context, id domain.ServiceIdentifier) map[string]result.Result[ReadyInfo] {
	out := map[string]result.Result[ReadyInfo]{}
	for _, key := range m.Keys() {
		out[key] = m.services[key].Ready(ctx, id)
	}
	return out
}

func (m *Multi) List(ctx context.Context, id *domain.ServiceIdentifier) map[string]result.Result[[]domain.ServiceInfo] {
	out := map[string]result.Result[[]domain.ServiceInfo]{}
	for _, key := range m.Keys() {
		out[key] = m.services[key].List(ctx, id)
	}
	return out
}

// Success is the AND of every result.
func Success[T any](results map[string]result.Result[T]) bool {
	for _, r := range results {
		if !r.Success {
			return false
		}
	}
	return true
}

// Values unwraps every result's value.
func Values[T any](results map[string]result.Result[T]) map[string]T {
	out := make(map[string]T, len(results))
	for k, r := range results {
		out[k] = r.Value
	}
	return out
}

// AbsorbAll folds every result into one, in key order.
func AbsorbAll[T any](results map[string]result.Result[T]) result.Result[map[string]T] {
	out := result.OK(Values(results))
	for _, k := range slices.Sorted(maps.Keys(results)) {
		result.Absorb(&out, results[k])
	}
	return out
}
