package gateway

import (
	"sync/atomic"

	"github.com/nulpointcorp/model-gateway/internal/providers"
)

// RouteTarget is one upstream candidate for a logical model: a registered
// provider plus the provider-native model ID it serves the request with.
type RouteTarget struct {
	Provider string
	Model    string
}

// ID returns the stable target identifier used for breaker state, health
// reporting, and error diagnostics.
func (t RouteTarget) ID() string { return t.Provider + "/" + t.Model }

// RouteTable maps logical model names to ordered fallback chains. The list
// order is the fallback priority; the orchestrator consumes it unmodified and
// applies breaker state only as a skip filter.
//
// The table is immutable: Reload swaps the entire route set atomically, so a
// concurrent reader always observes either the old or the new table, never a
// half-updated one.
type RouteTable struct {
	routes atomic.Pointer[map[string][]RouteTarget]
}

// NewRouteTable creates a table over the given route set. The map is owned by
// the table after the call and must not be mutated by the caller.
func NewRouteTable(routes map[string][]RouteTarget) *RouteTable {
	t := &RouteTable{}
	t.Reload(routes)
	return t
}

// Resolve returns the fallback chain for a logical model. It never blocks.
func (t *RouteTable) Resolve(model string) ([]RouteTarget, error) {
	routes := *t.routes.Load()
	targets, ok := routes[model]
	if !ok || len(targets) == 0 {
		return nil, &UnknownModelError{Model: model}
	}
	return targets, nil
}

// Reload replaces the whole route set.
func (t *RouteTable) Reload(routes map[string][]RouteTarget) {
	if routes == nil {
		routes = map[string][]RouteTarget{}
	}
	t.routes.Store(&routes)
}

// Models returns the logical models the table currently routes, in no
// particular order.
func (t *RouteTable) Models() []string {
	routes := *t.routes.Load()
	models := make([]string, 0, len(routes))
	for m := range routes {
		models = append(models, m)
	}
	return models
}

// BuildRoutes expands the built-in model catalog, per-model overrides, and
// the global fallback list into a complete route map.
//
// Every catalog model routes to its own provider first. Overrides replace the
// whole chain for their logical model. Fallback model IDs (each resolved
// through the catalog) are then appended to every chat route that does not
// already contain the resulting target; embedding models never receive chat
// fallbacks.
func BuildRoutes(overrides map[string][]RouteTarget, fallbacks []string) map[string][]RouteTarget {
	routes := make(map[string][]RouteTarget,
		len(providers.ChatModelProviders)+len(providers.EmbeddingModelProviders)+len(overrides))

	for model, provider := range providers.ChatModelProviders {
		routes[model] = []RouteTarget{{Provider: provider, Model: model}}
	}
	for model, provider := range providers.EmbeddingModelProviders {
		routes[model] = []RouteTarget{{Provider: provider, Model: model}}
	}
	for model, targets := range overrides {
		if len(targets) == 0 {
			continue
		}
		routes[model] = append([]RouteTarget(nil), targets...)
	}

	fallbackTargets := make([]RouteTarget, 0, len(fallbacks))
	for _, model := range fallbacks {
		if provider, ok := providers.ChatModelProviders[model]; ok {
			fallbackTargets = append(fallbackTargets, RouteTarget{Provider: provider, Model: model})
		}
	}
	if len(fallbackTargets) > 0 {
		for model, targets := range routes {
			if _, isEmbedding := providers.EmbeddingModelProviders[model]; isEmbedding {
				continue
			}
			routes[model] = appendMissing(targets, fallbackTargets)
		}
	}
	return routes
}

func appendMissing(targets []RouteTarget, extra []RouteTarget) []RouteTarget {
	seen := make(map[string]struct{}, len(targets)+len(extra))
	for _, t := range targets {
		seen[t.ID()] = struct{}{}
	}
	for _, t := range extra {
		if _, dup := seen[t.ID()]; dup {
			continue
		}
		seen[t.ID()] = struct{}{}
		targets = append(targets, t)
	}
	return targets
}
