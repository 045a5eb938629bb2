// Package nodes implements the workflow node catalog: a process-wide
// registry plus the factories that build source, enricher, filter,
// sorter, selector, combiner and destination nodes over the connectors,
// repositories and transform library.
package nodes

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cadenza-fm/cadenza/internal/engine"
	"github.com/cadenza-fm/cadenza/internal/shared"
)

// Node categories. A node id is "category.name".
const (
	CategorySource      = "source"
	CategoryEnricher    = "enricher"
	CategoryFilter      = "filter"
	CategorySorter      = "sorter"
	CategorySelector    = "selector"
	CategoryCombiner    = "combiner"
	CategoryDestination = "destination"
)

var validCategories = map[string]bool{
	CategorySource:      true,
	CategoryEnricher:    true,
	CategoryFilter:      true,
	CategorySorter:      true,
	CategorySelector:    true,
	CategoryCombiner:    true,
	CategoryDestination: true,
}

// Meta describes a registered node.
type Meta struct {
	ID          string
	Description string
	Category    string
}

type entry struct {
	fn   engine.NodeFunc
	meta Meta
}

// Registry maps node ids to node functions. Populate at startup, then
// treat as read-only; Get is safe for concurrent use after that.
type Registry struct {
	entries map[string]entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Register adds a node. The id must be "category.name" with a valid
// category matching the metadata, and must not already be registered.
func (r *Registry) Register(id string, fn engine.NodeFunc, meta Meta) error {
	category, _, ok := strings.Cut(id, ".")
	if !ok || category == "" {
		return fmt.Errorf("%w: node id %q is not category.name", shared.ErrValidation, id)
	}
	if !validCategories[category] {
		return fmt.Errorf("%w: unknown node category %q", shared.ErrValidation, category)
	}
	if meta.Category != "" && meta.Category != category {
		return fmt.Errorf("%w: node %q declares category %q", shared.ErrValidation, id, meta.Category)
	}
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("%w: node %q already registered", shared.ErrValidation, id)
	}
	meta.ID = id
	meta.Category = category
	r.entries[id] = entry{fn: fn, meta: meta}
	return nil
}

// Get returns the node function for id.
func (r *Registry) Get(id string) (engine.NodeFunc, bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.fn, true
}

// Describe returns the metadata for id.
func (r *Registry) Describe(id string) (Meta, bool) {
	e, ok := r.entries[id]
	return e.meta, ok
}

// List returns all registered node metadata sorted by id.
func (r *Registry) List() []Meta {
	out := make([]Meta, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateRequired asserts that every critical node id is registered.
// Workflow start aborts on a missing one.
func (r *Registry) ValidateRequired(ids []string) error {
	var missing []string
	for _, id := range ids {
		if _, ok := r.entries[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: required nodes not registered: %s",
			shared.ErrUnknownNode, strings.Join(missing, ", "))
	}
	return nil
}
