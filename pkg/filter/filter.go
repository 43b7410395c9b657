// Package filter implements the pluggable attribute filter pipeline
// referenced by an ArraySchema's attributes. The tile codec's cell-level
// math (the filters that need to understand the attribute's datatype,
// like delta or bit-width reduction) is the out-of-core collaborator
// spec.md treats as external; this package covers the filters that
// operate on opaque tile bytes and therefore have a natural home here:
// compression and erasure-coded durability.
package filter

import "fmt"

// Filter transforms a tile's raw bytes before they reach the VFS on
// write, and reverses that transform on read. Filters compose into a
// Pipeline in the order an attribute's schema lists them.
type Filter interface {
	Name() string
	Encode(tile []byte) ([]byte, error)
	Decode(encoded []byte) ([]byte, error)
}

// Pipeline applies a sequence of filters in order on encode, and in
// reverse order on decode — the same composition rule TileDB's own
// filter pipeline uses.
type Pipeline struct {
	filters []Filter
}

// NewPipeline builds a Pipeline from filters in schema-declared order.
func NewPipeline(filters ...Filter) Pipeline {
	return Pipeline{filters: filters}
}

// Encode runs every filter's Encode in pipeline order.
func (p Pipeline) Encode(tile []byte) ([]byte, error) {
	out := tile
	for _, f := range p.filters {
		next, err := f.Encode(out)
		if err != nil {
			return nil, fmt.Errorf("filter %s: encode: %w", f.Name(), err)
		}
		out = next
	}
	return out, nil
}

// Decode runs every filter's Decode in reverse pipeline order.
func (p Pipeline) Decode(encoded []byte) ([]byte, error) {
	out := encoded
	for i := len(p.filters) - 1; i >= 0; i-- {
		f := p.filters[i]
		next, err := f.Decode(out)
		if err != nil {
			return nil, fmt.Errorf("filter %s: decode: %w", f.Name(), err)
		}
		out = next
	}
	return out, nil
}

// Len reports how many filters are in the pipeline.
func (p Pipeline) Len() int { return len(p.filters) }

// Registry resolves a types.FilterConfig (name + level) to a concrete
// Filter, keeping pkg/types free of a dependency on this package.
type Registry struct {
	factories map[string]func(level int) (Filter, error)
}

// NewRegistry returns a Registry pre-populated with every filter this
// package ships: fast compression, strong compression, and
// erasure-coded durability.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]func(int) (Filter, error))}
	r.Register("compress-fast", func(level int) (Filter, error) { return NewFastCompressFilter(level), nil })
	r.Register("compress-xz", func(level int) (Filter, error) { return NewXZFilter(level), nil })
	r.Register("erasure", func(level int) (Filter, error) { return NewErasureFilter(level) })
	return r
}

// Register adds or replaces the factory for a named filter.
func (r *Registry) Register(name string, factory func(level int) (Filter, error)) {
	r.factories[name] = factory
}

// Build resolves a name/level pair to a concrete Filter.
func (r *Registry) Build(name string, level int) (Filter, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("filter: unknown filter %q", name)
	}
	return factory(level)
}
