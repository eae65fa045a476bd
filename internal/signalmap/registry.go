package signalmap

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrUnknownSignal is returned when a (category, name) pair is not present
// in the current registry generation.
var ErrUnknownSignal = errors.New("unknown signal")

// locKey identifies a physical location. Non-bit descriptors use bit = -1.
// The key is built on the transport region, not the logical area, so aliased
// areas (M vs V) land on the same entry.
type locKey struct {
	region Region
	byte_  int
	bit    int8
}

func descLocKey(d *AddressDescriptor) locKey {
	bit := int8(-1)
	if d.Width == WidthBit {
		bit = int8(d.BitOffset)
	}
	return locKey{region: d.Area.Region(), byte_: d.ByteOffset, bit: bit}
}

// generation is one immutable, fully-built mapping. Lookups hold a pointer to
// a generation for the duration of a call; a reload swaps the pointer and the
// old generation is garbage collected once the last lookup drops it.
type generation struct {
	version    uint64
	byName     map[string]*AddressDescriptor
	byLocation map[locKey][]*AddressDescriptor
}

// Registry is a versioned, point-in-time-consistent signal mapping. The read
// path is lock-free: Resolve loads the current generation atomically and
// never observes a half-built mapping.
type Registry struct {
	gen     atomic.Pointer[generation]
	version atomic.Uint64
	logger  *zap.Logger
}

// NewRegistry creates an empty registry. Load must succeed at least once
// before Resolve can return anything.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger.Named("signalmap")}
}

// Load parses the raw mapping into a new generation and atomically swaps it
// in. Loading is all-or-nothing: any malformed token fails the whole load
// and leaves the previous generation (if any) fully active.
func (r *Registry) Load(raw RawMapping) error {
	next := &generation{
		byName:     make(map[string]*AddressDescriptor),
		byLocation: make(map[locKey][]*AddressDescriptor),
	}

	for category, signals := range raw {
		for name, sig := range signals {
			desc, err := ParseToken(sig.Address)
			if err != nil {
				return &MalformedAddressError{
					Category: category,
					Name:     name,
					Token:    sig.Address,
					Reason:   err.Error(),
				}
			}
			desc.Category = category
			desc.Name = name
			desc.Comment = sig.Comment
			if sig.Min != nil || sig.Max != nil {
				if sig.Min == nil || sig.Max == nil {
					return &MalformedAddressError{
						Category: category, Name: name, Token: sig.Address,
						Reason: "domain constraint requires both min and max",
					}
				}
				if *sig.Min > *sig.Max {
					return &MalformedAddressError{
						Category: category, Name: name, Token: sig.Address,
						Reason: fmt.Sprintf("empty domain [%v, %v]", *sig.Min, *sig.Max),
					}
				}
				desc.Domain = &Range{Min: *sig.Min, Max: *sig.Max}
			}

			key := desc.Key()
			if _, ok := next.byName[key]; ok {
				return &MalformedAddressError{
					Category: category, Name: name, Token: sig.Address,
					Reason: "duplicate signal name",
				}
			}
			next.byName[key] = desc

			lk := descLocKey(desc)
			next.byLocation[lk] = append(next.byLocation[lk], desc)
		}
	}

	next.version = r.version.Add(1)
	r.gen.Store(next)

	collisions := 0
	for _, descs := range next.byLocation {
		if len(descs) > 1 {
			collisions++
		}
	}
	r.logger.Info("Signal map loaded",
		zap.Uint64("version", next.version),
		zap.Int("signals", len(next.byName)),
		zap.Int("aliased_locations", collisions),
	)
	return nil
}

// Reload rebuilds the mapping from a fresh raw source. It has the same
// all-or-nothing semantics as Load; a failed reload reports the error and
// keeps serving the prior generation.
func (r *Registry) Reload(raw RawMapping) error {
	if err := r.Load(raw); err != nil {
		r.logger.Error("Signal map reload rejected, keeping previous generation", zap.Error(err))
		return err
	}
	return nil
}

// Version returns the version of the current generation, 0 if never loaded.
func (r *Registry) Version() uint64 {
	g := r.gen.Load()
	if g == nil {
		return 0
	}
	return g.version
}

// Resolve returns the descriptor for (category, name) from the current
// generation.
func (r *Registry) Resolve(category, name string) (*AddressDescriptor, error) {
	g := r.gen.Load()
	if g == nil {
		return nil, fmt.Errorf("%w: %s.%s (registry not loaded)", ErrUnknownSignal, category, name)
	}
	desc, ok := g.byName[category+"."+name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownSignal, category, name)
	}
	return desc, nil
}

// FindByRawLocation returns every descriptor mapping to the given physical
// location. bitOffset < 0 matches non-bit signals at the byte offset. Areas
// that alias the same transport region (M and V) are treated as one location.
func (r *Registry) FindByRawLocation(area MemoryArea, byteOffset, bitOffset int) []*AddressDescriptor {
	g := r.gen.Load()
	if g == nil {
		return nil
	}
	bit := int8(-1)
	if bitOffset >= 0 {
		bit = int8(bitOffset)
	}
	descs := g.byLocation[locKey{region: area.Region(), byte_: byteOffset, bit: bit}]
	out := make([]*AddressDescriptor, len(descs))
	copy(out, descs)
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// FindByToken parses a raw token and looks its location up. Used by the
// config search endpoint for duplicate/collision discovery.
func (r *Registry) FindByToken(token string) ([]*AddressDescriptor, error) {
	probe, err := ParseToken(token)
	if err != nil {
		return nil, fmt.Errorf("invalid search token %q: %w", token, err)
	}
	bit := -1
	if probe.Width == WidthBit {
		bit = int(probe.BitOffset)
	}
	return r.FindByRawLocation(probe.Area, probe.ByteOffset, bit), nil
}

// All returns the descriptors of the current generation grouped by category,
// sorted by name within each category.
func (r *Registry) All() map[string][]*AddressDescriptor {
	g := r.gen.Load()
	if g == nil {
		return nil
	}
	out := make(map[string][]*AddressDescriptor)
	for _, desc := range g.byName {
		out[desc.Category] = append(out[desc.Category], desc)
	}
	for _, descs := range out {
		sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	}
	return out
}
