// Package registry maps node type names to their definitions and
// factories. Registries are plain values: build one at startup, load the
// node catalog into it and pass it to every engine that needs it.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/petal-labs/petalscript/core"
)

// ErrUnknownType is returned when a type name has not been registered.
var ErrUnknownType = errors.New("unknown node type")

// DefaultCategory is used for types that resolve no category at all.
const DefaultCategory = "Misc"

// groupCategories remaps well-known type groups to palette categories.
var groupCategories = map[string]string{
	"control": "Control",
	"math":    "Math",
	"convert": "Conversion",
}

// Category is one palette group of visible types.
type Category struct {
	Name  string         `json:"name"`
	Types []core.TypeDef `json:"types"`
}

// Registry holds all known node types.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]core.TypeDef
	order  []string // preserves registration order
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for registration messages.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{types: make(map[string]core.TypeDef)}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Register adds a node type definition. If a type with the same name
// already exists it is overwritten and keeps its original position.
func (r *Registry) Register(def core.TypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.types[def.Name]
	if !exists {
		r.order = append(r.order, def.Name)
	}
	r.types[def.Name] = def
	r.logger.Debug("registered node type", "type", def.Name, "replaced", exists)
}

// Get returns a node type definition by type name.
func (r *Registry) Get(typeName string) (core.TypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[typeName]
	return def, ok
}

// Has returns true if the type name is registered.
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typeName]
	return ok
}

// Create instantiates a node of the named type.
func (r *Registry) Create(typeName string, params core.Params) (core.Node, error) {
	def, ok := r.Get(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	if def.New == nil {
		d := def
		base := core.NewBaseNode(&d, params)
		return &base, nil
	}
	n, err := def.New(params.Clone())
	if err != nil {
		return nil, fmt.Errorf("create %q: %w", typeName, err)
	}
	return n, nil
}

// Types returns a snapshot of every registered type keyed by name.
func (r *Registry) Types() map[string]core.TypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]core.TypeDef, len(r.types))
	for k, v := range r.types {
		out[k] = v
	}
	return out
}

// All returns all registered node types in registration order.
func (r *Registry) All() []core.TypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]core.TypeDef, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.types[name])
	}
	return result
}

// Len returns the number of registered node types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// ByCategory groups visible types for a palette. Types are sorted by
// title within a category and categories are sorted case-insensitively.
func (r *Registry) ByCategory() []Category {
	groups := make(map[string][]core.TypeDef)
	for _, def := range r.All() {
		if def.Hidden {
			continue
		}
		name := CategoryOf(def)
		groups[name] = append(groups[name], def)
	}

	out := make([]Category, 0, len(groups))
	for name, defs := range groups {
		sort.SliceStable(defs, func(i, j int) bool {
			return defs[i].DisplayTitle() < defs[j].DisplayTitle()
		})
		out = append(out, Category{Name: name, Types: defs})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a == b {
			return out[i].Name < out[j].Name
		}
		return a < b
	})
	return out
}

// CategoryOf resolves the palette category of a type: the explicit
// Category, then CategoryFunc, then the remapped or capitalized Group,
// then DefaultCategory.
func CategoryOf(def core.TypeDef) string {
	if def.Category != "" {
		return def.Category
	}
	if def.CategoryFunc != nil {
		if c := def.CategoryFunc(); c != "" {
			return c
		}
	}
	if def.Group != "" {
		if c, ok := groupCategories[def.Group]; ok {
			return c
		}
		return capitalize(def.Group)
	}
	return DefaultCategory
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}
