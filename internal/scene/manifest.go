package scene

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

var (
	ErrManifestInvalid = errors.New("scene: invalid manifest")
	ErrUnknownObject   = errors.New("scene: object not in manifest")
)

// ManifestObject describes one stored object.
type ManifestObject struct {
	Kind string `toml:"kind"`
	ID   uint64 `toml:"id"`
	Size uint64 `toml:"size"`
	// Deps lists the storage keys this object requires.
	Deps []string `toml:"deps"`
}

// ManifestTreelet carries per-treelet placement hints.
type ManifestTreelet struct {
	ID uint64 `toml:"id"`
	// Prob is the Static policy's target probability weight.
	Prob float64 `toml:"prob"`
}

// Manifest is the scene's object inventory as stored under the
// MANIFEST0 key.
type Manifest struct {
	Objects  []ManifestObject  `toml:"objects"`
	Treelets []ManifestTreelet `toml:"treelets"`
}

var kindsByName = func() map[string]ObjectKind {
	m := make(map[string]ObjectKind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// ParseManifest decodes and validates a TOML manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrManifestInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks kinds, dependency references and treelet entries.
func (m *Manifest) Validate() error {
	seen := make(map[ObjectKey]struct{}, len(m.Objects))
	for i, obj := range m.Objects {
		kind, ok := kindsByName[obj.Kind]
		if !ok {
			return fmt.Errorf("%w: objects[%d] kind %q", ErrManifestInvalid, i, obj.Kind)
		}
		key := ObjectKey{Kind: kind, ID: obj.ID}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate object %s", ErrManifestInvalid, key)
		}
		seen[key] = struct{}{}
	}
	for i, obj := range m.Objects {
		for _, dep := range obj.Deps {
			key, err := ParseObjectKey(dep)
			if err != nil {
				return fmt.Errorf("%w: objects[%d] dep %q", ErrManifestInvalid, i, dep)
			}
			if _, ok := seen[key]; !ok {
				return fmt.Errorf("%w: objects[%d] dep %s not declared", ErrManifestInvalid, i, key)
			}
		}
	}
	for i, t := range m.Treelets {
		if _, ok := seen[TreeletKey(t.ID)]; !ok {
			return fmt.Errorf("%w: treelets[%d] id %d has no object entry", ErrManifestInvalid, i, t.ID)
		}
		if t.Prob < 0 {
			return fmt.Errorf("%w: treelets[%d] negative prob", ErrManifestInvalid, i)
		}
	}
	return nil
}

// Inventory is the master-side indexed view of a manifest.
type Inventory struct {
	sizes map[ObjectKey]uint64
	deps  map[ObjectKey][]ObjectKey
	// treeletIDs is sorted ascending; index 0 is the root when present.
	treeletIDs []uint64
	probs      map[uint64]float64
}

// BuildInventory indexes a validated manifest.
func BuildInventory(m *Manifest) (*Inventory, error) {
	inv := &Inventory{
		sizes: make(map[ObjectKey]uint64, len(m.Objects)),
		deps:  make(map[ObjectKey][]ObjectKey, len(m.Objects)),
		probs: make(map[uint64]float64, len(m.Treelets)),
	}
	for _, obj := range m.Objects {
		kind := kindsByName[obj.Kind]
		key := ObjectKey{Kind: kind, ID: obj.ID}
		inv.sizes[key] = obj.Size
		for _, dep := range obj.Deps {
			depKey, err := ParseObjectKey(dep)
			if err != nil {
				return nil, err
			}
			inv.deps[key] = append(inv.deps[key], depKey)
		}
		if kind == KindTreelet {
			inv.treeletIDs = append(inv.treeletIDs, obj.ID)
		}
	}
	sort.Slice(inv.treeletIDs, func(i, j int) bool { return inv.treeletIDs[i] < inv.treeletIDs[j] })
	for _, t := range m.Treelets {
		inv.probs[t.ID] = t.Prob
	}
	return inv, nil
}

// TreeletIDs returns every treelet id, ascending.
func (inv *Inventory) TreeletIDs() []uint64 {
	out := make([]uint64, len(inv.treeletIDs))
	copy(out, inv.treeletIDs)
	return out
}

// TreeletProb returns the Static target weight for one treelet.
func (inv *Inventory) TreeletProb(id uint64) float64 {
	return inv.probs[id]
}

// HasProbs reports whether the manifest carried any placement weights.
func (inv *Inventory) HasProbs() bool {
	return len(inv.probs) > 0
}

// Size returns the on-disk byte size of one object.
func (inv *Inventory) Size(key ObjectKey) (uint64, error) {
	size, ok := inv.sizes[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownObject, key)
	}
	return size, nil
}

// Dependencies returns the direct dependencies of one object.
func (inv *Inventory) Dependencies(key ObjectKey) []ObjectKey {
	return inv.deps[key]
}

// RecursiveDependencies returns the transitive closure of an object's
// dependencies, excluding the object itself.
func (inv *Inventory) RecursiveDependencies(key ObjectKey) []ObjectKey {
	seen := make(map[ObjectKey]struct{})
	var walk func(ObjectKey)
	walk = func(k ObjectKey) {
		for _, dep := range inv.deps[k] {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			walk(dep)
		}
	}
	walk(key)
	out := make([]ObjectKey, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TreeletFootprint returns the treelet's size plus all transitive
// dependency sizes.
func (inv *Inventory) TreeletFootprint(id uint64) (uint64, error) {
	key := TreeletKey(id)
	total, err := inv.Size(key)
	if err != nil {
		return 0, err
	}
	for _, dep := range inv.RecursiveDependencies(key) {
		size, err := inv.Size(dep)
		if err != nil {
			return 0, err
		}
		total += size
	}
	return total, nil
}

// Objects returns every declared object key.
func (inv *Inventory) Objects() []ObjectKey {
	out := make([]ObjectKey, 0, len(inv.sizes))
	for key := range inv.sizes {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}
