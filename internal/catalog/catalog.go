package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// Kind names the declared value type of a field.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindTime   Kind = "time"
	// KindObject is a typed sub-structure; its keys are declared in Field.Fields.
	KindObject Kind = "object"
	// KindFlags is an open-ended map of string to scalar (string, int, float, bool).
	KindFlags Kind = "flags"
)

// MaxFlags bounds the number of keys a flags field may carry.
const MaxFlags = 64

// Field declares one non-reference column of an entity type.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
	Fields   []Field // sub-fields, KindObject only
}

// Reference declares a foreign-key column pointing at another entity type.
// The column holds the referenced row's internal id in the store and the
// referenced natural key in an archive.
type Reference struct {
	Column string
	Target string
	// Optional references may be null, and an unresolved optional reference
	// is reported as a warning instead of an error.
	Optional bool
	// Deferred references break dependency cycles. They are ignored for
	// ordering and patched in a second import pass.
	Deferred bool
}

// EntityType describes one exportable category of record.
type EntityType struct {
	Name        string
	Table       string
	Fields      []Field
	References  []Reference
	NaturalKey  []string // columns identifying a record for references, unique per tenant
	ConflictKey []string // columns matching "same logical record" on import
}

// Dependencies returns the targets of the non-deferred references in
// declaration order, without duplicates.
func (e EntityType) Dependencies() []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range e.References {
		if r.Deferred || seen[r.Target] {
			continue
		}
		seen[r.Target] = true
		out = append(out, r.Target)
	}
	return out
}

// Field returns the declared field with the given name.
func (e EntityType) Field(name string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Reference returns the reference declared on the given column.
func (e EntityType) Reference(column string) (Reference, bool) {
	for _, r := range e.References {
		if r.Column == column {
			return r, true
		}
	}
	return Reference{}, false
}

// Columns lists field columns followed by reference columns.
func (e EntityType) Columns() []string {
	out := make([]string, 0, len(e.Fields)+len(e.References))
	for _, f := range e.Fields {
		out = append(out, f.Name)
	}
	for _, r := range e.References {
		out = append(out, r.Column)
	}
	return out
}

// HasDeferred reports whether any reference of the type is deferred.
func (e EntityType) HasDeferred() bool {
	for _, r := range e.References {
		if r.Deferred {
			return true
		}
	}
	return false
}

func (e EntityType) check() error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("entity type with empty name")
	}
	if e.Table == "" {
		return fmt.Errorf("entity type %s: empty table", e.Name)
	}
	cols := map[string]bool{"id": true, "tenant_id": true}
	for _, f := range e.Fields {
		if err := checkField(f); err != nil {
			return fmt.Errorf("entity type %s: %w", e.Name, err)
		}
		if cols[f.Name] {
			return fmt.Errorf("entity type %s: duplicate or reserved column %q", e.Name, f.Name)
		}
		cols[f.Name] = true
	}
	for _, r := range e.References {
		if r.Column == "" || r.Target == "" {
			return fmt.Errorf("entity type %s: reference needs a column and a target", e.Name)
		}
		if cols[r.Column] {
			return fmt.Errorf("entity type %s: duplicate or reserved column %q", e.Name, r.Column)
		}
		cols[r.Column] = true
	}
	if err := checkKey(e, "natural key", e.NaturalKey); err != nil {
		return err
	}
	return checkKey(e, "conflict key", e.ConflictKey)
}

func checkField(f Field) error {
	if f.Name == "" {
		return errors.New("field with empty name")
	}
	switch f.Kind {
	case KindString, KindInt, KindFloat, KindBool, KindTime, KindFlags:
		if len(f.Fields) > 0 {
			return fmt.Errorf("field %s: sub-fields are only allowed on objects", f.Name)
		}
	case KindObject:
		seen := map[string]bool{}
		for _, sf := range f.Fields {
			if seen[sf.Name] {
				return fmt.Errorf("field %s: duplicate sub-field %q", f.Name, sf.Name)
			}
			seen[sf.Name] = true
			if err := checkField(sf); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
	default:
		return fmt.Errorf("field %s: unknown kind %q", f.Name, f.Kind)
	}
	return nil
}

// Key columns must be required scalar fields so every record has a stable key.
func checkKey(e EntityType, label string, key []string) error {
	if len(key) == 0 {
		return fmt.Errorf("entity type %s: empty %s", e.Name, label)
	}
	for _, c := range key {
		f, ok := e.Field(c)
		if !ok {
			return fmt.Errorf("entity type %s: %s column %q is not a declared field", e.Name, label, c)
		}
		if f.Kind == KindObject || f.Kind == KindFlags {
			return fmt.Errorf("entity type %s: %s column %q is not a scalar", e.Name, label, c)
		}
		if !f.Required {
			return fmt.Errorf("entity type %s: %s column %q must be required", e.Name, label, c)
		}
	}
	return nil
}

// Catalog is the read-only registry of exportable entity types.
type Catalog struct {
	version       int
	minCompatible int
	ordered       []EntityType
	levels        [][]EntityType
	index         map[string]int
}

// New validates the declared entity types and orders them so every type
// comes after its dependencies. A cycle among non-deferred references is an
// error; the catalog author must mark one edge of the cycle as Deferred.
func New(version, minCompatible int, types ...EntityType) (*Catalog, error) {
	if version <= 0 {
		return nil, fmt.Errorf("catalog: invalid schema version %d", version)
	}
	if minCompatible <= 0 || minCompatible > version {
		return nil, fmt.Errorf("catalog: invalid compatible range [%d, %d]", minCompatible, version)
	}
	decl := make(map[string]int, len(types))
	for i, e := range types {
		if err := e.check(); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		if _, dup := decl[e.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate entity type %q", e.Name)
		}
		decl[e.Name] = i
	}
	for _, e := range types {
		for _, r := range e.References {
			if _, ok := decl[r.Target]; !ok {
				return nil, fmt.Errorf("catalog: %s.%s references unknown entity type %q", e.Name, r.Column, r.Target)
			}
		}
	}

	level := make(map[string]int, len(types))
	state := make(map[string]int, len(types)) // 0 unvisited, 1 visiting, 2 done
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case 1:
			return fmt.Errorf("catalog: dependency cycle %s -> %s (mark one reference as deferred)", strings.Join(path, " -> "), name)
		case 2:
			return nil
		}
		state[name] = 1
		lv := 0
		next := append(append([]string(nil), path...), name)
		for _, dep := range types[decl[name]].Dependencies() {
			if err := visit(dep, next); err != nil {
				return err
			}
			if level[dep]+1 > lv {
				lv = level[dep] + 1
			}
		}
		level[name] = lv
		state[name] = 2
		return nil
	}
	maxLevel := -1
	for _, e := range types {
		if err := visit(e.Name, nil); err != nil {
			return nil, err
		}
		if level[e.Name] > maxLevel {
			maxLevel = level[e.Name]
		}
	}

	c := &Catalog{
		version:       version,
		minCompatible: minCompatible,
		levels:        make([][]EntityType, maxLevel+1),
		index:         make(map[string]int, len(types)),
	}
	for _, e := range types {
		c.levels[level[e.Name]] = append(c.levels[level[e.Name]], e)
	}
	for _, lv := range c.levels {
		for _, e := range lv {
			c.index[e.Name] = len(c.ordered)
			c.ordered = append(c.ordered, e)
		}
	}
	return c, nil
}

// MustNew is New that panics, for catalogs declared at process start.
func MustNew(version, minCompatible int, types ...EntityType) *Catalog {
	c, err := New(version, minCompatible, types...)
	if err != nil {
		panic(err)
	}
	return c
}

// EntityTypes returns the entity types in topological order.
func (c *Catalog) EntityTypes() []EntityType {
	out := make([]EntityType, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Levels groups the entity types by dependency depth. Types within one level
// never depend on each other.
func (c *Catalog) Levels() [][]EntityType {
	out := make([][]EntityType, len(c.levels))
	for i, lv := range c.levels {
		out[i] = append([]EntityType(nil), lv...)
	}
	return out
}

// Lookup finds an entity type by name.
func (c *Catalog) Lookup(name string) (EntityType, bool) {
	i, ok := c.index[name]
	if !ok {
		return EntityType{}, false
	}
	return c.ordered[i], true
}

// Position returns the index of the type in topological order, or -1.
func (c *Catalog) Position(name string) int {
	if i, ok := c.index[name]; ok {
		return i
	}
	return -1
}

// SchemaVersion is the version written into exported manifests.
func (c *Catalog) SchemaVersion() int { return c.version }

// MinCompatibleVersion is the oldest manifest schema version accepted on import.
func (c *Catalog) MinCompatibleVersion() int { return c.minCompatible }

// Supports reports whether an archive written at version v can be imported.
func (c *Catalog) Supports(v int) bool {
	return v >= c.minCompatible && v <= c.version
}
