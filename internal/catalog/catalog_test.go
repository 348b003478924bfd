package catalog

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(types []EntityType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, t.Name)
	}
	return out
}

func TestDefaultCatalogOrder(t *testing.T) {
	c := Default()
	order := names(c.EntityTypes())
	require.Equal(t, []string{TenantSetting, Tag, Project, KnowledgeItem, InventoryItem, BotChannel}, order)

	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	for _, e := range c.EntityTypes() {
		for _, dep := range e.Dependencies() {
			assert.Less(t, pos[dep], pos[e.Name], "%s must come after %s", e.Name, dep)
		}
	}

	levels := c.Levels()
	require.Len(t, levels, 4)
	assert.Equal(t, []string{TenantSetting, Tag}, names(levels[0]))
	assert.Equal(t, []string{Project}, names(levels[1]))
	assert.Equal(t, []string{KnowledgeItem, InventoryItem}, names(levels[2]))
	assert.Equal(t, []string{BotChannel}, names(levels[3]))
}

func TestNewRejectsCycle(t *testing.T) {
	a := EntityType{Name: "a", Table: "a", Fields: []Field{{Name: "k", Kind: KindString, Required: true}},
		References: []Reference{{Column: "b_id", Target: "b"}}, NaturalKey: []string{"k"}, ConflictKey: []string{"k"}}
	b := EntityType{Name: "b", Table: "b", Fields: []Field{{Name: "k", Kind: KindString, Required: true}},
		References: []Reference{{Column: "a_id", Target: "a"}}, NaturalKey: []string{"k"}, ConflictKey: []string{"k"}}

	_, err := New(1, 1, a, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	b.References[0].Deferred = true
	c, err := New(1, 1, a, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, names(c.EntityTypes()))
}

func TestNewRejectsBadDeclarations(t *testing.T) {
	key := []string{"k"}
	fields := []Field{{Name: "k", Kind: KindString, Required: true}}
	cases := map[string]EntityType{
		"unknown target": {Name: "a", Table: "a", Fields: fields, NaturalKey: key, ConflictKey: key,
			References: []Reference{{Column: "x_id", Target: "x"}}},
		"key not a field": {Name: "a", Table: "a", Fields: fields, NaturalKey: []string{"missing"}, ConflictKey: key},
		"optional key": {Name: "a", Table: "a", Fields: []Field{{Name: "k", Kind: KindString}}, NaturalKey: key, ConflictKey: key},
		"reserved column": {Name: "a", Table: "a", Fields: append([]Field{{Name: "id", Kind: KindString}}, fields...), NaturalKey: key, ConflictKey: key},
		"bad kind": {Name: "a", Table: "a", Fields: append([]Field{{Name: "z", Kind: "blob"}}, fields...), NaturalKey: key, ConflictKey: key},
		"no conflict key": {Name: "a", Table: "a", Fields: fields, NaturalKey: key},
	}
	for name, et := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(1, 1, et)
			require.Error(t, err)
		})
	}
	_, err := New(2, 3)
	require.Error(t, err)
}

func TestMustNewPanics(t *testing.T) {
	assert.Panics(t, func() {
		MustNew(1, 1, EntityType{Name: "a"})
	})
}

func TestSupports(t *testing.T) {
	c := Default()
	assert.True(t, c.Supports(SchemaVersion))
	assert.True(t, c.Supports(MinCompatibleVersion))
	assert.False(t, c.Supports(MinCompatibleVersion-1))
	assert.False(t, c.Supports(SchemaVersion+1))
}

func TestKeyOfSurvivesJSON(t *testing.T) {
	values := map[string]any{"s": "x", "i": int64(42), "f": 1.5, "b": true}
	before := KeyOf(values, []string{"s", "i", "f", "b"})

	raw, err := json.Marshal(values)
	require.NoError(t, err)
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var back map[string]any
	require.NoError(t, dec.Decode(&back))

	assert.Equal(t, before, KeyOf(back, []string{"s", "i", "f", "b"}))
	assert.Equal(t, []string{"x", "42", "1.5", "true"}, before)
}

func TestCoerce(t *testing.T) {
	ki, ok := Default().Lookup(KnowledgeItem)
	require.True(t, ok)

	got, problems := ki.Coerce(map[string]any{
		"external_code": "kb-1",
		"title":         "Returns",
		"position":      json.Number("7"),
		"metadata":      map[string]any{"source": "faq", "confidence": json.Number("0.5")},
	})
	require.Empty(t, problems)
	assert.Equal(t, int64(7), got["position"])
	assert.Equal(t, map[string]any{"source": "faq", "confidence": 0.5}, got["metadata"])
	assert.Nil(t, got["body"])

	_, problems = ki.Coerce(map[string]any{
		"external_code": "kb-1",
		"title":         "Returns",
		"position":      "seven",
		"metadata":      map[string]any{"author": "me"},
		"project_id":    "p1",
	})
	codes := map[string]string{}
	for _, p := range problems {
		codes[p.Field] = p.Code
	}
	assert.Equal(t, map[string]string{
		"position":        ProblemInvalid,
		"metadata.author": ProblemUnknown,
		"project_id":      ProblemUnknown,
	}, codes)
}

func TestCoerceFlagsAndTime(t *testing.T) {
	ts, _ := Default().Lookup(TenantSetting)
	got, problems := ts.Coerce(map[string]any{
		"name":          "default",
		"feature_flags": map[string]any{"beta": true, "limit": json.Number("10"), "ratio": 0.25, "mode": "fast"},
		"updated_at":    "2026-03-01T10:00:00+02:00",
	})
	require.Empty(t, problems)
	assert.Equal(t, map[string]any{"beta": true, "limit": int64(10), "ratio": 0.25, "mode": "fast"}, got["feature_flags"])
	assert.True(t, got["updated_at"].(time.Time).Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)))

	_, problems = ts.Coerce(map[string]any{
		"name":          "default",
		"feature_flags": map[string]any{"nested": map[string]any{"x": 1}},
	})
	require.Len(t, problems, 1)
	assert.Equal(t, ProblemInvalid, problems[0].Code)
}

func TestMissingRequired(t *testing.T) {
	inv, _ := Default().Lookup(InventoryItem)
	assert.Equal(t, []string{"name", "quantity"}, inv.MissingRequired(map[string]any{"sku": "A-1", "name": nil}))
	assert.Empty(t, inv.MissingRequired(map[string]any{"sku": "A-1", "name": "Widget", "quantity": int64(0)}))
}

func TestCoerceIntRange(t *testing.T) {
	ki, _ := Default().Lookup(KnowledgeItem)
	for _, v := range []any{1e300, -1e300, 9223372036854775808.0, json.Number("9223372036854775808"), 2.5} {
		_, problems := ki.Coerce(map[string]any{"external_code": "kb-1", "title": "Returns", "position": v})
		require.Len(t, problems, 1, "position %v", v)
		assert.Equal(t, ProblemInvalid, problems[0].Code)
	}

	got, problems := ki.Coerce(map[string]any{"external_code": "kb-1", "title": "Returns", "position": -9223372036854775808.0})
	require.Empty(t, problems)
	assert.Equal(t, int64(-1<<63), got["position"])
}
