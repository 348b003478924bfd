package catalog

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Problem codes reported by Coerce.
const (
	ProblemInvalid = "INVALID_FIELD"
	ProblemUnknown = "UNKNOWN_FIELD"
)

// Problem describes a field value that does not match its declaration.
type Problem struct {
	Field   string
	Code    string
	Message string
}

// keySep joins key parts into a map key; it never appears in rendered values
// produced by FormatKeyValue for sane data.
const keySep = "\x1f"

// JoinKey renders a key as a single comparable string.
func JoinKey(parts []string) string { return strings.Join(parts, keySep) }

// KeyOf renders the values of cols in canonical form.
func KeyOf(values map[string]any, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = FormatKeyValue(values[c])
	}
	return out
}

// NaturalKeyOf renders the natural key of a row or record.
func (e EntityType) NaturalKeyOf(values map[string]any) []string {
	return KeyOf(values, e.NaturalKey)
}

// ConflictKeyOf renders the conflict key of a row or record.
func (e EntityType) ConflictKeyOf(values map[string]any) []string {
	return KeyOf(values, e.ConflictKey)
}

// FormatKeyValue renders a scalar so that a value survives a JSON round trip
// with the same text.
func FormatKeyValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float32:
		return formatFloat(float64(x))
	case float64:
		return formatFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		if f, err := x.Float64(); err == nil {
			return formatFloat(f)
		}
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Coerce converts decoded values into the declared Go types: string, int64,
// float64, bool, time.Time, map[string]any for objects and flags. Reference
// columns and unknown keys are reported, never silently kept.
func (e EntityType) Coerce(values map[string]any) (map[string]any, []Problem) {
	out := make(map[string]any, len(e.Fields))
	var problems []Problem
	for _, f := range e.Fields {
		v, ok := values[f.Name]
		if !ok || v == nil {
			out[f.Name] = nil
			continue
		}
		cv, ps := coerceField(f, f.Name, v)
		problems = append(problems, ps...)
		out[f.Name] = cv
	}
	for _, k := range sortedKeys(values) {
		if _, ok := e.Field(k); !ok {
			problems = append(problems, Problem{Field: k, Code: ProblemUnknown, Message: fmt.Sprintf("field %q is not declared on %s", k, e.Name)})
		}
	}
	return out, problems
}

// MissingRequired lists the required fields (dotted for object sub-fields)
// that are absent or null.
func (e EntityType) MissingRequired(values map[string]any) []string {
	return missingRequired(e.Fields, values, "")
}

func missingRequired(fields []Field, values map[string]any, prefix string) []string {
	var out []string
	for _, f := range fields {
		v, ok := values[f.Name]
		if !ok || v == nil {
			if f.Required {
				out = append(out, prefix+f.Name)
			}
			continue
		}
		if f.Kind == KindObject {
			if m, ok := v.(map[string]any); ok {
				out = append(out, missingRequired(f.Fields, m, prefix+f.Name+".")...)
			}
		}
	}
	return out
}

func coerceField(f Field, path string, v any) (any, []Problem) {
	invalid := func(format string, args ...any) (any, []Problem) {
		return nil, []Problem{{Field: path, Code: ProblemInvalid, Message: fmt.Sprintf(format, args...)}}
	}
	switch f.Kind {
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return invalid("%s: want string, got %T", path, v)
	case KindInt:
		if n, ok := toInt(v); ok {
			return n, nil
		}
		return invalid("%s: want integer, got %v", path, v)
	case KindFloat:
		if n, ok := toFloat(v); ok {
			return n, nil
		}
		return invalid("%s: want number, got %v", path, v)
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return invalid("%s: want bool, got %T", path, v)
	case KindTime:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return invalid("%s: want RFC3339 time: %v", path, err)
			}
			return parsed.UTC(), nil
		}
		return invalid("%s: want time, got %T", path, v)
	case KindObject:
		m, ok := v.(map[string]any)
		if !ok {
			return invalid("%s: want object, got %T", path, v)
		}
		out := make(map[string]any, len(f.Fields))
		var problems []Problem
		for _, sf := range f.Fields {
			sv, present := m[sf.Name]
			if !present || sv == nil {
				continue
			}
			cv, ps := coerceField(sf, path+"."+sf.Name, sv)
			problems = append(problems, ps...)
			out[sf.Name] = cv
		}
		declared := map[string]bool{}
		for _, sf := range f.Fields {
			declared[sf.Name] = true
		}
		for _, k := range sortedKeys(m) {
			if !declared[k] {
				problems = append(problems, Problem{Field: path + "." + k, Code: ProblemUnknown, Message: fmt.Sprintf("%s.%s is not declared", path, k)})
			}
		}
		return out, problems
	case KindFlags:
		m, ok := v.(map[string]any)
		if !ok {
			return invalid("%s: want flags map, got %T", path, v)
		}
		if len(m) > MaxFlags {
			return invalid("%s: %d flags exceeds limit of %d", path, len(m), MaxFlags)
		}
		out := make(map[string]any, len(m))
		for _, k := range sortedKeys(m) {
			sv, ok := flagScalar(m[k])
			if !ok {
				return invalid("%s.%s: flag values must be string, number or bool, got %T", path, k, m[k])
			}
			out[k] = sv
		}
		return out, nil
	}
	return invalid("%s: unknown kind %q", path, f.Kind)
}

func flagScalar(v any) (any, bool) {
	switch x := v.(type) {
	case string, bool:
		return x, true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
		f, err := x.Float64()
		return f, err == nil
	case float64:
		if i, ok := toInt(x); ok {
			return i, true
		}
		return x, true
	}
	if i, ok := toInt(v); ok {
		return i, true
	}
	return nil, false
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		// 2^63 is exact in float64; anything at or beyond it overflows int64.
		if x == math.Trunc(x) && x >= -(1<<63) && x < 1<<63 {
			return int64(x), true
		}
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Equal compares two coerced values, including nested objects and flags.
func Equal(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

// EqualValues compares two rows column by column over cols.
func EqualValues(a, b map[string]any, cols []string) bool {
	for _, c := range cols {
		if !Equal(a[c], b[c]) {
			return false
		}
	}
	return true
}
