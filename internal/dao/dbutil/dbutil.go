package dbutil

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// ParamSummary returns a privacy-conscious summary of a parameter for logging.
// It avoids leaking tenant data while providing useful debugging signals.
//
// Rules:
// - name=null for nil or nil pointers
// - name=empty for empty strings
// - name=len=N for non-empty strings, slices, arrays and maps
// - name=V for integers and booleans
// - name=zero-time or name=non-zero-time for time.Time
// - For other kinds, returns name=<kind>
func ParamSummary(name string, v any) string {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return name + "=null"
	}
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return name + "=null"
		}
		rv = rv.Elem()
	}
	if t, ok := rv.Interface().(time.Time); ok {
		if t.IsZero() {
			return name + "=zero-time"
		}
		return name + "=non-zero-time"
	}

	switch rv.Kind() {
	case reflect.String:
		if rv.Len() == 0 {
			return name + "=empty"
		}
		return fmt.Sprintf("%s=len=%d", name, rv.Len())
	case reflect.Slice, reflect.Array, reflect.Map:
		return fmt.Sprintf("%s=len=%d", name, rv.Len())
	case reflect.Bool:
		return fmt.Sprintf("%s=%t", name, rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fmt.Sprintf("%s=%d", name, rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fmt.Sprintf("%s=%d", name, rv.Uint())
	default:
		return fmt.Sprintf("%s=%s", name, rv.Kind().String())
	}
}

// Ident is a safe summary for identifiers that are not tenant data, such as
// tenant ids, table names and entity types.
func Ident(name, v string) string {
	if v == "" {
		return name + "=empty"
	}
	return name + "=" + v
}

// ErrWrap returns a formatted error with an operation label and optional summaries.
// Example: ErrWrap("postgres.upsert", err, Ident("table", t), ParamSummary("values", vals))
func ErrWrap(op string, err error, parts ...string) error {
	if err == nil {
		return nil
	}
	if len(parts) == 0 {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w; %s", op, err, strings.Join(parts, ","))
}
