package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/store"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// selectRows lists the rows of et for tenantID ordered by id. Ids and
// reference columns are read as text.
func selectRows(et catalog.EntityType, tenantID string) (string, []any, error) {
	cols := []string{"id::text"}
	for _, f := range et.Fields {
		cols = append(cols, ident(f.Name))
	}
	for _, r := range et.References {
		cols = append(cols, ident(r.Column)+"::text")
	}
	return psql.Select(cols...).
		From(ident(et.Table)).
		Where(sq.Eq{"tenant_id": tenantID}).
		OrderBy("id").
		ToSql()
}

func listRows(ctx context.Context, q querier, et catalog.EntityType, tenantID string) ([]store.Row, error) {
	query, args, err := selectRows(et, tenantID)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []store.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		r, err := toRow(et, vals)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, mapErr(rows.Err())
}

// toRow maps scanned values, in selectRows order, to a store.Row with
// fields coerced to their catalog types.
func toRow(et catalog.EntityType, vals []any) (store.Row, error) {
	if len(vals) != 1+len(et.Fields)+len(et.References) {
		return store.Row{}, fmt.Errorf("%s: scanned %d columns", et.Name, len(vals))
	}
	id, _ := vals[0].(string)
	fields := make(map[string]any, len(et.Fields))
	for i, f := range et.Fields {
		fields[f.Name] = vals[1+i]
	}
	values, problems := et.Coerce(fields)
	if len(problems) > 0 {
		return store.Row{}, fmt.Errorf("%s %s: %s", et.Name, id, problems[0].Message)
	}
	for i, r := range et.References {
		values[r.Column] = vals[1+len(et.Fields)+i]
	}
	return store.Row{ID: id, Values: values}, nil
}

func uuidArg(v any) sq.Sqlizer { return sq.Expr("?::uuid", v) }

// upsertRow inserts values or, on a conflict key match, updates every other
// column. xmax is zero only for a freshly inserted row version.
func upsertRow(et catalog.EntityType, tenantID string, values map[string]any) (string, []any, error) {
	cols := []string{"tenant_id"}
	vals := []any{tenantID}
	for _, f := range et.Fields {
		cols = append(cols, ident(f.Name))
		vals = append(vals, values[f.Name])
	}
	for _, r := range et.References {
		cols = append(cols, ident(r.Column))
		vals = append(vals, uuidArg(values[r.Column]))
	}

	key := map[string]bool{}
	conflict := []string{"tenant_id"}
	for _, c := range et.ConflictKey {
		key[c] = true
		conflict = append(conflict, ident(c))
	}
	var sets []string
	for _, c := range et.Columns() {
		if !key[c] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", ident(c), ident(c)))
		}
	}
	if len(sets) == 0 {
		sets = []string{fmt.Sprintf("%s = EXCLUDED.%s", conflict[1], conflict[1])}
	}
	return psql.Insert(ident(et.Table)).
		Columns(cols...).
		Values(vals...).
		Suffix(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s RETURNING id::text, (xmax = 0)",
			strings.Join(conflict, ", "), strings.Join(sets, ", "))).
		ToSql()
}

func updateRefs(et catalog.EntityType, tenantID, id string, refs map[string]any) (string, []any, error) {
	cols := make([]string, 0, len(refs))
	for c := range refs {
		if _, ok := et.Reference(c); !ok {
			return "", nil, fmt.Errorf("%s has no reference column %q", et.Name, c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	q := psql.Update(ident(et.Table))
	for _, c := range cols {
		q = q.Set(ident(c), uuidArg(refs[c]))
	}
	return q.Where(sq.Eq{"tenant_id": tenantID}).Where("id = ?::uuid", id).ToSql()
}

// deleteRows deletes the listed ids, or every row of the tenant for nil ids.
func deleteRows(et catalog.EntityType, tenantID string, ids []string) (string, []any, error) {
	q := psql.Delete(ident(et.Table)).Where(sq.Eq{"tenant_id": tenantID})
	if ids != nil {
		q = q.Where("id::text = ANY(?)", ids)
	}
	return q.ToSql()
}

// staleIDs returns the ids of rows whose conflict key is not in keep.
func staleIDs(et catalog.EntityType, rows []store.Row, keep [][]string) []string {
	kept := make(map[string]bool, len(keep))
	for _, k := range keep {
		kept[catalog.JoinKey(k)] = true
	}
	ids := []string{}
	for _, r := range rows {
		if !kept[catalog.JoinKey(et.ConflictKeyOf(r.Values))] {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
