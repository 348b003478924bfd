package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/flarebyte/tenant-lifecycle/internal/catalog"
	"github.com/flarebyte/tenant-lifecycle/internal/dao/dbutil"
)

// execer is the part of a pool or transaction that runs statements.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// tenantSetting is the session variable row-level security policies read.
const tenantSetting = "app.current_tenant"

func ident(name string) string { return pgx.Identifier{name}.Sanitize() }

func columnType(k catalog.Kind) string {
	switch k {
	case catalog.KindString:
		return "TEXT"
	case catalog.KindInt:
		return "BIGINT"
	case catalog.KindFloat:
		return "DOUBLE PRECISION"
	case catalog.KindBool:
		return "BOOLEAN"
	case catalog.KindTime:
		return "TIMESTAMPTZ"
	default:
		return "JSONB"
	}
}

// DDL returns the statements creating the tenants table and one table per
// entity type of cat. Every statement is idempotent. Foreign keys come last,
// once all tables exist, and are deferrable so a transaction may write rows
// in any order; deferred references start deferred. A foreign key carries
// tenant_id, so a row can only point at a row of its own tenant.
func DDL(cat *catalog.Catalog) []string {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS pgcrypto`,
		`CREATE TABLE IF NOT EXISTS tenants (
            id TEXT PRIMARY KEY,
            name TEXT,
            created TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
	}
	for _, et := range cat.EntityTypes() {
		stmts = append(stmts, createTable(et)...)
	}
	for _, et := range cat.EntityTypes() {
		for _, r := range et.References {
			target, _ := cat.Lookup(r.Target)
			stmts = append(stmts, foreignKey(et, r, target))
		}
	}
	return stmts
}

func createTable(et catalog.EntityType) []string {
	t := ident(et.Table)
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t)
	b.WriteString("    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),\n")
	b.WriteString("    tenant_id TEXT NOT NULL REFERENCES tenants(id),\n")
	for _, f := range et.Fields {
		fmt.Fprintf(&b, "    %s %s", ident(f.Name), columnType(f.Kind))
		if f.Required {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}
	for _, r := range et.References {
		fmt.Fprintf(&b, "    %s UUID,\n", ident(r.Column))
	}
	b.WriteString("    UNIQUE (tenant_id, id),\n")
	fmt.Fprintf(&b, "    UNIQUE (%s)\n)", keyColumns(et.ConflictKey))

	policy := ident(et.Table + "_tenant_isolation")
	stmts := []string{
		b.String(),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (tenant_id)`, ident(et.Table+"_tenant_idx"), t),
		fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY`, t),
		fmt.Sprintf(`ALTER TABLE %s FORCE ROW LEVEL SECURITY`, t),
		fmt.Sprintf(`DO $$
        BEGIN
            CREATE POLICY %s ON %s USING (tenant_id = current_setting('%s', true));
        EXCEPTION WHEN duplicate_object THEN
            NULL;
        END$$;`, policy, t, tenantSetting),
	}
	// The upsert arbiter is the conflict key. A distinct natural key is
	// checked at commit, so an import may move it between rows.
	if catalog.JoinKey(et.NaturalKey) != catalog.JoinKey(et.ConflictKey) {
		stmts = append(stmts, fmt.Sprintf(`DO $$
        BEGIN
            ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s) DEFERRABLE INITIALLY IMMEDIATE;
        EXCEPTION WHEN duplicate_object OR duplicate_table THEN
            NULL;
        END$$;`, t, ident(et.Table+"_natural_key"), keyColumns(et.NaturalKey)))
	}
	return stmts
}

func keyColumns(key []string) string {
	cols := []string{"tenant_id"}
	for _, c := range key {
		cols = append(cols, ident(c))
	}
	return strings.Join(cols, ", ")
}

func foreignKey(et catalog.EntityType, r catalog.Reference, target catalog.EntityType) string {
	initially := "IMMEDIATE"
	if r.Deferred {
		initially = "DEFERRED"
	}
	return fmt.Sprintf(`DO $$
        BEGIN
            ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (tenant_id, %s) REFERENCES %s (tenant_id, id) DEFERRABLE INITIALLY %s;
        EXCEPTION WHEN duplicate_object THEN
            NULL;
        END$$;`,
		ident(et.Table), ident(et.Table+"_"+r.Column+"_fkey"), ident(r.Column), ident(target.Table), initially)
}

// EnsureSchema creates the required tables if they do not exist.
func EnsureSchema(ctx context.Context, db execer, cat *catalog.Catalog) error {
	for _, s := range DDL(cat) {
		if _, err := db.Exec(ctx, s); err != nil {
			return dbutil.ErrWrap("postgres.ensure_schema", err, dbutil.ParamSummary("stmt", s))
		}
	}
	return nil
}

// CreateTenant registers a tenant id. Creating an existing tenant is a no-op.
func CreateTenant(ctx context.Context, db execer, id, name string) error {
	_, err := db.Exec(ctx, `INSERT INTO tenants (id, name) VALUES ($1, NULLIF($2, '')) ON CONFLICT (id) DO NOTHING`, id, name)
	return dbutil.ErrWrap("postgres.create_tenant", err, dbutil.Ident("tenant", id))
}
