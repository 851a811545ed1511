package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Source reference kinds.
const (
	KindCSV      = "csv"
	KindPostgres = "postgres"
)

// Ref is a parsed source reference of the form kind:location[#keyColumn], e.g.
// "csv:./orders.csv#order_id" or "postgres:ops.shipments#id".
type Ref struct {
	Kind      string
	Location  string
	KeyColumn string
}

func ParseRef(ref string) (Ref, error) {
	kind, rest, ok := strings.Cut(strings.TrimSpace(ref), ":")
	if !ok || rest == "" {
		return Ref{}, fmt.Errorf("source ref %q: want kind:location[#key]", ref)
	}
	loc, key, _ := strings.Cut(rest, "#")
	r := Ref{Kind: strings.ToLower(kind), Location: loc, KeyColumn: key}
	switch r.Kind {
	case KindCSV:
	case KindPostgres:
		if r.KeyColumn == "" {
			return Ref{}, fmt.Errorf("source ref %q: postgres sources need a key column", ref)
		}
	default:
		return Ref{}, fmt.Errorf("source ref %q: unknown kind %q", ref, kind)
	}
	return r, nil
}

func (r Ref) String() string {
	if r.KeyColumn == "" {
		return r.Kind + ":" + r.Location
	}
	return r.Kind + ":" + r.Location + "#" + r.KeyColumn
}

// Resolver opens sources by reference. Postgres tables share one pool per table and exclude
// set; CSV files are cheap and opened on every call.
type Resolver struct {
	pgDSN string

	mu     sync.Mutex
	tables map[string]*PostgresTable
}

// NewResolver returns a resolver; pgDSN may be empty when no Postgres source is configured.
func NewResolver(pgDSN string) *Resolver {
	return &Resolver{pgDSN: pgDSN, tables: make(map[string]*PostgresTable)}
}

// Open resolves ref. exclude names the write-back output columns left out of checksums.
func (r *Resolver) Open(ctx context.Context, ref string, exclude []string) (Source, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	switch parsed.Kind {
	case KindCSV:
		return NewCSVFile(parsed.Location, parsed.KeyColumn, exclude), nil
	default:
		if r.pgDSN == "" {
			return nil, errors.New("postgres source requested but SOURCE_PG_DSN is not set")
		}
		cacheKey := parsed.String() + "|" + strings.Join(exclude, ",")
		r.mu.Lock()
		defer r.mu.Unlock()
		if t, ok := r.tables[cacheKey]; ok {
			return t, nil
		}
		t, err := NewPostgresTable(ctx, r.pgDSN, parsed.Location, parsed.KeyColumn, exclude)
		if err != nil {
			return nil, err
		}
		r.tables[cacheKey] = t
		return t, nil
	}
}

// Close releases every pooled Postgres connection.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.tables {
		t.Close()
		delete(r.tables, k)
	}
}
