package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"shipment-batch-engine/internal/checksum"
)

// PostgresTable is a data source backed by a table in an operational Postgres database.
// Rows are read as JSON objects so every column type renders as text the same way on read
// and on checksum. Write-back columns must accept text values.
type PostgresTable struct {
	pool      *pgxpool.Pool
	table     string
	keyColumn string
	exclude   []string
}

// NewPostgresTable connects to dsn. table may be schema-qualified ("ops.shipments").
func NewPostgresTable(ctx context.Context, dsn, table, keyColumn string, exclude []string) (*PostgresTable, error) {
	if table == "" || keyColumn == "" {
		return nil, errors.New("postgres source needs a table and a key column")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse source dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect source: %w", err)
	}
	return &PostgresTable{pool: pool, table: table, keyColumn: keyColumn, exclude: exclude}, nil
}

func (p *PostgresTable) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresTable) tableIdent() string {
	return pgx.Identifier(strings.Split(p.table, ".")).Sanitize()
}

func (p *PostgresTable) keyIdent() string {
	return pgx.Identifier{p.keyColumn}.Sanitize()
}

func (p *PostgresTable) ReadRows(ctx context.Context) ([]Row, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(
		`SELECT to_jsonb(t) FROM %s t ORDER BY t.%s`, p.tableIdent(), p.keyIdent()))
	if err != nil {
		return nil, fmt.Errorf("query source rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Row{Number: len(out) + 1, Key: fields[p.keyColumn], Fields: fields})
	}
	return out, rows.Err()
}

func (p *PostgresTable) LiveChecksum(ctx context.Context, key string) (string, error) {
	fields, err := p.selectRow(ctx, p.pool, key, false)
	if err != nil {
		return "", err
	}
	return checksum.Of(fields, p.exclude...), nil
}

// WriteBack locks the row, compares its checksum and updates the output columns in one
// transaction.
func (p *PostgresTable) WriteBack(ctx context.Context, key string, outputs map[string]string, expectedChecksum string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin write-back: %w", err)
	}
	defer tx.Rollback(ctx)

	fields, err := p.selectRow(ctx, tx, key, true)
	if err != nil {
		return err
	}
	if !checksum.Equal(expectedChecksum, checksum.Of(fields, p.exclude...)) {
		return fmt.Errorf("%s row %q: %w", p.table, key, ErrConflict)
	}
	if len(outputs) == 0 {
		return tx.Commit(ctx)
	}

	sets := make([]string, 0, len(outputs))
	args := make([]any, 0, len(outputs)+1)
	for col, v := range outputs {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), len(args)))
	}
	args = append(args, key)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s::text = $%d`,
		p.tableIdent(), strings.Join(sets, ", "), p.keyIdent(), len(args))
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("write back %s row %q: %w", p.table, key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit write-back: %w", err)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *PostgresTable) selectRow(ctx context.Context, q querier, key string, lock bool) (map[string]string, error) {
	query := fmt.Sprintf(`SELECT to_jsonb(t) FROM %s t WHERE t.%s::text = $1`, p.tableIdent(), p.keyIdent())
	if lock {
		query += ` FOR UPDATE`
	}
	var raw []byte
	err := q.QueryRow(ctx, query, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s row %q: %w", p.table, key, ErrRowNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select source row: %w", err)
	}
	return decodeFields(raw)
}

// decodeFields flattens a JSON row object into column -> text. Numbers keep their literal
// spelling; NULL becomes the empty string, matching a blank CSV cell.
func decodeFields(raw []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode source row: %w", err)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch t := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = t
		case json.Number:
			out[k] = t.String()
		case bool:
			out[k] = strconv.FormatBool(t)
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("encode column %s: %w", k, err)
			}
			out[k] = string(b)
		}
	}
	return out, nil
}
