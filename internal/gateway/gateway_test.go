package gateway

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipment-batch-engine/internal/checksum"
)

const sample = `order_id,name,postal,weight
A-1,Ada,94107,2.5
A-2,Brian,10001,1
`

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCSVReadRows(t *testing.T) {
	g := NewCSVFile(writeCSV(t, sample), "order_id", nil)

	rows, err := g.ReadRows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Number)
	assert.Equal(t, "A-1", rows[0].Key)
	assert.Equal(t, "Ada", rows[0].Fields["name"])
	assert.Equal(t, "A-2", rows[1].Key)
}

func TestCSVPositionalKeys(t *testing.T) {
	g := NewCSVFile(writeCSV(t, sample), "", nil)

	rows, err := g.ReadRows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", rows[0].Key)
	assert.Equal(t, "2", rows[1].Key)
}

func TestCSVRejectsDuplicateKeys(t *testing.T) {
	g := NewCSVFile(writeCSV(t, "id,w\nx,1\nx,2\n"), "id", nil)
	_, err := g.ReadRows(context.Background())
	assert.Error(t, err)
}

func TestCSVWriteBack(t *testing.T) {
	ctx := context.Background()
	exclude := []string{"tracking"}
	g := NewCSVFile(writeCSV(t, sample), "order_id", exclude)

	rows, err := g.ReadRows(ctx)
	require.NoError(t, err)
	sum := checksum.Of(rows[1].Fields, exclude...)

	live, err := g.LiveChecksum(ctx, "A-2")
	require.NoError(t, err)
	assert.Equal(t, sum, live)

	require.NoError(t, g.WriteBack(ctx, "A-2", map[string]string{"tracking": "1Z2"}, sum))

	rows, err = g.ReadRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1Z2", rows[1].Fields["tracking"])
	assert.Equal(t, "", rows[0].Fields["tracking"])

	// the output column is excluded, so the row still matches its ingestion checksum
	live, err = g.LiveChecksum(ctx, "A-2")
	require.NoError(t, err)
	assert.Equal(t, sum, live)
	require.NoError(t, g.WriteBack(ctx, "A-2", map[string]string{"tracking": "1Z3"}, sum))
}

func TestCSVWriteBackConflict(t *testing.T) {
	ctx := context.Background()
	path := writeCSV(t, sample)
	g := NewCSVFile(path, "order_id", nil)

	rows, err := g.ReadRows(ctx)
	require.NoError(t, err)
	sum := checksum.Of(rows[0].Fields)

	// a user edits the row after ingestion
	require.NoError(t, os.WriteFile(path, []byte("order_id,name,postal,weight\nA-1,Ada,94107,3\nA-2,Brian,10001,1\n"), 0o644))

	err = g.WriteBack(ctx, "A-1", map[string]string{"tracking": "1Z1"}, sum)
	assert.ErrorIs(t, err, ErrConflict)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "1Z1")

	_, err = g.LiveChecksum(ctx, "missing")
	assert.ErrorIs(t, err, ErrRowNotFound)
}

func TestDecodeFields(t *testing.T) {
	fields, err := decodeFields([]byte(`{"id": 12, "weight": 2.50, "name": "Ada", "note": null, "fragile": true, "dims": [1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"id":      "12",
		"weight":  "2.50",
		"name":    "Ada",
		"note":    "",
		"fragile": "true",
		"dims":    "[1,2]",
	}, fields)
}

func TestPostgresTableWriteBack(t *testing.T) {
	dsn := os.Getenv("SOURCE_PG_TEST_DSN")
	if dsn == "" {
		t.Skip("SOURCE_PG_TEST_DSN not set")
	}
	ctx := context.Background()

	g, err := NewPostgresTable(ctx, dsn, "gateway_test_orders", "order_id", []string{"tracking"})
	require.NoError(t, err)
	defer g.Close()

	_, err = g.pool.Exec(ctx, `DROP TABLE IF EXISTS gateway_test_orders;
		CREATE TABLE gateway_test_orders (order_id TEXT PRIMARY KEY, weight NUMERIC, tracking TEXT);
		INSERT INTO gateway_test_orders VALUES ('A-1', 2.5, NULL), ('A-2', 1, NULL);`)
	require.NoError(t, err)

	rows, err := g.ReadRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	sum := checksum.Of(rows[0].Fields, "tracking")

	require.NoError(t, g.WriteBack(ctx, "A-1", map[string]string{"tracking": "1Z1"}, sum))

	_, err = g.pool.Exec(ctx, `UPDATE gateway_test_orders SET weight = 9 WHERE order_id = 'A-2'`)
	require.NoError(t, err)
	err = g.WriteBack(ctx, "A-2", map[string]string{"tracking": "1Z2"}, checksum.Of(rows[1].Fields, "tracking"))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestParseRef(t *testing.T) {
	cases := []struct {
		in      string
		want    Ref
		wantErr bool
	}{
		{in: "csv:./orders.csv#order_id", want: Ref{Kind: KindCSV, Location: "./orders.csv", KeyColumn: "order_id"}},
		{in: "CSV:/data/in.csv", want: Ref{Kind: KindCSV, Location: "/data/in.csv"}},
		{in: "postgres:ops.shipments#id", want: Ref{Kind: KindPostgres, Location: "ops.shipments", KeyColumn: "id"}},
		{in: "postgres:ops.shipments", wantErr: true},
		{in: "sheets:abc#id", wantErr: true},
		{in: "orders.csv", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseRef(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
	assert.Equal(t, "csv:./orders.csv#order_id", Ref{Kind: KindCSV, Location: "./orders.csv", KeyColumn: "order_id"}.String())
}

func TestResolverOpensCSV(t *testing.T) {
	path := writeCSV(t, sample)
	r := NewResolver("")
	defer r.Close()

	src, err := r.Open(context.Background(), "csv:"+path+"#order_id", nil)
	require.NoError(t, err)
	rows, err := src.ReadRows(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = r.Open(context.Background(), "postgres:orders#id", nil)
	assert.Error(t, err)
}
