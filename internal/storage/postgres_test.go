package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func TestSchemaName(t *testing.T) {
	if got := SchemaName("recorder", "2025-10-17"); got != "recorder_2025_10_17" {
		t.Errorf("SchemaName() = %q, want recorder_2025_10_17", got)
	}
	b := NewPostgresBackend(nil, "rec", nil)
	if got := b.Schema("2025-01-02"); got != "rec_2025_01_02" {
		t.Errorf("Schema() = %q, want rec_2025_01_02", got)
	}
}

func TestSchemaDDL(t *testing.T) {
	stmts := schemaDDL("recorder_2025_10_17")
	all := strings.Join(stmts, "\n")

	for _, table := range []string{"markets", "tokens", "price_snapshots", "orderbook_snapshots", "volume_snapshots", "system_events"} {
		if !strings.Contains(all, `CREATE TABLE IF NOT EXISTS "recorder_2025_10_17".`+table+` (`) {
			t.Errorf("no CREATE TABLE for %s", table)
		}
	}
	for _, stmt := range stmts {
		if !strings.Contains(stmt, `"recorder_2025_10_17".`) {
			t.Errorf("statement not schema-qualified: %s", stmt)
		}
	}

	tests := []struct {
		name  string
		table string
		want  string
	}{
		{"tokens reference markets", "tokens", `REFERENCES "recorder_2025_10_17".markets(id)`},
		{"price event ids unique", "price_snapshots", "UUID NOT NULL UNIQUE"},
		{"volume event ids unique", "volume_snapshots", "UUID NOT NULL UNIQUE"},
		{"system event ids unique", "system_events", "UUID NOT NULL UNIQUE"},
		{"orderbook rows unique per level", "orderbook_snapshots", "UNIQUE (event_id, token_id, side, level)"},
		{"price lag column", "price_snapshots", "lag_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt := createStatement(stmts, tt.table)
			if stmt == "" {
				t.Fatalf("no CREATE TABLE for %s", tt.table)
			}
			if !strings.Contains(stmt, tt.want) {
				t.Errorf("%s DDL missing %q", tt.table, tt.want)
			}
		})
	}

	for _, table := range []string{"price_snapshots", "orderbook_snapshots", "volume_snapshots"} {
		idx := table + `_ts_idx ON "recorder_2025_10_17".` + table + ` (timestamp)`
		if !strings.Contains(all, idx) {
			t.Errorf("no timestamp index on %s", table)
		}
	}
}

func createStatement(stmts []string, table string) string {
	prefix := `CREATE TABLE IF NOT EXISTS "recorder_2025_10_17".` + table + ` (`
	for _, s := range stmts {
		if strings.HasPrefix(s, prefix) {
			return s
		}
	}
	return ""
}

func TestAppendBatch(t *testing.T) {
	ts := time.Date(2025, 10, 17, 12, 1, 0, 0, time.UTC)
	rows := buildRows(testEvents(ts))
	batch := appendBatch("recorder_2025_10_17", rows)

	perTable := make(map[string]int)
	for _, q := range batch.QueuedQueries {
		if !strings.Contains(q.SQL, "ON CONFLICT") {
			t.Errorf("insert is not idempotent: %s", q.SQL)
		}
		table := strings.TrimPrefix(q.SQL, `INSERT INTO "recorder_2025_10_17".`)
		table = strings.Fields(table)[0]
		perTable[table]++
	}

	want := map[string]int{
		"markets":             1,
		"tokens":              2,
		"price_snapshots":     3,
		"orderbook_snapshots": 3,
		"volume_snapshots":    1,
		"system_events":       1,
	}
	for table, n := range want {
		if perTable[table] != n {
			t.Errorf("%s inserts = %d, want %d", table, perTable[table], n)
		}
	}
	if batch.Len() != 11 {
		t.Errorf("batch.Len() = %d, want 11", batch.Len())
	}

	// Oracle tick carries its measured lag; spot has none.
	var lags []*int64
	for _, q := range batch.QueuedQueries {
		if strings.Contains(q.SQL, ".price_snapshots") {
			lags = append(lags, q.Arguments[8].(*int64))
		}
	}
	if lags[0] != nil {
		t.Errorf("spot lag_ms = %d, want NULL", *lags[0])
	}
	if lags[1] == nil || *lags[1] != 250 {
		t.Errorf("oracle lag_ms = %v, want 250", lags[1])
	}
}

func TestAppendBatch_Empty(t *testing.T) {
	if n := appendBatch("s", rowSet{}).Len(); n != 0 {
		t.Errorf("empty rows queued %d inserts", n)
	}
}

// TestPostgresBackend_Integration runs against a live database when
// RECORDER_TEST_POSTGRES_URL is set.
func TestPostgresBackend_Integration(t *testing.T) {
	url := os.Getenv("RECORDER_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("RECORDER_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	prefix := fmt.Sprintf("it_%d", time.Now().UnixNano())
	backend := NewPostgresBackend(pool, prefix, nil)
	const date Date = "2025-10-17"
	schema := backend.Schema(date)
	t.Cleanup(func() {
		pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
	})

	w, err := backend.Open(ctx, date)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	// Reopening resumes the same schema.
	if _, err := backend.Open(ctx, date); err != nil {
		t.Fatalf("second Open() error = %v", err)
	}

	events := testEvents(time.Date(2025, 10, 17, 12, 1, 0, 0, time.UTC))
	if err := w.Append(ctx, events); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := w.Append(ctx, events); err != nil {
		t.Fatalf("retried Append() error = %v", err)
	}

	s := pgx.Identifier{schema}.Sanitize()
	counts := map[string]int64{
		"markets":             1,
		"tokens":              2,
		"price_snapshots":     3,
		"orderbook_snapshots": 3,
		"volume_snapshots":    1,
		"system_events":       1,
	}
	for table, want := range counts {
		var got int64
		if err := pool.QueryRow(ctx, "SELECT count(*) FROM "+s+"."+table).Scan(&got); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if got != want {
			t.Errorf("%s rows = %d, want %d", table, got, want)
		}
	}

	var raw string
	if err := pool.QueryRow(ctx, "SELECT price::text FROM "+s+".price_snapshots WHERE source = 'oracle'").Scan(&raw); err != nil {
		t.Fatalf("read oracle price: %v", err)
	}
	if price := decimal.RequireFromString(raw); !price.Equal(decimal.RequireFromString("67001.25")) {
		t.Errorf("oracle price = %s, want 67001.25", price)
	}

	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Append(ctx, events); err != ErrWindowClosed {
		t.Errorf("Append after Close = %v, want ErrWindowClosed", err)
	}
}
