// Package clickhouse implements an append-only tool/token usage metrics
// sink over ClickHouse. Grounded on internal/agentd/metrics_clickhouse.go
// and clickhouse_schema.go's DSN-parse/Open/Ping/CREATE-TABLE-IF-NOT-EXISTS
// idiom, redirected from that file's read-side token-totals query to a
// write-side append of one row per tool invocation. Absence of a configured
// DSN degrades to NoopSink, never a hard startup dependency.
package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog/log"

	"streamorch/internal/config"
)

// Record is one Tool Call Record: round, tool, input, output, success,
// elapsedMs, plus the conversation/user scoping every other append-only
// table in this service carries.
type Record struct {
	ConversationID string
	UserID         string
	Round          int
	Tool           string
	Input          json.RawMessage
	Output         string
	Success        bool
	ElapsedMs      int64
	At             time.Time
}

// Sink records completed tool invocations. Implementations must not block
// the dispatcher on a slow or down backend for long; callers are expected
// to invoke Record from a short-lived goroutine.
type Sink interface {
	Record(ctx context.Context, rec Record)
}

// NoopSink discards every record; used when no DSN is configured.
type NoopSink struct{}

func (NoopSink) Record(context.Context, Record) {}

// Client is a ClickHouse-backed Sink.
type Client struct {
	conn    clickhouse.Conn
	table   string
	timeout time.Duration
}

// New opens a ClickHouse connection and ensures the invocations table
// exists. A blank DSN returns (nil, nil) — the caller should fall back to
// NoopSink rather than treat an unconfigured sink as an error.
func New(ctx context.Context, cfg config.ClickHouseConfig) (*Client, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, nil
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: parse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open connection: %w", err)
	}

	timeout := 5 * time.Second
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	table := "tool_invocations"
	if err := ensureTable(ctx, conn, table, timeout); err != nil {
		log.Warn().Err(err).Str("table", table).Msg("clickhouse_tool_metrics_table_unready")
	}

	return &Client{conn: conn, table: table, timeout: timeout}, nil
}

func ensureTable(ctx context.Context, conn clickhouse.Conn, table string, timeout time.Duration) error {
	sql := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	Timestamp DateTime64(3),
	ConversationID String,
	UserID String,
	Round UInt16,
	Tool LowCardinality(String),
	Input String,
	Output String,
	Success Bool,
	ElapsedMs UInt32
) ENGINE = MergeTree()
ORDER BY (Tool, Timestamp)
TTL Timestamp + INTERVAL 30 DAY
SETTINGS index_granularity = 8192
`, table)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Exec(execCtx, sql); err != nil && !strings.Contains(err.Error(), "already exists") {
		return err
	}
	return nil
}

// Record inserts one row. Errors are logged, not returned — a metrics sink
// must never fail the tool call it is observing.
func (c *Client) Record(ctx context.Context, rec Record) {
	if c == nil || c.conn == nil {
		return
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	execCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s (Timestamp, ConversationID, UserID, Round, Tool, Input, Output, Success, ElapsedMs) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, c.table)
	err := c.conn.Exec(execCtx, query,
		rec.At, rec.ConversationID, rec.UserID, uint16(rec.Round), rec.Tool,
		string(rec.Input), rec.Output, rec.Success, uint32(rec.ElapsedMs),
	)
	if err != nil {
		log.Warn().Err(err).Str("tool", rec.Tool).Msg("clickhouse_tool_metrics_insert_failed")
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
