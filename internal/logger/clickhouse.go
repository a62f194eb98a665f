package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Expected table (created by operations, not by the gateway):
//
//	CREATE TABLE IF NOT EXISTS request_logs (
//	    id            UUID,
//	    tenant_id     String,
//	    provider      LowCardinality(String),
//	    model         LowCardinality(String),
//	    model_used    LowCardinality(String),
//	    operation     LowCardinality(String),
//	    input_tokens  UInt32,
//	    output_tokens UInt32,
//	    latency_ms    UInt16,
//	    status        UInt16,
//	    cached        Bool,
//	    error_class   LowCardinality(String),
//	    created_at    DateTime
//	) ENGINE = MergeTree
//	ORDER BY (created_at, id)
//	TTL created_at + INTERVAL 90 DAY

const defaultDialTimeout = 5 * time.Second

// ClickHouseConfig holds connection settings for the analytics sink.
type ClickHouseConfig struct {
	Addr        []string // host:port, native protocol
	Database    string
	Username    string
	Password    string
	Table       string
	DialTimeout time.Duration
}

func (c ClickHouseConfig) table() string {
	if c.Table != "" {
		return c.Table
	}
	return "request_logs"
}

// ClickHouseSink writes request-log batches over the native protocol using
// columnar batch inserts.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink connects and verifies reachability with a ping, so a
// misconfigured sink fails at startup rather than on the first flush.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: dialTimeout,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return &ClickHouseSink{conn: conn, table: cfg.table()}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, entries []RequestLog) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, e := range entries {
		if err := batch.Append(
			e.ID,
			e.TenantID,
			e.Provider,
			e.Model,
			e.ModelUsed,
			e.Operation,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Cached,
			e.ErrorClass,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	return batch.Send()
}

func (s *ClickHouseSink) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
