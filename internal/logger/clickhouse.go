package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// RequestLogsDDL creates the request log table.
const RequestLogsDDL = `
CREATE TABLE IF NOT EXISTS request_logs (
	request_id String,
	provider   LowCardinality(String),
	model      LowCardinality(String),
	username   String,
	outcome    LowCardinality(String),
	status     UInt16,
	cached     Bool,
	turns      UInt16,
	chunks     UInt32,
	latency_ms UInt32,
	created_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (created_at, provider)`

const insertRequestLogs = "INSERT INTO request_logs"

// rowBatch is the part of driver.Batch the sink uses.
type rowBatch interface {
	Append(v ...any) error
	Send() error
	Abort() error
}

type batchConn interface {
	PrepareBatch(ctx context.Context, query string) (rowBatch, error)
	Close() error
}

// ClickHouseSink appends each flushed batch to the request_logs table.
type ClickHouseSink struct {
	conn batchConn
}

// NewClickHouseSink opens a connection from dsn, pings it and ensures the
// table exists.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: clickhouse ping: %w", err)
	}
	if err := conn.Exec(pingCtx, RequestLogsDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: clickhouse ddl: %w", err)
	}

	return &ClickHouseSink{conn: driverConn{conn}}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, batch []RequestLog) error {
	b, err := s.conn.PrepareBatch(ctx, insertRequestLogs)
	if err != nil {
		return fmt.Errorf("logger: clickhouse prepare: %w", err)
	}

	for _, e := range batch {
		if err := b.Append(
			e.RequestID,
			e.Provider,
			e.Model,
			e.Username,
			e.Outcome,
			e.Status,
			e.Cached,
			e.TurnCount,
			e.Chunks,
			e.LatencyMs,
			normalizeTime(e.CreatedAt),
		); err != nil {
			_ = b.Abort()
			return fmt.Errorf("logger: clickhouse append: %w", err)
		}
	}

	if err := b.Send(); err != nil {
		return fmt.Errorf("logger: clickhouse send: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }

// driverConn adapts driver.Conn to batchConn.
type driverConn struct {
	conn driver.Conn
}

func (c driverConn) PrepareBatch(ctx context.Context, query string) (rowBatch, error) {
	b, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (c driverConn) Close() error { return c.conn.Close() }
