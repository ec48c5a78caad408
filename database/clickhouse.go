package database

import (
	"context"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	"github.com/ClickHouse/clickhouse-go/v2"

	"trackwell/api/config"
)

type ClickHouseClient struct {
	Conn   clickhouse.Conn
	logger slog.Logger
}

// NewClickHouseDB connects to the analytics mirror over the native protocol.
// Callers should check cfg.ClickHouse.Enabled() first.
func NewClickHouseDB(ctx context.Context, logger slog.Logger, cfg config.ClickHouseConfig) (*ClickHouseClient, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("clickhouse host, port and database must be configured")
	}

	options := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{{Name: "trackwell-api", Version: "1.0.0"}},
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 5 * time.Second,
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse via Native TCP: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if err := conn.Exec(pingCtx, analyticsEventsDDL); err != nil {
		return nil, fmt.Errorf("create analytics_events: %w", err)
	}

	logger.Info(ctx, "connected to clickhouse", slog.F("addr", options.Addr[0]))
	return &ClickHouseClient{Conn: conn, logger: logger}, nil
}

const analyticsEventsDDL = `
CREATE TABLE IF NOT EXISTS analytics_events (
	event_id     String,
	event_type   LowCardinality(String),
	site_id      Int64,
	visitor_hash String,
	session_id   String,
	timestamp    DateTime64(3, 'UTC'),
	page_path    String,
	referrer     String,
	event_name   String,
	browser      LowCardinality(String),
	os           LowCardinality(String),
	device_type  LowCardinality(String),
	duration_ms  Int64,
	event_data   String
) ENGINE = MergeTree
PARTITION BY toYYYYMM(timestamp)
ORDER BY (site_id, timestamp)`

func (c *ClickHouseClient) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	if err := c.Conn.Close(); err != nil {
		c.logger.Error(context.Background(), "error closing clickhouse connection", slog.Error(err))
		return
	}
	c.logger.Info(context.Background(), "clickhouse connection closed")
}
